package model

import "time"

// Source identifies where a posting was discovered.
type Source string

const (
	SourceBoard    Source = "board"
	SourceReferral Source = "referral"
	SourceManual   Source = "manual"
)

// Posting is a discovered job posting. It is immutable once created; the
// pipeline only ever mutates the TrackingRecord that wraps it.
type Posting struct {
	ID           string            `json:"id"`
	Source       Source            `json:"source"`
	Title        string            `json:"title"`
	Company      string            `json:"company"`
	Description  string            `json:"description"`
	Location     string            `json:"location"`
	URL          string            `json:"url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	DiscoveredAt time.Time         `json:"discovered_at"`
}

// Candidate is a posting in the recent-candidates pool used for duplicate
// detection, together with its duplicate-group membership (if any).
type Candidate struct {
	Posting Posting `json:"posting"`
	GroupID string  `json:"group_id,omitempty"`
}

// DuplicateMatch is the outcome of classifying a new posting against the
// candidate pool. GroupID is empty when the matched candidate has not been
// assigned a group yet; the caller creates one and assigns both postings.
type DuplicateMatch struct {
	CandidateID string  `json:"candidate_id"`
	GroupID     string  `json:"group_id,omitempty"`
	Score       float64 `json:"score"`
	Confirmed   bool    `json:"confirmed"` // true when tier-2 confirmed a mid-band score
}
