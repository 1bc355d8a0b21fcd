// Package store persists tracking records, the recent-candidates pool, the
// task queues, and per-posting advisory locks. SQLite is the default
// backend; Postgres is available for multi-process deployments.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/applyflow/applyflow/internal/model"
)

// Queue names the three logical task queues.
type Queue string

const (
	QueueIntake     Queue = "intake"
	QueuePipeline   Queue = "pipeline"
	QueueSubmission Queue = "submission"
)

// Message is a claimed queue entry. Queues carry posting identifiers only;
// workers always load the current TrackingRecord before acting.
type Message struct {
	ID        int64  `json:"id"`
	Queue     Queue  `json:"queue"`
	PostingID string `json:"posting_id"`
	Attempts  int    `json:"attempts"`
}

// RecordFilter specifies criteria for listing tracking records.
type RecordFilter struct {
	Status model.Status `json:"status,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}

// Store defines the persistence interface for the pipeline.
//
// All writes are atomic per posting: a concurrent load never observes a
// completed_stages/stage_outputs pair from two different writes. Writers
// for different postings do not block each other.
type Store interface {
	// Tracking records (checkpoint store)
	CreateRecord(ctx context.Context, posting model.Posting, status model.Status, groupID string) (*model.TrackingRecord, error)
	GetRecord(ctx context.Context, postingID string) (*model.TrackingRecord, error)
	SaveRecord(ctx context.Context, rec *model.TrackingRecord) error
	AppendCompletedStage(ctx context.Context, postingID, stage string, output json.RawMessage, status model.Status) error
	RecordError(ctx context.Context, postingID string, status model.Status, info model.ErrorInfo) error
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.TrackingRecord, error)
	CountRecordsByStatus(ctx context.Context) (map[model.Status]int, error)

	// Recent-candidates pool (duplicate detection)
	AddCandidate(ctx context.Context, posting model.Posting, groupID string) error
	AssignGroup(ctx context.Context, postingID, groupID string) error
	RecentCandidates(ctx context.Context, window time.Duration, limit int) ([]model.Candidate, error)

	// Advisory locks (at-most-one active orchestrator run per posting)
	TryLockPosting(ctx context.Context, postingID, owner string, ttl time.Duration) (bool, error)
	UnlockPosting(ctx context.Context, postingID, owner string) error

	// Task queues (at-least-once, exclusive claims)
	Enqueue(ctx context.Context, q Queue, postingID string) error
	Dequeue(ctx context.Context, q Queue, owner string, visibility time.Duration) (*Message, error)
	Ack(ctx context.Context, msgID int64) error
	Nack(ctx context.Context, msgID int64, delay time.Duration, maxAttempts int) error
	RequeueExpired(ctx context.Context) (int, error)
	QueueDepths(ctx context.Context) (map[Queue]int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
