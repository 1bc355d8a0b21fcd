// Package dedupe decides whether an incoming posting duplicates one already
// being processed, using a cheap deterministic tier and an expensive
// semantic tier for ambiguous pairs.
package dedupe

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/applyflow/applyflow/internal/config"
	"github.com/applyflow/applyflow/internal/model"
	"github.com/applyflow/applyflow/internal/similarity"
)

// CandidateSource supplies recently-seen postings, most recent first, so
// high-confidence early matches short-circuit cheaply.
type CandidateSource interface {
	RecentCandidates(ctx context.Context, limit int) ([]model.Candidate, error)
}

// Comparator is the expensive tier-2 pairwise check consulted for scores in
// the ambiguous mid band.
type Comparator interface {
	Compare(ctx context.Context, a, b model.Posting) (float64, error)
}

// Scorer is the cheap tier-1 pairwise score. *similarity.Engine is the
// production implementation.
type Scorer interface {
	Score(a, b model.Posting) float64
}

var _ Scorer = (*similarity.Engine)(nil)

// Detector classifies new postings against the candidate pool.
type Detector struct {
	scorer     Scorer
	comparator Comparator // nil disables tier-2
	source     CandidateSource
	cfg        config.DedupeConfig
}

// NewDetector creates a Detector. comparator may be nil, in which case
// mid-band scores are treated as non-matches.
func NewDetector(scorer Scorer, comparator Comparator, source CandidateSource, cfg config.DedupeConfig) (*Detector, error) {
	if scorer == nil {
		return nil, eris.New("dedupe: similarity scorer is required")
	}
	if source == nil {
		return nil, eris.New("dedupe: candidate source is required")
	}
	return &Detector{scorer: scorer, comparator: comparator, source: source, cfg: cfg}, nil
}

// Classify scans the candidate pool for a duplicate of p. The first
// candidate scoring at or above the high threshold wins; mid-band scores
// are deferred to the comparator, which must itself clear the high
// threshold to confirm. Returns nil when no candidate matches.
//
// Both the pool lookup and the comparator fail open: a lookup error means
// "no candidates", a comparator error means "this candidate does not
// match". Duplicate detection never blocks acceptance of a posting.
func (d *Detector) Classify(ctx context.Context, p model.Posting) (*model.DuplicateMatch, error) {
	candidates, err := d.source.RecentCandidates(ctx, d.cfg.MaxCandidates)
	if err != nil {
		zap.L().Warn("dedupe: candidate lookup failed, treating posting as new",
			zap.String("posting_id", p.ID),
			zap.Error(err),
		)
		return nil, nil
	}

	for _, c := range candidates {
		if c.Posting.ID == p.ID {
			continue
		}
		score := d.scorer.Score(p, c.Posting)

		switch {
		case score >= d.cfg.HighThreshold:
			zap.L().Info("dedupe: tier-1 match",
				zap.String("posting_id", p.ID),
				zap.String("candidate_id", c.Posting.ID),
				zap.Float64("score", score),
			)
			return &model.DuplicateMatch{
				CandidateID: c.Posting.ID,
				GroupID:     c.GroupID,
				Score:       score,
			}, nil

		case score >= d.cfg.MidThreshold:
			if d.comparator == nil {
				continue
			}
			confidence, cmpErr := d.comparator.Compare(ctx, p, c.Posting)
			if cmpErr != nil {
				zap.L().Warn("dedupe: tier-2 comparator failed, treating candidate as non-match",
					zap.String("posting_id", p.ID),
					zap.String("candidate_id", c.Posting.ID),
					zap.Error(cmpErr),
				)
				continue
			}
			if confidence >= d.cfg.HighThreshold {
				zap.L().Info("dedupe: tier-2 confirmed match",
					zap.String("posting_id", p.ID),
					zap.String("candidate_id", c.Posting.ID),
					zap.Float64("score", score),
					zap.Float64("confidence", confidence),
				)
				return &model.DuplicateMatch{
					CandidateID: c.Posting.ID,
					GroupID:     c.GroupID,
					Score:       score,
					Confirmed:   true,
				}, nil
			}
		}
	}

	return nil, nil
}
