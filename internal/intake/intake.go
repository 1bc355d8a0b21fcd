// Package intake accepts discovered postings, classifies them against the
// candidate pool, and routes non-duplicates onto the pipeline queue.
package intake

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/applyflow/applyflow/internal/dedupe"
	"github.com/applyflow/applyflow/internal/model"
	"github.com/applyflow/applyflow/internal/store"
)

// PoolSource adapts the store's candidate pool to the detector's source
// contract, binding the configured recency window.
type PoolSource struct {
	store  store.Store
	window time.Duration
}

// NewPoolSource creates a PoolSource.
func NewPoolSource(st store.Store, window time.Duration) *PoolSource {
	return &PoolSource{store: st, window: window}
}

func (p *PoolSource) RecentCandidates(ctx context.Context, limit int) ([]model.Candidate, error) {
	return p.store.RecentCandidates(ctx, p.window, limit)
}

// Service owns the intake flow: Ingest records a discovery and queues it for
// classification; Classify runs duplicate detection and routes the posting.
type Service struct {
	store    store.Store
	detector *dedupe.Detector
}

// NewService creates the intake service.
func NewService(st store.Store, detector *dedupe.Detector) *Service {
	return &Service{store: st, detector: detector}
}

// Ingest validates and records a discovered posting, then enqueues it for
// classification. The queue carries only the posting id.
func (s *Service) Ingest(ctx context.Context, posting model.Posting) (*model.TrackingRecord, error) {
	if strings.TrimSpace(posting.ID) == "" {
		posting.ID = uuid.New().String()
	}
	if posting.Source == "" {
		posting.Source = model.SourceManual
	}
	if posting.DiscoveredAt.IsZero() {
		posting.DiscoveredAt = time.Now().UTC()
	}
	if strings.TrimSpace(posting.Title) == "" && strings.TrimSpace(posting.Company) == "" {
		return nil, eris.New("intake: posting needs at least a title or a company")
	}

	rec, err := s.store.CreateRecord(ctx, posting, model.StatusDiscovered, "")
	if err != nil {
		return nil, err
	}
	if err := s.store.Enqueue(ctx, store.QueueIntake, posting.ID); err != nil {
		return nil, err
	}

	zap.L().Info("intake: posting ingested",
		zap.String("posting_id", posting.ID),
		zap.String("source", string(posting.Source)),
		zap.String("company", posting.Company),
	)
	return rec, nil
}

// Classify runs duplicate detection for an ingested posting. Duplicates are
// absorbed into a group and never reach the pipeline queue; everything else
// joins the candidate pool and moves on.
//
// Classify is idempotent: redelivery of an already-classified posting is a
// no-op.
func (s *Service) Classify(ctx context.Context, postingID string) error {
	rec, err := s.store.GetRecord(ctx, postingID)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusDiscovered {
		zap.L().Debug("intake: posting already classified",
			zap.String("posting_id", postingID),
			zap.String("status", string(rec.Status)),
		)
		return nil
	}

	match, err := s.detector.Classify(ctx, rec.Posting)
	if err != nil {
		return eris.Wrap(err, "intake: classify posting")
	}

	if match != nil {
		return s.absorbDuplicate(ctx, rec, match)
	}

	if err := s.store.AddCandidate(ctx, rec.Posting, ""); err != nil {
		return err
	}
	return s.store.Enqueue(ctx, store.QueuePipeline, postingID)
}

// absorbDuplicate joins the posting and its matched candidate into one
// duplicate group. Group membership is monotonic; when the candidate is
// already grouped the new posting simply joins it.
func (s *Service) absorbDuplicate(ctx context.Context, rec *model.TrackingRecord, match *model.DuplicateMatch) error {
	groupID := match.GroupID
	if groupID == "" {
		groupID = uuid.New().String()
		if err := s.store.AssignGroup(ctx, match.CandidateID, groupID); err != nil {
			return eris.Wrapf(err, "intake: assign group to candidate %s", match.CandidateID)
		}
	}

	if err := s.store.AddCandidate(ctx, rec.Posting, groupID); err != nil {
		return err
	}

	rec.Status = model.StatusDuplicate
	rec.GroupID = groupID
	if err := s.store.SaveRecord(ctx, rec); err != nil {
		return err
	}

	zap.L().Info("intake: duplicate absorbed",
		zap.String("posting_id", rec.PostingID),
		zap.String("candidate_id", match.CandidateID),
		zap.String("group_id", groupID),
		zap.Float64("score", match.Score),
		zap.Bool("confirmed", match.Confirmed),
	)
	return nil
}
