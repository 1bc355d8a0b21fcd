package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/applyflow/applyflow/internal/model"
	"github.com/applyflow/applyflow/internal/store"
)

// ErrLocked is returned when a posting is being processed by someone else.
var ErrLocked = eris.New("pipeline: posting is locked")

// Actions exposes the operator-triggered interventions on pending records:
// retry, skip, and manual-complete. Every action takes the posting's
// advisory lock so it cannot race a worker.
type Actions struct {
	store   store.Store
	orch    *Orchestrator
	lockTTL time.Duration
}

// NewActions creates the action set.
func NewActions(st store.Store, orch *Orchestrator, lockTTL time.Duration) *Actions {
	return &Actions{store: st, orch: orch, lockTTL: lockTTL}
}

// Retry re-invokes the orchestrator on a pending record from its resume
// point.
func (a *Actions) Retry(ctx context.Context, postingID string) (*Outcome, error) {
	var outcome *Outcome
	err := a.withLock(ctx, postingID, func(rec *model.TrackingRecord) error {
		if rec.Status != model.StatusPending {
			return eris.Errorf("pipeline: cannot retry record in status %s", rec.Status)
		}
		var err error
		outcome, err = a.orch.Process(ctx, rec)
		return err
	})
	return outcome, err
}

// Skip abandons a non-terminal record by forcing it to rejected.
func (a *Actions) Skip(ctx context.Context, postingID string) error {
	return a.withLock(ctx, postingID, func(rec *model.TrackingRecord) error {
		if rec.Status.Terminal() {
			return eris.Errorf("pipeline: cannot skip record in status %s", rec.Status)
		}
		rec.Status = model.StatusRejected
		rec.ErrorInfo = nil
		if err := a.store.SaveRecord(ctx, rec); err != nil {
			return eris.Wrap(err, "pipeline: skip record")
		}
		zap.L().Info("pipeline: record skipped", zap.String("posting_id", postingID))
		return nil
	})
}

// manualOverride is recorded in stage_outputs when an operator forces
// completion, keeping error_info reserved for pending/failed records.
type manualOverride struct {
	Action string    `json:"action"`
	At     time.Time `json:"at"`
}

// ManualComplete forces a non-terminal record to completed, recording an
// override marker.
func (a *Actions) ManualComplete(ctx context.Context, postingID string) error {
	return a.withLock(ctx, postingID, func(rec *model.TrackingRecord) error {
		if rec.Status.Terminal() {
			return eris.Errorf("pipeline: cannot complete record in status %s", rec.Status)
		}
		marker, err := json.Marshal(manualOverride{Action: "manual_complete", At: time.Now().UTC()})
		if err != nil {
			return eris.Wrap(err, "pipeline: marshal override marker")
		}
		rec.SetOutput("manual_override", marker)
		rec.Status = model.StatusCompleted
		rec.ErrorInfo = nil
		if err := a.store.SaveRecord(ctx, rec); err != nil {
			return eris.Wrap(err, "pipeline: manual-complete record")
		}
		zap.L().Info("pipeline: record manually completed", zap.String("posting_id", postingID))
		return nil
	})
}

func (a *Actions) withLock(ctx context.Context, postingID string, fn func(rec *model.TrackingRecord) error) error {
	owner := "action-" + uuid.New().String()
	locked, err := a.store.TryLockPosting(ctx, postingID, owner, a.lockTTL)
	if err != nil {
		return eris.Wrap(err, "pipeline: acquire action lock")
	}
	if !locked {
		return ErrLocked
	}
	defer func() {
		if err := a.store.UnlockPosting(ctx, postingID, owner); err != nil {
			zap.L().Warn("pipeline: release action lock", zap.String("posting_id", postingID), zap.Error(err))
		}
	}()

	rec, err := a.store.GetRecord(ctx, postingID)
	if err != nil {
		return err
	}
	return fn(rec)
}
