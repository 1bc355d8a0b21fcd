// Package pipeline drives tracking records through the configured stage
// sequence, checkpointing after every stage so a crashed run resumes where
// it stopped.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/applyflow/applyflow/internal/model"
	"github.com/applyflow/applyflow/internal/stage"
	"github.com/applyflow/applyflow/internal/store"
)

// Orchestrator advances one posting at a time through the stage registry.
// It is stateless between calls; all progress lives in the store.
type Orchestrator struct {
	store        store.Store
	registry     *stage.Registry
	stageTimeout time.Duration
	autoSubmit   bool
}

// New creates an Orchestrator.
func New(st store.Store, registry *stage.Registry, stageTimeout time.Duration, autoSubmit bool) *Orchestrator {
	return &Orchestrator{
		store:        st,
		registry:     registry,
		stageTimeout: stageTimeout,
		autoSubmit:   autoSubmit,
	}
}

// Outcome summarizes one Process invocation.
type Outcome struct {
	Status model.Status

	// NeedsSubmission is set when the record finished the stage sequence
	// and should be handed to the submission queue.
	NeedsSubmission bool
}

// Process resumes rec from the first stage not yet recorded complete and
// advances until a terminal status, a pause, or the end of the sequence.
//
// Stage failures never escape: they are absorbed into a pending record.
// Only store failures return an error, since without a durable checkpoint
// there is no safe state to record; the caller requeues the item unchanged.
func (o *Orchestrator) Process(ctx context.Context, rec *model.TrackingRecord) (*Outcome, error) {
	log := zap.L().With(zap.String("posting_id", rec.PostingID))

	if rec.Status.Terminal() {
		log.Debug("orchestrator: record already terminal", zap.String("status", string(rec.Status)))
		return &Outcome{Status: rec.Status}, nil
	}

	processors := o.registry.Stages()
	resume := len(processors)
	for i, p := range processors {
		if !rec.HasCompleted(p.Name()) {
			resume = i
			break
		}
	}
	if resume == len(processors) {
		// Every stage is recorded complete; nothing left to run.
		return &Outcome{
			Status:          rec.Status,
			NeedsSubmission: rec.Status == model.StatusReadyToSend,
		}, nil
	}
	if resume > 0 {
		log.Info("orchestrator: resuming",
			zap.String("stage", processors[resume].Name()),
			zap.Strings("completed", rec.CompletedStages),
		)
	}

	for _, p := range processors[resume:] {
		name := p.Name()
		if rec.HasCompleted(name) {
			continue
		}

		// Persist the stage we are about to run, so a crash mid-stage is
		// observable.
		rec.CurrentStage = name
		if err := o.store.SaveRecord(ctx, rec); err != nil {
			return nil, eris.Wrapf(err, "pipeline: checkpoint current stage %s", name)
		}

		start := time.Now()
		result, err := stage.Run(ctx, p, rec.Posting, rec.StageOutputs, o.stageTimeout)
		if err != nil {
			kind := model.ErrorKindStageError
			if errors.Is(err, stage.ErrTimeout) {
				kind = model.ErrorKindStageTimeout
			}
			log.Error("orchestrator: stage failed",
				zap.String("stage", name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return o.pause(ctx, rec, model.ErrorInfo{
				Stage:   name,
				Kind:    kind,
				Message: err.Error(),
				At:      time.Now().UTC(),
			})
		}

		log.Info("orchestrator: stage finished",
			zap.String("stage", name),
			zap.String("decision", string(result.Decision)),
			zap.Duration("duration", time.Since(start)),
		)

		switch result.Decision {
		case model.DecisionPending:
			// A deliberate pause. The stage is not recorded complete, so a
			// retry re-enters it.
			return o.pause(ctx, rec, model.ErrorInfo{
				Stage:   name,
				Kind:    model.ErrorKindAwaitInput,
				Message: result.Reasoning,
				At:      time.Now().UTC(),
			})

		case model.DecisionReject:
			if err := o.complete(ctx, rec, name, result, model.StatusRejected); err != nil {
				return nil, err
			}
			return &Outcome{Status: model.StatusRejected}, nil

		case model.DecisionApprove:
			status := p.CompletionStatus()
			if o.registry.IsLast(name) {
				status = model.StatusCompleted
				if o.autoSubmit {
					status = model.StatusReadyToSend
				}
			}
			if err := o.complete(ctx, rec, name, result, status); err != nil {
				return nil, err
			}
		}
	}

	return &Outcome{
		Status:          rec.Status,
		NeedsSubmission: rec.Status == model.StatusReadyToSend,
	}, nil
}

// complete checkpoints an approved or rejected stage and mirrors the write
// into the in-memory record.
func (o *Orchestrator) complete(ctx context.Context, rec *model.TrackingRecord, name string, result *model.StageResult, status model.Status) error {
	if err := o.store.AppendCompletedStage(ctx, rec.PostingID, name, result.Output, status); err != nil {
		return eris.Wrapf(err, "pipeline: checkpoint stage %s", name)
	}
	rec.CompletedStages = append(rec.CompletedStages, name)
	rec.SetOutput(name, result.Output)
	rec.Status = status
	rec.CurrentStage = name
	rec.ErrorInfo = nil
	return nil
}

// pause parks the record as pending with the given error info.
func (o *Orchestrator) pause(ctx context.Context, rec *model.TrackingRecord, info model.ErrorInfo) (*Outcome, error) {
	if err := o.store.RecordError(ctx, rec.PostingID, model.StatusPending, info); err != nil {
		return nil, eris.Wrapf(err, "pipeline: record error for stage %s", info.Stage)
	}
	rec.Status = model.StatusPending
	rec.ErrorInfo = &info
	return &Outcome{Status: model.StatusPending}, nil
}
