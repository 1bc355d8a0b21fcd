// Package worker runs the per-queue worker pools that drive intake
// classification, pipeline processing, and submission.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/applyflow/applyflow/internal/config"
	"github.com/applyflow/applyflow/internal/intake"
	"github.com/applyflow/applyflow/internal/model"
	"github.com/applyflow/applyflow/internal/pipeline"
	"github.com/applyflow/applyflow/internal/resilience"
	"github.com/applyflow/applyflow/internal/store"
)

// Pool coordinates the worker goroutines for all three queues plus the
// claim-expiry maintenance loop. Delivery is at-least-once; every handler
// is idempotent and pipeline work additionally runs under the posting's
// advisory lock.
type Pool struct {
	store  store.Store
	intake *intake.Service
	orch   *pipeline.Orchestrator
	cfg    config.WorkersConfig
	retry  resilience.RetryConfig
}

// NewPool creates a Pool.
func NewPool(st store.Store, in *intake.Service, orch *pipeline.Orchestrator, cfg config.WorkersConfig) *Pool {
	return &Pool{
		store:  st,
		intake: in,
		orch:   orch,
		cfg:    cfg,
		retry:  resilience.DefaultRetryConfig(),
	}
}

// Run starts all workers and blocks until ctx is canceled or a worker
// returns a non-recoverable error.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Intake; i++ {
		owner := workerOwner(store.QueueIntake, i)
		g.Go(func() error { return p.consume(ctx, store.QueueIntake, owner, p.handleIntake) })
	}
	for i := 0; i < p.cfg.Pipeline; i++ {
		owner := workerOwner(store.QueuePipeline, i)
		g.Go(func() error { return p.consume(ctx, store.QueuePipeline, owner, p.handlePipeline) })
	}
	for i := 0; i < p.cfg.Submission; i++ {
		owner := workerOwner(store.QueueSubmission, i)
		g.Go(func() error { return p.consume(ctx, store.QueueSubmission, owner, p.handleSubmission) })
	}
	g.Go(func() error { return p.maintain(ctx) })

	zap.L().Info("worker: pool started",
		zap.Int("intake", p.cfg.Intake),
		zap.Int("pipeline", p.cfg.Pipeline),
		zap.Int("submission", p.cfg.Submission),
	)

	err := g.Wait()
	if err != nil && !eris.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func workerOwner(q store.Queue, i int) string {
	return fmt.Sprintf("%s-%d-%s", q, i, uuid.New().String()[:8])
}

type handler func(ctx context.Context, owner string, msg *store.Message) error

// consume polls one queue and dispatches claimed messages to h. A handler
// error nacks the message for redelivery with backoff; dead-lettering kicks
// in once attempts are exhausted.
func (p *Pool) consume(ctx context.Context, q store.Queue, owner string, h handler) error {
	log := zap.L().With(zap.String("queue", string(q)), zap.String("worker", owner))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		msg, err := p.store.Dequeue(ctx, q, owner, p.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("worker: dequeue failed", zap.Error(err))
		}

		if msg != nil {
			p.dispatch(ctx, log, owner, msg, h)
			// Drain the queue before going back to sleep.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, log *zap.Logger, owner string, msg *store.Message, h handler) {
	if err := h(ctx, owner, msg); err != nil {
		delay := resilience.Backoff(msg.Attempts-1, p.retry)
		log.Warn("worker: message failed, nacking",
			zap.String("posting_id", msg.PostingID),
			zap.Int("attempts", msg.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if nackErr := p.store.Nack(ctx, msg.ID, delay, p.cfg.MaxAttempts); nackErr != nil {
			log.Error("worker: nack failed", zap.Int64("message_id", msg.ID), zap.Error(nackErr))
		}
		return
	}
	if err := p.store.Ack(ctx, msg.ID); err != nil {
		log.Error("worker: ack failed", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
}

func (p *Pool) handleIntake(ctx context.Context, _ string, msg *store.Message) error {
	return p.intake.Classify(ctx, msg.PostingID)
}

// errLockBusy signals redelivery without side effects when another worker
// holds the posting.
var errLockBusy = eris.New("worker: posting lock busy")

func (p *Pool) handlePipeline(ctx context.Context, owner string, msg *store.Message) error {
	locked, err := p.store.TryLockPosting(ctx, msg.PostingID, owner, p.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !locked {
		return errLockBusy
	}
	defer p.unlock(ctx, msg.PostingID, owner)

	rec, err := p.store.GetRecord(ctx, msg.PostingID)
	if err != nil {
		return err
	}

	outcome, err := p.orch.Process(ctx, rec)
	if err != nil {
		return err
	}
	if outcome.NeedsSubmission {
		return p.store.Enqueue(ctx, store.QueueSubmission, msg.PostingID)
	}
	return nil
}

// handleSubmission walks a finished record through sending to completed.
// Actual transport to an external application system is not wired here;
// the dispatch is logged with the generated documents' stage output intact.
func (p *Pool) handleSubmission(ctx context.Context, owner string, msg *store.Message) error {
	locked, err := p.store.TryLockPosting(ctx, msg.PostingID, owner, p.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !locked {
		return errLockBusy
	}
	defer p.unlock(ctx, msg.PostingID, owner)

	rec, err := p.store.GetRecord(ctx, msg.PostingID)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusReadyToSend && rec.Status != model.StatusSending {
		zap.L().Debug("worker: submission no-op",
			zap.String("posting_id", msg.PostingID),
			zap.String("status", string(rec.Status)),
		)
		return nil
	}

	if rec.Status == model.StatusReadyToSend {
		rec.Status = model.StatusSending
		if err := p.store.SaveRecord(ctx, rec); err != nil {
			return err
		}
	}

	zap.L().Info("worker: application dispatched",
		zap.String("posting_id", msg.PostingID),
		zap.String("company", rec.Posting.Company),
		zap.String("title", rec.Posting.Title),
	)

	rec.Status = model.StatusCompleted
	return p.store.SaveRecord(ctx, rec)
}

func (p *Pool) unlock(ctx context.Context, postingID, owner string) {
	if err := p.store.UnlockPosting(ctx, postingID, owner); err != nil {
		zap.L().Warn("worker: unlock failed", zap.String("posting_id", postingID), zap.Error(err))
	}
}

// maintain periodically returns expired claims to their queues.
func (p *Pool) maintain(ctx context.Context) error {
	interval := p.cfg.VisibilityTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.store.RequeueExpired(ctx)
			if err != nil {
				zap.L().Warn("worker: requeue expired failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("worker: requeued expired claims", zap.Int("count", n))
			}
		}
	}
}
