// Package stage defines the pluggable stage processor contract and the
// ordered registry the orchestrator walks.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/applyflow/applyflow/internal/model"
)

// Processor is one unit of pipeline work. Implementations must be
// idempotent: a stage may run again after a crash that lost its checkpoint.
type Processor interface {
	// Name is the stage's unique registry key.
	Name() string

	// CompletionStatus is the record status to set when this stage approves
	// and it is not the final stage of the sequence.
	CompletionStatus() model.Status

	// Execute runs the stage. prior holds the outputs of previously
	// completed stages keyed by stage name.
	Execute(ctx context.Context, posting model.Posting, prior map[string]json.RawMessage) (*model.StageResult, error)
}

// Registry holds the configured stage sequence in execution order.
type Registry struct {
	ordered []Processor
	byName  map[string]Processor
}

// NewRegistry builds a registry from the configured stage names. Every name
// must resolve to one of the available processors.
func NewRegistry(names []string, available []Processor) (*Registry, error) {
	if len(names) == 0 {
		return nil, eris.New("stage: no stages configured")
	}

	byName := make(map[string]Processor, len(available))
	for _, p := range available {
		if _, dup := byName[p.Name()]; dup {
			return nil, eris.Errorf("stage: duplicate processor %q", p.Name())
		}
		byName[p.Name()] = p
	}

	reg := &Registry{byName: make(map[string]Processor, len(names))}
	for _, name := range names {
		p, ok := byName[name]
		if !ok {
			return nil, eris.Errorf("stage: unknown stage %q", name)
		}
		if _, dup := reg.byName[name]; dup {
			return nil, eris.Errorf("stage: stage %q listed twice", name)
		}
		reg.ordered = append(reg.ordered, p)
		reg.byName[name] = p
	}
	return reg, nil
}

// Stages returns the processors in execution order.
func (r *Registry) Stages() []Processor {
	return r.ordered
}

// Get returns the processor registered under name.
func (r *Registry) Get(name string) (Processor, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// IsLast reports whether name is the final stage of the sequence.
func (r *Registry) IsLast(name string) bool {
	return len(r.ordered) > 0 && r.ordered[len(r.ordered)-1].Name() == name
}

// ErrTimeout marks a stage execution that exceeded its deadline.
var ErrTimeout = eris.New("stage: execution timed out")

type execResult struct {
	result *model.StageResult
	err    error
}

// Run executes p with a hard timeout and panic isolation. A panicking stage
// surfaces as an error instead of taking down the worker.
func Run(ctx context.Context, p Processor, posting model.Posting, prior map[string]json.RawMessage, timeout time.Duration) (*model.StageResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- execResult{err: eris.Errorf("stage %s panicked: %v", p.Name(), rec)}
			}
		}()
		res, err := p.Execute(runCtx, posting, prior)
		done <- execResult{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.result == nil {
			return nil, eris.Errorf("stage %s returned no result", p.Name())
		}
		if err := validDecision(out.result.Decision); err != nil {
			return nil, eris.Wrapf(err, "stage %s", p.Name())
		}
		return out.result, nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "stage %s canceled", p.Name())
		}
		return nil, fmt.Errorf("stage %s after %s: %w", p.Name(), timeout, ErrTimeout)
	}
}

func validDecision(d model.Decision) error {
	switch d {
	case model.DecisionApprove, model.DecisionReject, model.DecisionPending:
		return nil
	}
	return eris.Errorf("invalid decision %q", d)
}
