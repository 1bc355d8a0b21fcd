package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/applyflow/applyflow/internal/dedupe"
	"github.com/applyflow/applyflow/internal/intake"
	"github.com/applyflow/applyflow/internal/pipeline"
	"github.com/applyflow/applyflow/internal/profile"
	"github.com/applyflow/applyflow/internal/similarity"
	"github.com/applyflow/applyflow/internal/stage"
	"github.com/applyflow/applyflow/internal/stages"
	"github.com/applyflow/applyflow/internal/store"
	"github.com/applyflow/applyflow/internal/worker"
	anthropicpkg "github.com/applyflow/applyflow/pkg/anthropic"
)

// appEnv holds the initialized store and services shared by the commands.
type appEnv struct {
	Store        store.Store
	Intake       *intake.Service
	Orchestrator *pipeline.Orchestrator
	Actions      *pipeline.Actions
	Workers      *worker.Pool
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.Path)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for the postgres driver")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// initEnv sets up the store, the duplicate detector, the stage registry,
// and the services built on them. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	prof, err := profile.Load(cfg.Profile.Path)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	engine, err := similarity.NewEngine(cfg.Similarity)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var anthropicClient anthropicpkg.Client
	if cfg.Anthropic.Key != "" {
		anthropicClient = anthropicpkg.NewClient(cfg.Anthropic.Key)
	} else {
		zap.L().Warn("APPLYFLOW_ANTHROPIC_KEY not set, semantic comparison and document drafting run degraded")
	}

	var comparator dedupe.Comparator
	if anthropicClient != nil && !cfg.Dedupe.DisableSemantics {
		comparator = dedupe.NewSemanticComparator(anthropicClient, cfg.Anthropic.Model, cfg.Dedupe.Tier2RatePerMin)
	}

	source := intake.NewPoolSource(st, cfg.Dedupe.CandidateWindow)
	detector, err := dedupe.NewDetector(engine, comparator, source, cfg.Dedupe)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	registry, err := stage.NewRegistry(cfg.Pipeline.Stages, []stage.Processor{
		stages.NewMatchStage(prof, cfg.Pipeline.MinMatchScore),
		stages.NewValidateStage(),
		stages.NewDocumentStage(anthropicClient, prof, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens),
		stages.NewApprovalStage(cfg.Pipeline.AutoSubmit),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	orch := pipeline.New(st, registry, cfg.Pipeline.StageTimeout, cfg.Pipeline.AutoSubmit)
	intakeSvc := intake.NewService(st, detector)

	return &appEnv{
		Store:        st,
		Intake:       intakeSvc,
		Orchestrator: orch,
		Actions:      pipeline.NewActions(st, orch, cfg.Workers.LockTTL),
		Workers:      worker.NewPool(st, intakeSvc, orch, cfg.Workers),
	}, nil
}
