package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyflow/applyflow/internal/model"
)

func newTestActions(t *testing.T) (*Actions, func(id string) *model.TrackingRecord) {
	t.Helper()
	st := newTestStore(t)
	match := approvingStage("match", model.StatusMatched)
	orch := newOrchestrator(t, st, false, match)
	actions := NewActions(st, orch, time.Minute)

	load := func(id string) *model.TrackingRecord {
		rec, err := st.GetRecord(context.Background(), id)
		require.NoError(t, err)
		return rec
	}
	_ = createRecord(t, st, "p-1")
	return actions, load
}

func markPending(t *testing.T, a *Actions, id string) {
	t.Helper()
	require.NoError(t, a.store.RecordError(context.Background(), id, model.StatusPending, model.ErrorInfo{
		Stage: "match", Kind: model.ErrorKindStageError, Message: "boom", At: time.Now().UTC(),
	}))
}

func TestRetryPendingRecord(t *testing.T) {
	actions, load := newTestActions(t)
	markPending(t, actions, "p-1")

	outcome, err := actions.Retry(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, outcome.Status)

	got := load("p-1")
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Nil(t, got.ErrorInfo)
}

func TestRetryRequiresPending(t *testing.T) {
	actions, _ := newTestActions(t)

	_, err := actions.Retry(context.Background(), "p-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot retry")
}

func TestSkipForcesRejected(t *testing.T) {
	actions, load := newTestActions(t)
	markPending(t, actions, "p-1")

	require.NoError(t, actions.Skip(context.Background(), "p-1"))

	got := load("p-1")
	assert.Equal(t, model.StatusRejected, got.Status)
	assert.Nil(t, got.ErrorInfo)
}

func TestSkipRejectsTerminal(t *testing.T) {
	actions, load := newTestActions(t)
	markPending(t, actions, "p-1")
	require.NoError(t, actions.Skip(context.Background(), "p-1"))
	require.Equal(t, model.StatusRejected, load("p-1").Status)

	err := actions.Skip(context.Background(), "p-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot skip")
}

func TestManualCompleteRecordsOverride(t *testing.T) {
	actions, load := newTestActions(t)
	markPending(t, actions, "p-1")

	require.NoError(t, actions.ManualComplete(context.Background(), "p-1"))

	got := load("p-1")
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Nil(t, got.ErrorInfo)
	require.Contains(t, got.StageOutputs, "manual_override")
	assert.Contains(t, string(got.StageOutputs["manual_override"]), "manual_complete")
}

func TestActionsRespectLock(t *testing.T) {
	actions, _ := newTestActions(t)
	markPending(t, actions, "p-1")

	locked, err := actions.store.TryLockPosting(context.Background(), "p-1", "worker-x", time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	_, err = actions.Retry(context.Background(), "p-1")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrLocked))

	err = actions.Skip(context.Background(), "p-1")
	assert.True(t, eris.Is(err, ErrLocked))
}

func TestActionsUnknownRecord(t *testing.T) {
	actions, _ := newTestActions(t)

	_, err := actions.Retry(context.Background(), "missing")
	require.Error(t, err)
}
