package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyflow/applyflow/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func testPosting(id string) model.Posting {
	return model.Posting{
		ID:           id,
		Source:       model.SourceBoard,
		Title:        "Go Engineer",
		Company:      "Acme",
		Description:  "Build and run Go services.",
		Location:     "Berlin",
		URL:          "https://jobs.acme.test/" + id,
		DiscoveredAt: time.Now().UTC(),
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetRecord", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := testPosting("p-1")
		rec, err := s.CreateRecord(ctx, p, model.StatusDiscovered, "")
		require.NoError(t, err)
		assert.Equal(t, "p-1", rec.PostingID)
		assert.Equal(t, model.StatusDiscovered, rec.Status)
		assert.Empty(t, rec.CompletedStages)

		got, err := s.GetRecord(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, "p-1", got.PostingID)
		assert.Equal(t, model.StatusDiscovered, got.Status)
		assert.Equal(t, "Acme", got.Posting.Company)
		assert.Empty(t, got.GroupID)
		assert.Nil(t, got.ErrorInfo)
		assert.Empty(t, got.CompletedStages)
	})

	t.Run("GetRecordNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetRecord(context.Background(), "missing")
		require.Error(t, err)
	})

	t.Run("SaveRecordRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec, err := s.CreateRecord(ctx, testPosting("p-1"), model.StatusDiscovered, "")
		require.NoError(t, err)

		rec.Status = model.StatusPending
		rec.CurrentStage = "validate"
		rec.CompletedStages = []string{"match"}
		rec.SetOutput("match", json.RawMessage(`{"score":0.8}`))
		rec.ErrorInfo = &model.ErrorInfo{
			Stage:   "validate",
			Kind:    model.ErrorKindStageError,
			Message: "boom",
			At:      time.Now().UTC(),
		}
		require.NoError(t, s.SaveRecord(ctx, rec))

		got, err := s.GetRecord(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Equal(t, "validate", got.CurrentStage)
		assert.Equal(t, []string{"match"}, got.CompletedStages)
		assert.JSONEq(t, `{"score":0.8}`, string(got.StageOutputs["match"]))
		require.NotNil(t, got.ErrorInfo)
		assert.Equal(t, "validate", got.ErrorInfo.Stage)
		assert.Equal(t, model.ErrorKindStageError, got.ErrorInfo.Kind)
	})

	t.Run("SaveRecordNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.SaveRecord(context.Background(), &model.TrackingRecord{PostingID: "missing"})
		require.Error(t, err)
	})

	t.Run("AppendCompletedStageOrderAndOutputs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateRecord(ctx, testPosting("p-1"), model.StatusDiscovered, "")
		require.NoError(t, err)

		require.NoError(t, s.AppendCompletedStage(ctx, "p-1", "match", json.RawMessage(`{"score":0.9}`), model.StatusMatched))
		require.NoError(t, s.AppendCompletedStage(ctx, "p-1", "validate", nil, model.StatusMatched))

		got, err := s.GetRecord(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"match", "validate"}, got.CompletedStages)
		assert.Equal(t, model.StatusMatched, got.Status)
		assert.Equal(t, "validate", got.CurrentStage)
		assert.JSONEq(t, `{"score":0.9}`, string(got.StageOutputs["match"]))
		_, hasValidate := got.StageOutputs["validate"]
		assert.False(t, hasValidate)
	})

	t.Run("AppendCompletedStageIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateRecord(ctx, testPosting("p-1"), model.StatusDiscovered, "")
		require.NoError(t, err)

		require.NoError(t, s.AppendCompletedStage(ctx, "p-1", "match", json.RawMessage(`{"v":1}`), model.StatusMatched))
		require.NoError(t, s.AppendCompletedStage(ctx, "p-1", "match", json.RawMessage(`{"v":2}`), model.StatusMatched))

		got, err := s.GetRecord(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"match"}, got.CompletedStages)
		assert.JSONEq(t, `{"v":2}`, string(got.StageOutputs["match"]))
	})

	t.Run("AppendCompletedStageClearsError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateRecord(ctx, testPosting("p-1"), model.StatusDiscovered, "")
		require.NoError(t, err)
		require.NoError(t, s.RecordError(ctx, "p-1", model.StatusPending, model.ErrorInfo{
			Stage: "match", Kind: model.ErrorKindStageError, Message: "boom", At: time.Now().UTC(),
		}))

		require.NoError(t, s.AppendCompletedStage(ctx, "p-1", "match", nil, model.StatusMatched))

		got, err := s.GetRecord(ctx, "p-1")
		require.NoError(t, err)
		assert.Nil(t, got.ErrorInfo)
		assert.Equal(t, model.StatusMatched, got.Status)
	})

	t.Run("AppendCompletedStageNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.AppendCompletedStage(context.Background(), "missing", "match", nil, model.StatusMatched)
		require.Error(t, err)
	})

	t.Run("RecordError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateRecord(ctx, testPosting("p-1"), model.StatusDiscovered, "")
		require.NoError(t, err)

		info := model.ErrorInfo{Stage: "document", Kind: model.ErrorKindStageTimeout, Message: "deadline", At: time.Now().UTC()}
		require.NoError(t, s.RecordError(ctx, "p-1", model.StatusPending, info))

		got, err := s.GetRecord(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
		require.NotNil(t, got.ErrorInfo)
		assert.Equal(t, "document", got.ErrorInfo.Stage)
		assert.Equal(t, model.ErrorKindStageTimeout, got.ErrorInfo.Kind)
	})

	t.Run("ListRecordsFilterAndCount", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, status := range []model.Status{model.StatusDiscovered, model.StatusPending, model.StatusPending} {
			_, err := s.CreateRecord(ctx, testPosting("p-"+string(rune('a'+i))), status, "")
			require.NoError(t, err)
		}

		pending, err := s.ListRecords(ctx, RecordFilter{Status: model.StatusPending})
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		all, err := s.ListRecords(ctx, RecordFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		limited, err := s.ListRecords(ctx, RecordFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		counts, err := s.CountRecordsByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.StatusDiscovered])
		assert.Equal(t, 2, counts[model.StatusPending])
	})

	t.Run("CandidatePoolWindowAndOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		old := testPosting("old")
		old.DiscoveredAt = time.Now().UTC().Add(-48 * time.Hour)
		recent := testPosting("recent")
		recent.DiscoveredAt = time.Now().UTC().Add(-1 * time.Hour)
		newest := testPosting("newest")
		newest.DiscoveredAt = time.Now().UTC()

		require.NoError(t, s.AddCandidate(ctx, old, ""))
		require.NoError(t, s.AddCandidate(ctx, recent, "grp-1"))
		require.NoError(t, s.AddCandidate(ctx, newest, ""))

		got, err := s.RecentCandidates(ctx, 24*time.Hour, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "newest", got[0].Posting.ID)
		assert.Equal(t, "recent", got[1].Posting.ID)
		assert.Equal(t, "grp-1", got[1].GroupID)

		capped, err := s.RecentCandidates(ctx, 72*time.Hour, 2)
		require.NoError(t, err)
		assert.Len(t, capped, 2)
	})

	t.Run("AssignGroupMonotonic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := testPosting("p-1")
		_, err := s.CreateRecord(ctx, p, model.StatusDiscovered, "")
		require.NoError(t, err)
		require.NoError(t, s.AddCandidate(ctx, p, ""))

		require.NoError(t, s.AssignGroup(ctx, "p-1", "grp-1"))
		// A second assignment must not displace the existing membership.
		require.NoError(t, s.AssignGroup(ctx, "p-1", "grp-2"))

		got, err := s.GetRecord(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, "grp-1", got.GroupID)

		candidates, err := s.RecentCandidates(ctx, 24*time.Hour, 10)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, "grp-1", candidates[0].GroupID)
	})

	t.Run("AssignGroupRequiresID", func(t *testing.T) {
		s := newStore(t)
		require.Error(t, s.AssignGroup(context.Background(), "p-1", ""))
	})

	t.Run("LockExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		locked, err := s.TryLockPosting(ctx, "p-1", "worker-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, locked)

		locked, err = s.TryLockPosting(ctx, "p-1", "worker-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, locked)

		require.NoError(t, s.UnlockPosting(ctx, "p-1", "worker-a"))

		locked, err = s.TryLockPosting(ctx, "p-1", "worker-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, locked)
	})

	t.Run("LockExpiryReclaimable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		locked, err := s.TryLockPosting(ctx, "p-1", "worker-a", -time.Second)
		require.NoError(t, err)
		assert.True(t, locked)

		// The TTL already elapsed, so another owner can take over.
		locked, err = s.TryLockPosting(ctx, "p-1", "worker-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, locked)
	})

	t.Run("UnlockWrongOwnerKeepsLock", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		locked, err := s.TryLockPosting(ctx, "p-1", "worker-a", time.Minute)
		require.NoError(t, err)
		require.True(t, locked)

		require.NoError(t, s.UnlockPosting(ctx, "p-1", "worker-b"))

		locked, err = s.TryLockPosting(ctx, "p-1", "worker-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, locked)
	})

	t.Run("QueueClaimExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Enqueue(ctx, QueuePipeline, "p-1"))

		msg, err := s.Dequeue(ctx, QueuePipeline, "worker-a", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "p-1", msg.PostingID)
		assert.Equal(t, 1, msg.Attempts)

		// Claimed message is invisible to other consumers.
		again, err := s.Dequeue(ctx, QueuePipeline, "worker-b", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again)
	})

	t.Run("QueueFreshMessageImmediatelyVisible", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		// A message must be claimable within the same second it was
		// enqueued, regardless of how the backend encodes timestamps.
		require.NoError(t, s.Enqueue(ctx, QueuePipeline, "p-1"))
		msg, err := s.Dequeue(ctx, QueuePipeline, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg, "freshly enqueued message should dequeue immediately")

		// Same for a zero-delay nack.
		require.NoError(t, s.Nack(ctx, msg.ID, 0, 5))
		msg, err = s.Dequeue(ctx, QueuePipeline, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg)

		// A future-dated nack keeps the message hidden.
		require.NoError(t, s.Nack(ctx, msg.ID, time.Hour, 5))
		hidden, err := s.Dequeue(ctx, QueuePipeline, "w", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, hidden)
	})

	t.Run("QueueFIFOAndIsolation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Enqueue(ctx, QueuePipeline, "p-1"))
		require.NoError(t, s.Enqueue(ctx, QueuePipeline, "p-2"))
		require.NoError(t, s.Enqueue(ctx, QueueIntake, "p-3"))

		first, err := s.Dequeue(ctx, QueuePipeline, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "p-1", first.PostingID)

		second, err := s.Dequeue(ctx, QueuePipeline, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, "p-2", second.PostingID)

		intakeMsg, err := s.Dequeue(ctx, QueueIntake, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, intakeMsg)
		assert.Equal(t, "p-3", intakeMsg.PostingID)
	})

	t.Run("AckRemovesFromQueue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Enqueue(ctx, QueuePipeline, "p-1"))
		msg, err := s.Dequeue(ctx, QueuePipeline, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg)

		require.NoError(t, s.Ack(ctx, msg.ID))

		again, err := s.Dequeue(ctx, QueuePipeline, "w", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, again)
	})

	t.Run("NackRedelivers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Enqueue(ctx, QueuePipeline, "p-1"))
		msg, err := s.Dequeue(ctx, QueuePipeline, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg)

		require.NoError(t, s.Nack(ctx, msg.ID, 0, 5))

		again, err := s.Dequeue(ctx, QueuePipeline, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, msg.ID, again.ID)
		assert.Equal(t, 2, again.Attempts)
	})

	t.Run("NackDeadLettersAtMaxAttempts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Enqueue(ctx, QueuePipeline, "p-1"))

		for i := 0; i < 2; i++ {
			msg, err := s.Dequeue(ctx, QueuePipeline, "w", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, msg)
			require.NoError(t, s.Nack(ctx, msg.ID, 0, 2))
		}

		// Second nack hit max attempts; the message is dead.
		msg, err := s.Dequeue(ctx, QueuePipeline, "w", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("RequeueExpiredClaims", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Enqueue(ctx, QueuePipeline, "p-1"))
		msg, err := s.Dequeue(ctx, QueuePipeline, "w", -time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)

		n, err := s.RequeueExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		again, err := s.Dequeue(ctx, QueuePipeline, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, "p-1", again.PostingID)
	})

	t.Run("QueueDepths", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Enqueue(ctx, QueueIntake, "p-1"))
		require.NoError(t, s.Enqueue(ctx, QueuePipeline, "p-2"))
		require.NoError(t, s.Enqueue(ctx, QueuePipeline, "p-3"))

		depths, err := s.QueueDepths(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, depths[QueueIntake])
		assert.Equal(t, 2, depths[QueuePipeline])
	})
}
