package dedupe

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyflow/applyflow/internal/config"
	"github.com/applyflow/applyflow/internal/model"
	"github.com/applyflow/applyflow/internal/similarity"
)

type fakeSource struct {
	candidates []model.Candidate
	err        error
}

func (f *fakeSource) RecentCandidates(_ context.Context, _ int) ([]model.Candidate, error) {
	return f.candidates, f.err
}

type fakeComparator struct {
	confidence float64
	err        error
	calls      int
}

func (f *fakeComparator) Compare(_ context.Context, _, _ model.Posting) (float64, error) {
	f.calls++
	return f.confidence, f.err
}

func dedupeConfig() config.DedupeConfig {
	return config.DedupeConfig{
		HighThreshold: 0.90,
		MidThreshold:  0.75,
		MaxCandidates: 100,
	}
}

func newTestDetector(t *testing.T, comparator Comparator, source CandidateSource) *Detector {
	t.Helper()
	engine, err := similarity.NewEngine(config.SimilarityConfig{
		TitleWeight:       0.35,
		CompanyWeight:     0.25,
		DescriptionWeight: 0.25,
		LocationWeight:    0.15,
	})
	require.NoError(t, err)

	d, err := NewDetector(engine, comparator, source, dedupeConfig())
	require.NoError(t, err)
	return d
}

func posting(id, title, company, desc, loc string) model.Posting {
	return model.Posting{ID: id, Title: title, Company: company, Description: desc, Location: loc}
}

func TestClassifyTier1Match(t *testing.T) {
	p := posting("new", "Senior Go Engineer", "Acme Inc", "build go services on kubernetes", "Berlin")
	twin := posting("old", "Senior Go Engineer", "Acme Inc", "build go services on kubernetes", "Berlin")

	cmp := &fakeComparator{}
	d := newTestDetector(t, cmp, &fakeSource{candidates: []model.Candidate{
		{Posting: twin, GroupID: "grp-1"},
	}})

	match, err := d.Classify(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "old", match.CandidateID)
	assert.Equal(t, "grp-1", match.GroupID)
	assert.GreaterOrEqual(t, match.Score, 0.90)
	assert.False(t, match.Confirmed)
	assert.Zero(t, cmp.calls, "identical pair must not invoke tier-2")
}

func TestClassifyFirstMatchWins(t *testing.T) {
	p := posting("new", "Go Engineer", "Acme", "go services", "Berlin")
	twin := posting("first", "Go Engineer", "Acme", "go services", "Berlin")
	other := posting("second", "Go Engineer", "Acme", "go services", "Berlin")

	d := newTestDetector(t, nil, &fakeSource{candidates: []model.Candidate{
		{Posting: twin, GroupID: "grp-a"},
		{Posting: other, GroupID: "grp-b"},
	}})

	match, err := d.Classify(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "first", match.CandidateID)
}

func TestClassifySkipsSelf(t *testing.T) {
	p := posting("same", "Go Engineer", "Acme", "go services", "Berlin")

	d := newTestDetector(t, nil, &fakeSource{candidates: []model.Candidate{
		{Posting: p},
	}})

	match, err := d.Classify(context.Background(), p)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestClassifyNoMatchBelowMid(t *testing.T) {
	p := posting("new", "Go Engineer", "Acme", "backend go services", "Berlin")
	unrelated := posting("old", "Pastry Chef", "Sweet Things", "croissants", "Lyon")

	cmp := &fakeComparator{confidence: 0.99}
	d := newTestDetector(t, cmp, &fakeSource{candidates: []model.Candidate{
		{Posting: unrelated},
	}})

	match, err := d.Classify(context.Background(), p)
	require.NoError(t, err)
	assert.Nil(t, match)
	assert.Zero(t, cmp.calls, "sub-mid scores must never invoke tier-2")
}

// stubScorer returns a fixed tier-1 score for every pair, so threshold
// boundaries can be pinned exactly.
type stubScorer struct {
	score float64
}

func (s stubScorer) Score(_, _ model.Posting) float64 { return s.score }

func TestClassifyThresholdBoundaries(t *testing.T) {
	cfg := dedupeConfig()
	p := posting("new", "Go Engineer", "Acme", "go services", "Berlin")
	candidate := model.Candidate{
		Posting: posting("old", "Go Engineer", "Acme", "go services", "Berlin"),
		GroupID: "grp-1",
	}

	t.Run("ExactHighThresholdIsTier1", func(t *testing.T) {
		cmp := &fakeComparator{confidence: 0.99}
		d, err := NewDetector(stubScorer{score: cfg.HighThreshold}, cmp, &fakeSource{candidates: []model.Candidate{candidate}}, cfg)
		require.NoError(t, err)

		match, err := d.Classify(context.Background(), p)
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, cfg.HighThreshold, match.Score)
		assert.False(t, match.Confirmed)
		assert.Zero(t, cmp.calls, "a score at the high threshold is tier-1, never tier-2")
	})

	t.Run("ExactMidThresholdInvokesTier2", func(t *testing.T) {
		cmp := &fakeComparator{confidence: 0.95}
		d, err := NewDetector(stubScorer{score: cfg.MidThreshold}, cmp, &fakeSource{candidates: []model.Candidate{candidate}}, cfg)
		require.NoError(t, err)

		match, err := d.Classify(context.Background(), p)
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.True(t, match.Confirmed)
		assert.Equal(t, 1, cmp.calls)
	})

	t.Run("JustBelowMidThresholdNeverInvokesTier2", func(t *testing.T) {
		cmp := &fakeComparator{confidence: 0.99}
		d, err := NewDetector(stubScorer{score: cfg.MidThreshold - 1e-9}, cmp, &fakeSource{candidates: []model.Candidate{candidate}}, cfg)
		require.NoError(t, err)

		match, err := d.Classify(context.Background(), p)
		require.NoError(t, err)
		assert.Nil(t, match)
		assert.Zero(t, cmp.calls)
	})
}

// midBandPair returns two postings whose tier-1 score lands in [0.75, 0.90).
func midBandPair(t *testing.T) (model.Posting, model.Posting) {
	t.Helper()
	a := posting("new", "Senior Go Engineer", "Acme", "build distributed go services on kubernetes and aws", "Berlin")
	b := posting("old", "Senior Go Engineer", "Acme", "build distributed services on kubernetes clusters daily", "Berlin")

	engine, err := similarity.NewEngine(config.SimilarityConfig{
		TitleWeight:       0.35,
		CompanyWeight:     0.25,
		DescriptionWeight: 0.25,
		LocationWeight:    0.15,
	})
	require.NoError(t, err)
	score := engine.Score(a, b)
	require.GreaterOrEqual(t, score, 0.75, "pair must land in the mid band")
	require.Less(t, score, 0.90, "pair must land in the mid band")
	return a, b
}

func TestClassifyMidBandConfirmed(t *testing.T) {
	a, b := midBandPair(t)

	cmp := &fakeComparator{confidence: 0.95}
	d := newTestDetector(t, cmp, &fakeSource{candidates: []model.Candidate{
		{Posting: b, GroupID: "grp-1"},
	}})

	match, err := d.Classify(context.Background(), a)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.True(t, match.Confirmed)
	assert.Equal(t, 1, cmp.calls)
}

func TestClassifyMidBandDenied(t *testing.T) {
	a, b := midBandPair(t)

	cmp := &fakeComparator{confidence: 0.60}
	d := newTestDetector(t, cmp, &fakeSource{candidates: []model.Candidate{
		{Posting: b, GroupID: "grp-1"},
	}})

	match, err := d.Classify(context.Background(), a)
	require.NoError(t, err)
	assert.Nil(t, match)
	assert.Equal(t, 1, cmp.calls)
}

func TestClassifyMidBandNilComparator(t *testing.T) {
	a, b := midBandPair(t)

	d := newTestDetector(t, nil, &fakeSource{candidates: []model.Candidate{
		{Posting: b},
	}})

	match, err := d.Classify(context.Background(), a)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestClassifyComparatorFailureFailsOpen(t *testing.T) {
	a, b := midBandPair(t)

	cmp := &fakeComparator{err: eris.New("api unavailable")}
	d := newTestDetector(t, cmp, &fakeSource{candidates: []model.Candidate{
		{Posting: b, GroupID: "grp-1"},
	}})

	match, err := d.Classify(context.Background(), a)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestClassifyPoolFailureFailsOpen(t *testing.T) {
	p := posting("new", "Go Engineer", "Acme", "go services", "Berlin")

	d := newTestDetector(t, nil, &fakeSource{err: eris.New("db down")})

	match, err := d.Classify(context.Background(), p)
	require.NoError(t, err)
	assert.Nil(t, match)
}
