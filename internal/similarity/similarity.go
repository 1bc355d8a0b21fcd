// Package similarity scores pairs of postings for likeness. Scores are
// deterministic, symmetric, and side-effect-free; the duplicate detector
// builds its tiered policy on top of them.
package similarity

import (
	"math"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"

	"github.com/applyflow/applyflow/internal/config"
	"github.com/applyflow/applyflow/internal/model"
)

// Engine computes a weighted similarity score over posting fields.
type Engine struct {
	cfg config.SimilarityConfig
}

// NewEngine validates the weights and returns an Engine.
func NewEngine(cfg config.SimilarityConfig) (*Engine, error) {
	sum := cfg.TitleWeight + cfg.CompanyWeight + cfg.DescriptionWeight + cfg.LocationWeight
	if math.Abs(sum-1.0) > 1e-6 {
		return nil, eris.Errorf("similarity: weights sum to %.4f, want 1.0", sum)
	}
	if cfg.TitleWeight < 0 || cfg.CompanyWeight < 0 || cfg.DescriptionWeight < 0 || cfg.LocationWeight < 0 {
		return nil, eris.New("similarity: weights must be non-negative")
	}
	return &Engine{cfg: cfg}, nil
}

// Score returns a similarity in [0,1] for two postings. Score(a,b) always
// equals Score(b,a) for the same inputs.
func (e *Engine) Score(a, b model.Posting) float64 {
	score := e.cfg.TitleWeight*textScore(a.Title, b.Title) +
		e.cfg.CompanyWeight*orgScore(a.Company, b.Company) +
		e.cfg.DescriptionWeight*tokenOverlap(a.Description, b.Description) +
		e.cfg.LocationWeight*textScore(a.Location, b.Location)
	return clamp(score)
}

// textScore compares short fields: the better of token overlap and a
// normalized edit-distance ratio, so reorderings and small typos both
// register.
func textScore(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	return fieldScore(na, nb)
}

// orgScore compares organization names after legal-suffix stripping.
func orgScore(a, b string) float64 {
	return fieldScore(NormalizeOrg(a), NormalizeOrg(b))
}

func fieldScore(na, nb string) float64 {
	if na == "" && nb == "" {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0.0
	}
	if na == nb {
		return 1.0
	}
	jac := jaccard(tokensOf(na), tokensOf(nb))
	lev := levenshtein.Similarity(na, nb, nil)
	return math.Max(jac, lev)
}

// tokenOverlap compares long free-text fields by token-set Jaccard overlap.
// Edit distance on multi-kilobyte descriptions is not worth its cost.
func tokenOverlap(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" && nb == "" {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0.0
	}
	return jaccard(tokensOf(na), tokensOf(nb))
}

func tokensOf(normalized string) map[string]struct{} {
	set := make(map[string]struct{})
	for i, j := 0, 0; i < len(normalized); i = j + 1 {
		j = i
		for j < len(normalized) && normalized[j] != ' ' {
			j++
		}
		if j > i {
			set[normalized[i:j]] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
