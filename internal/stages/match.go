// Package stages provides the built-in stage processors: match, validate,
// document, and approval.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/applyflow/applyflow/internal/model"
	"github.com/applyflow/applyflow/internal/profile"
	"github.com/applyflow/applyflow/internal/similarity"
)

// MatchStage scores a posting against the applicant profile and rejects
// postings below the configured minimum fit.
type MatchStage struct {
	profile  *profile.Profile
	minScore float64
}

// NewMatchStage creates the match stage.
func NewMatchStage(p *profile.Profile, minScore float64) *MatchStage {
	return &MatchStage{profile: p, minScore: minScore}
}

func (s *MatchStage) Name() string { return "match" }

func (s *MatchStage) CompletionStatus() model.Status { return model.StatusMatched }

type matchOutput struct {
	Score           float64  `json:"score"`
	MatchedKeywords []string `json:"matched_keywords"`
	TitleAffinity   float64  `json:"title_affinity"`
}

func (s *MatchStage) Execute(_ context.Context, posting model.Posting, _ map[string]json.RawMessage) (*model.StageResult, error) {
	if s.profile.Excluded(posting.Company) {
		return &model.StageResult{
			Decision:  model.DecisionReject,
			Reasoning: fmt.Sprintf("company %q is on the exclude list", posting.Company),
		}, nil
	}

	haystack := tokenSet(posting.Title + " " + posting.Description)
	var matched []string
	for _, kw := range s.profile.Keywords {
		if containsAll(haystack, tokenSet(kw)) {
			matched = append(matched, kw)
		}
	}
	coverage := float64(len(matched)) / float64(len(s.profile.Keywords))

	titleAffinity := overlap(tokenSet(s.profile.Title), tokenSet(posting.Title))

	score := 0.6*coverage + 0.4*titleAffinity

	out, err := json.Marshal(matchOutput{
		Score:           score,
		MatchedKeywords: matched,
		TitleAffinity:   titleAffinity,
	})
	if err != nil {
		return nil, eris.Wrap(err, "stages: marshal match output")
	}

	if score < s.minScore {
		return &model.StageResult{
			Decision:  model.DecisionReject,
			Output:    out,
			Reasoning: fmt.Sprintf("fit score %.2f below minimum %.2f", score, s.minScore),
		}, nil
	}
	return &model.StageResult{
		Decision:  model.DecisionApprove,
		Output:    out,
		Reasoning: fmt.Sprintf("fit score %.2f, %d/%d keywords matched", score, len(matched), len(s.profile.Keywords)),
	}, nil
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(similarity.Normalize(text)) {
		set[tok] = struct{}{}
	}
	return set
}

// containsAll reports whether every token of needle appears in haystack, so
// multi-word keywords match as a whole.
func containsAll(haystack, needle map[string]struct{}) bool {
	if len(needle) == 0 {
		return false
	}
	for tok := range needle {
		if _, ok := haystack[tok]; !ok {
			return false
		}
	}
	return true
}

func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
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
