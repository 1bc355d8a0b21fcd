package dedupe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/applyflow/applyflow/internal/model"
	"github.com/applyflow/applyflow/internal/resilience"
	"github.com/applyflow/applyflow/pkg/anthropic"
)

const semanticSystemPrompt = `You compare two job postings and judge whether they describe the same underlying job opening (same role at the same organization, possibly reposted or cross-posted with edits).

Respond with a single JSON object and nothing else:
{"likeness": <0-100>, "reason": "<one sentence>"}

100 means certainly the same opening, 0 means certainly different.`

// SemanticComparator confirms ambiguous duplicate pairs with a Claude call.
// Calls are rate limited so a burst of discoveries cannot saturate the API.
type SemanticComparator struct {
	client  anthropic.Client
	model   string
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewSemanticComparator creates a comparator. ratePerMin bounds outbound
// calls; values <= 0 disable limiting.
func NewSemanticComparator(client anthropic.Client, modelID string, ratePerMin int) *SemanticComparator {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if ratePerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), 1)
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("anthropic", "compare_postings")
	return &SemanticComparator{
		client:  client,
		model:   modelID,
		limiter: limiter,
		retry:   retry,
	}
}

// Compare returns a likeness confidence in [0,1] for the pair.
func (s *SemanticComparator) Compare(ctx context.Context, a, b model.Posting) (float64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, eris.Wrap(err, "dedupe: comparator rate limit")
	}

	prompt := fmt.Sprintf("Posting A:\n%s\n\nPosting B:\n%s", renderPosting(a), renderPosting(b))

	resp, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return s.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     s.model,
			MaxTokens: 256,
			System:    semanticSystemPrompt,
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		return 0, eris.Wrap(err, "dedupe: comparator call")
	}

	var verdict struct {
		Likeness float64 `json:"likeness"`
		Reason   string  `json:"reason"`
	}
	raw := extractJSON(resp.Text)
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return 0, eris.Wrapf(err, "dedupe: parse comparator verdict %q", resp.Text)
	}
	if verdict.Likeness < 0 || verdict.Likeness > 100 {
		return 0, eris.Errorf("dedupe: comparator likeness %.1f out of range", verdict.Likeness)
	}
	return verdict.Likeness / 100.0, nil
}

func renderPosting(p model.Posting) string {
	desc := p.Description
	if len(desc) > 2000 {
		desc = desc[:2000]
	}
	return fmt.Sprintf("Title: %s\nOrganization: %s\nLocation: %s\nDescription: %s",
		p.Title, p.Company, p.Location, desc)
}

// extractJSON pulls the first JSON object out of a model response that may
// be wrapped in prose or a code fence.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
