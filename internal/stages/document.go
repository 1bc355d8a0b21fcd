package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/applyflow/applyflow/internal/model"
	"github.com/applyflow/applyflow/internal/profile"
	"github.com/applyflow/applyflow/internal/resilience"
	"github.com/applyflow/applyflow/pkg/anthropic"
)

const coverLetterSystemPrompt = `You write concise, specific cover letters. You are given an applicant profile and a job posting. Write a cover letter of at most four short paragraphs that connects the applicant's experience to the posting's requirements. Plain text only, no placeholders, no salutation templates like [Hiring Manager].`

// DocumentStage drafts application documents for a posting with Claude.
// Without a configured client it falls back to a deterministic template, so
// the pipeline still runs end to end in offline setups.
type DocumentStage struct {
	client    anthropic.Client
	profile   *profile.Profile
	modelID   string
	maxTokens int64
	retry     resilience.RetryConfig
}

// NewDocumentStage creates the document stage. client may be nil.
func NewDocumentStage(client anthropic.Client, p *profile.Profile, modelID string, maxTokens int64) *DocumentStage {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("anthropic", "draft_cover_letter")
	return &DocumentStage{
		client:    client,
		profile:   p,
		modelID:   modelID,
		maxTokens: maxTokens,
		retry:     retry,
	}
}

func (s *DocumentStage) Name() string { return "document" }

func (s *DocumentStage) CompletionStatus() model.Status { return model.StatusDocumentsGenerated }

type documentOutput struct {
	CoverLetter  string `json:"cover_letter"`
	Generator    string `json:"generator"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
}

func (s *DocumentStage) Execute(ctx context.Context, posting model.Posting, prior map[string]json.RawMessage) (*model.StageResult, error) {
	var doc documentOutput
	if s.client == nil {
		doc = documentOutput{CoverLetter: s.templateLetter(posting), Generator: "template"}
	} else {
		letter, tokens, err := s.draftLetter(ctx, posting, prior)
		if err != nil {
			return nil, err
		}
		doc = documentOutput{CoverLetter: letter, Generator: s.modelID, OutputTokens: tokens}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "stages: marshal document output")
	}
	return &model.StageResult{
		Decision:  model.DecisionApprove,
		Output:    out,
		Reasoning: fmt.Sprintf("cover letter drafted via %s", doc.Generator),
	}, nil
}

func (s *DocumentStage) draftLetter(ctx context.Context, posting model.Posting, prior map[string]json.RawMessage) (string, int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Applicant: %s (%s)\n", s.profile.Name, s.profile.Title)
	if s.profile.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", s.profile.Summary)
	}
	for _, h := range s.profile.Highlight {
		fmt.Fprintf(&b, "- %s\n", h)
	}
	fmt.Fprintf(&b, "\nPosting: %s at %s (%s)\n%s\n", posting.Title, posting.Company, posting.Location, posting.Description)
	if matched, ok := prior["match"]; ok {
		fmt.Fprintf(&b, "\nMatch analysis: %s\n", string(matched))
	}

	resp, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return s.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     s.modelID,
			MaxTokens: s.maxTokens,
			System:    coverLetterSystemPrompt,
			Messages:  []anthropic.Message{{Role: "user", Content: b.String()}},
		})
	})
	if err != nil {
		return "", 0, eris.Wrap(err, "stages: draft cover letter")
	}

	letter := strings.TrimSpace(resp.Text)
	if letter == "" {
		return "", 0, eris.New("stages: empty cover letter response")
	}
	return letter, resp.OutputTokens, nil
}

func (s *DocumentStage) templateLetter(posting model.Posting) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s team,\n\n", posting.Company)
	fmt.Fprintf(&b, "I am writing to apply for the %s role. As a %s, my background aligns with what you are looking for.\n\n",
		posting.Title, s.profile.Title)
	if s.profile.Summary != "" {
		b.WriteString(s.profile.Summary)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Best regards,\n%s\n", s.profile.Name)
	return b.String()
}
