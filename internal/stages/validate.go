package stages

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/applyflow/applyflow/internal/model"
)

// minDescriptionLen is the shortest description worth applying to. Shorter
// postings are almost always placeholders or scraping artifacts.
const minDescriptionLen = 80

// ValidateStage rejects postings with missing or malformed fields before
// any expensive stage runs.
type ValidateStage struct{}

// NewValidateStage creates the validate stage.
func NewValidateStage() *ValidateStage { return &ValidateStage{} }

func (s *ValidateStage) Name() string { return "validate" }

func (s *ValidateStage) CompletionStatus() model.Status { return model.StatusMatched }

type validateOutput struct {
	Problems []string `json:"problems,omitempty"`
}

func (s *ValidateStage) Execute(_ context.Context, posting model.Posting, _ map[string]json.RawMessage) (*model.StageResult, error) {
	var problems []string

	if strings.TrimSpace(posting.Title) == "" {
		problems = append(problems, "title is empty")
	}
	if strings.TrimSpace(posting.Company) == "" {
		problems = append(problems, "company is empty")
	}
	if len(strings.TrimSpace(posting.Description)) < minDescriptionLen {
		problems = append(problems, "description is missing or too short")
	}
	if posting.URL != "" {
		u, err := url.Parse(posting.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			problems = append(problems, "url is not a valid http(s) link")
		}
	}

	out, err := json.Marshal(validateOutput{Problems: problems})
	if err != nil {
		return nil, eris.Wrap(err, "stages: marshal validate output")
	}

	if len(problems) > 0 {
		return &model.StageResult{
			Decision:  model.DecisionReject,
			Output:    out,
			Reasoning: "posting failed validation: " + strings.Join(problems, "; "),
		}, nil
	}
	return &model.StageResult{
		Decision:  model.DecisionApprove,
		Output:    out,
		Reasoning: "all field checks passed",
	}, nil
}
