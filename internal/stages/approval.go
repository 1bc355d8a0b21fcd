package stages

import (
	"context"
	"encoding/json"

	"github.com/applyflow/applyflow/internal/model"
)

// ApprovalStage is the final gate before submission. With auto-submit
// enabled it approves immediately; otherwise it pauses the record until an
// operator retries or resolves it.
type ApprovalStage struct {
	autoSubmit bool
}

// NewApprovalStage creates the approval stage.
func NewApprovalStage(autoSubmit bool) *ApprovalStage {
	return &ApprovalStage{autoSubmit: autoSubmit}
}

func (s *ApprovalStage) Name() string { return "approval" }

func (s *ApprovalStage) CompletionStatus() model.Status { return model.StatusReadyToSend }

func (s *ApprovalStage) Execute(_ context.Context, _ model.Posting, _ map[string]json.RawMessage) (*model.StageResult, error) {
	if s.autoSubmit {
		return &model.StageResult{
			Decision:  model.DecisionApprove,
			Reasoning: "auto-submit enabled",
		}, nil
	}
	return &model.StageResult{
		Decision:  model.DecisionPending,
		Reasoning: "awaiting operator approval",
	}, nil
}
