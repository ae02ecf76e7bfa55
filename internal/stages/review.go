package stages

import (
	"context"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// UserReview is the human checkpoint. It does no work: routing on
// UserFeedback happens in the orchestrator's transition table.
//
// Reads UserFeedback. Writes CurrentStage.
type UserReview struct{}

// Node implements pipeline.Stage.
func (UserReview) Node() pipeline.Node { return pipeline.NodeUserReview }

// Execute implements pipeline.Stage.
func (UserReview) Execute(context.Context, *pipeline.State) (pipeline.StageResult, error) {
	return pipeline.StageResult{
		Update: pipeline.Update{CurrentStage: pipeline.Set(pipeline.NodeUserReview)},
	}, nil
}
