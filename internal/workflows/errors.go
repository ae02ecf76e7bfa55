package workflows

import (
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// Application error types reported by activities.
const (
	ErrorTypeFatal   = "FatalStageError"
	ErrorTypeStage   = "StageError"
	ErrorTypeInvalid = "InvalidInput"
)

// ErrReviewTimeout ends a run nobody reviewed in time.
var ErrReviewTimeout = errors.New("review timed out")

// activityError converts a stage error into a Temporal application error.
// Fatal taxonomy errors are not retried.
func activityError(node pipeline.Node, err error) error {
	if err == nil {
		return nil
	}
	if pipeline.IsFatal(err) {
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrorTypeFatal, err, string(node))
	}
	return temporal.NewApplicationErrorWithCause(err.Error(), ErrorTypeStage, err, string(node))
}

// stageOf returns the node an activity failure was reported for.
func stageOf(err error) (pipeline.Node, bool) {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) || !appErr.HasDetails() {
		return "", false
	}
	var node string
	if appErr.Details(&node) != nil {
		return "", false
	}
	return pipeline.Node(node), true
}

func temporalInvalid(msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, ErrorTypeInvalid, nil)
}
