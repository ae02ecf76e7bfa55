package workflows

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/testgen/internal/workflows"

var (
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
	checkpointCounter    metric.Int64Counter
)

// initMetrics creates the activity instruments. Workflow code is replayed,
// so only activities record metrics.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	activityDuration, err = meter.Float64Histogram(
		"testgen.workflows.activity.duration",
		metric.WithDescription("Duration of stage activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"testgen.workflows.activity.errors",
		metric.WithDescription("Number of stage activity errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}

	checkpointCounter, err = meter.Int64Counter(
		"testgen.workflows.checkpoints",
		metric.WithDescription("Checkpoints written before review"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create checkpoint counter: %v", err))
	}
}

func init() {
	initMetrics()
}
