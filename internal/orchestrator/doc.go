// Package orchestrator runs the generation graph for one run at a time.
//
// # Overview
//
// The graph is an explicit transition table rather than a chain of calls:
//
//	document_parser → requirement_parser → function_point_generator → user_review
//	user_review ─approved→ testcase_generator → script_generator → mindmap_generator → done
//	user_review ─otherwise→ function_point_generator
//
// Each step executes the current node's stage on a copy of the state, merges
// the returned StageResult, computes the next node and records it in
// CurrentStage. The review loop is therefore iterative and bounded only by
// feedback and MaxSteps.
//
// # Checkpoints
//
// Immediately before user_review is entered the state is saved to the
// checkpoint store. With InterruptBeforeReview the run then stops with
// Outcome.Paused set; Resume reloads the checkpoint, injects the reviewer's
// feedback and continues at user_review.
//
// # Errors
//
// A stage error ends the run as a *pipeline.OrchestratorError naming the
// stage. Fatal taxonomy errors such as *pipeline.IndexDimensionMismatch stay
// reachable through errors.As.
package orchestrator
