package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/workflows"
)

var (
	wfProject       string
	wfDocuments     []string
	wfNoScripts     bool
	wfLanguage      string
	wfReview        bool
	wfReviewTimeout time.Duration
	wfWait          bool
)

// workflowCmd drives durable runs on the Temporal cluster
var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Start and steer durable pipeline runs",
}

var workflowStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a durable run over uploaded documents",
	Long: `Start a pipeline workflow. Documents are resolved against the document
registry, so they must be uploaded first.

Examples:
  # Start a run and pause for review
  testgend workflow start --project payments --doc 3f2a... --review

  # Start and wait for the result
  testgend workflow start --project payments --doc 3f2a... --wait`,
	Args: cobra.NoArgs,
	RunE: runWorkflowStart,
}

var workflowFeedbackCmd = &cobra.Command{
	Use:   "feedback <run-id> <approved|rejected|modified>",
	Short: "Submit a review verdict to a paused run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fb, err := pipeline.ParseFeedback(args[1])
		if err != nil {
			return err
		}
		return withStarter(cmd, func(s *workflows.Starter) error {
			if err := s.Feedback(cmd.Context(), args[0], fb); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "feedback %s sent to run %s\n", fb, args[0])
			return nil
		})
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show where a durable run is",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStarter(cmd, func(s *workflows.Starter) error {
			st, err := s.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		})
	},
}

var workflowResultCmd = &cobra.Command{
	Use:   "result <run-id>",
	Short: "Wait for a durable run and print its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStarter(cmd, func(s *workflows.Starter) error {
			res, err := s.Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		})
	},
}

func init() {
	f := workflowStartCmd.Flags()
	f.StringVar(&wfProject, "project", "", "project id")
	f.StringSliceVar(&wfDocuments, "doc", nil, "document id (repeatable)")
	f.BoolVar(&wfNoScripts, "no-scripts", false, "skip script generation")
	f.StringVar(&wfLanguage, "language", "", "script language (python or java)")
	f.BoolVar(&wfReview, "review", false, "pause before user_review until feedback")
	f.DurationVar(&wfReviewTimeout, "review-timeout", 0, "fail runs left waiting for review this long")
	f.BoolVar(&wfWait, "wait", false, "wait for the run to finish")
	_ = workflowStartCmd.MarkFlagRequired("project")
	_ = workflowStartCmd.MarkFlagRequired("doc")

	workflowCmd.AddCommand(workflowStartCmd, workflowFeedbackCmd, workflowStatusCmd, workflowResultCmd)
}

func runWorkflowStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	lang := cfg.Pipeline.ScriptLanguage
	if wfLanguage != "" {
		lang = wfLanguage
	}
	language, err := pipeline.ParseScriptLanguage(lang)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer func() { _ = a.Close() }()

	docs, err := a.docs.Resolve(ctx, wfProject, wfDocuments)
	if err != nil {
		return err
	}

	c, err := dialTemporal(cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()
	starter, err := workflows.NewStarter(c, cfg.Temporal.TaskQueue)
	if err != nil {
		return err
	}

	state := pipeline.NewState(uuid.NewString(), wfProject, docs, cfg.Pipeline.GenerateScripts && !wfNoScripts, language)
	run, err := starter.Start(ctx, workflows.PipelineInput{
		State:                 state,
		InterruptBeforeReview: wfReview,
		MaxSteps:              cfg.Pipeline.MaxSteps,
		ReviewTimeout:         wfReviewTimeout,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s started (workflow %s)\n", state.RunID, run.GetID())
	if !wfWait {
		return nil
	}

	var res workflows.PipelineResult
	if err := run.Get(ctx, &res); err != nil {
		return err
	}
	return printResult(out, &res)
}

func withStarter(cmd *cobra.Command, fn func(*workflows.Starter) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := dialTemporal(cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()
	s, err := workflows.NewStarter(c, cfg.Temporal.TaskQueue)
	if err != nil {
		return err
	}
	return fn(s)
}

func printResult(w io.Writer, res *workflows.PipelineResult) error {
	out := map[string]any{
		"steps":   res.Steps,
		"reviews": res.Reviews,
	}
	if res.State != nil {
		out["run_id"] = res.State.RunID
		out["summary"] = res.State.Summary()
		if len(res.State.Errors) > 0 {
			out["errors"] = res.State.Errors
		}
	}
	return printJSON(w, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
