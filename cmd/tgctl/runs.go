package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	tghttp "github.com/fyrsmithlabs/testgen/internal/http"
	"github.com/fyrsmithlabs/testgen/internal/runs"
)

var (
	runDocs      []string
	runNoScripts bool
	runLanguage  string
	runWatch     bool
	artifactKind string
)

func init() {
	runCmd.Flags().StringSliceVar(&runDocs, "doc", nil, "document id to generate from (repeatable)")
	runCmd.Flags().BoolVar(&runNoScripts, "no-scripts", false, "skip test script generation")
	runCmd.Flags().StringVar(&runLanguage, "language", "python", "script language: python or java")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "follow the run after starting it")
	_ = runCmd.MarkFlagRequired("doc")

	artifactsCmd.Flags().StringVar(&artifactKind, "kind", "", "artifact kind filter")

	rootCmd.AddCommand(runCmd, feedbackCmd, statusCmd, runsCmd, artifactsCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <project_id>",
	Short: "Start a generation run",
	Long: `Start a generation run over documents already uploaded to a project.

Examples:
  tgctl run shop-1 --doc 3f2a... --doc 9b1c...
  tgctl run shop-1 --doc 3f2a... --language java --watch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scripts := !runNoScripts
		req := tghttp.StartRunRequest{
			ProjectID:       args[0],
			DocumentIDs:     runDocs,
			GenerateScripts: &scripts,
			ScriptLanguage:  runLanguage,
		}
		var h runs.Handle
		if err := newClient().postJSON(cmd.Context(), "/api/v1/runs", req, &h); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", okStyle.Render("started"), valueStyle.Render(h.RunID), dimStyle.Render(string(h.Status)))
		if runWatch {
			return watchPlain(cmd.Context(), cmd.OutOrStdout(), h.RunID)
		}
		return nil
	},
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <run_id> <approved|rejected|modified>",
	Short: "Review the function points of a paused run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := submitFeedback(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", okStyle.Render(resp.Feedback), valueStyle.Render(resp.RunID), dimStyle.Render(string(resp.Status)))
		return nil
	},
}

func submitFeedback(ctx context.Context, runID, verdict string) (*tghttp.FeedbackResponse, error) {
	var resp tghttp.FeedbackResponse
	err := newClient().postJSON(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/feedback",
		tghttp.FeedbackRequest{Feedback: strings.ToLower(verdict)}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

var statusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show where a run is",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap runs.Snapshot
		if err := newClient().getJSON(cmd.Context(), "/api/v1/runs/"+url.PathEscape(args[0]), &snap); err != nil {
			return err
		}
		printSnapshot(cmd.OutOrStdout(), &snap)
		return nil
	},
}

func printSnapshot(out io.Writer, snap *runs.Snapshot) {
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("run:"), valueStyle.Render(snap.RunID))
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("project:"), snap.ProjectID)
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("status:"), statusStyle(string(snap.Status)).Render(string(snap.Status)))
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("stage:"), snap.Stage)
	if snap.Error != "" {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("error:"), errStyle.Render(snap.Error))
	}
	if st := snap.State; st != nil {
		fmt.Fprintf(out, "%s %d\n", labelStyle.Render("function points:"), len(st.FunctionPoints))
		fmt.Fprintf(out, "%s %d\n", labelStyle.Render("test cases:"), len(st.TestCases))
		fmt.Fprintf(out, "%s %d\n", labelStyle.Render("test scripts:"), len(st.TestScripts))
		for _, e := range st.Errors {
			fmt.Fprintf(out, "  %s %s\n", warnStyle.Render("warning:"), e)
		}
		if snap.Status == runs.StatusAwaitingReview {
			fmt.Fprintln(out, labelStyle.Render("function points for review:"))
			for _, fp := range st.FunctionPoints {
				fmt.Fprintf(out, "  - %s %s\n", valueStyle.Render(fp.Name), dimStyle.Render("["+fp.Priority+"] "+fp.Description))
			}
		}
	}
}

var runsCmd = &cobra.Command{
	Use:   "runs [project_id]",
	Short: "List known runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/runs"
		if len(args) == 1 {
			path += "?project_id=" + url.QueryEscape(args[0])
		}
		var list []runs.Snapshot
		if err := newClient().getJSON(cmd.Context(), path, &list); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, dimStyle.Render("no runs"))
			return nil
		}
		for _, s := range list {
			fmt.Fprintf(out, "%s  %-15s %-25s %s\n", valueStyle.Render(s.RunID), s.Status, s.Stage, dimStyle.Render(s.ProjectID))
		}
		return nil
	},
}

var artifactsCmd = &cobra.Command{
	Use:   "artifacts <project_id>",
	Short: "List stored artifacts of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/projects/" + url.PathEscape(args[0]) + "/artifacts"
		if artifactKind != "" {
			path += "?kind=" + url.QueryEscape(artifactKind)
		}
		var resp tghttp.ArtifactsResponse
		if err := newClient().getJSON(cmd.Context(), path, &resp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, a := range resp.Artifacts {
			fmt.Fprintf(out, "%s  %-20s %s\n", valueStyle.Render(a.ID), a.Kind, dimStyle.Render(a.RunID))
		}
		fmt.Fprintf(out, "%s %d\n", labelStyle.Render("total:"), len(resp.Artifacts))
		return nil
	},
}
