package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	tghttp "github.com/fyrsmithlabs/testgen/internal/http"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/vectorstore"
)

var uploadIndex bool

func init() {
	uploadCmd.Flags().BoolVar(&uploadIndex, "index", false, "parse and index each document after upload")
	rootCmd.AddCommand(uploadCmd, docsCmd)
	docsCmd.AddCommand(docsRmCmd, docsIndexCmd)
}

var uploadCmd = &cobra.Command{
	Use:   "upload <project_id> <file>...",
	Short: "Upload requirement documents to a project",
	Long: `Upload one or more requirement documents to a project's object store.

Examples:
  tgctl upload shop-1 requirements.md
  tgctl upload shop-1 --index prd.md faq.txt`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		projectID := args[0]
		path := "/api/v1/documents/" + url.PathEscape(projectID)
		if uploadIndex {
			path += "?index=true"
		}
		out := cmd.OutOrStdout()
		for _, file := range args[1:] {
			var resp tghttp.UploadResponse
			if err := c.upload(cmd.Context(), path, file, &resp); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s %s\n", okStyle.Render("uploaded"), valueStyle.Render(resp.Document.ID), dimStyle.Render(resp.Document.Name))
			if resp.Parsed != nil {
				fmt.Fprintf(out, "  %s %d chunks, %d indexed\n", labelStyle.Render("indexed:"), resp.Parsed.ChunksCount, resp.Parsed.Indexed)
			}
			for _, e := range resp.Errors {
				fmt.Fprintf(out, "  %s %s\n", warnStyle.Render("warning:"), e)
			}
		}
		return nil
	},
}

var docsCmd = &cobra.Command{
	Use:   "docs <project_id>",
	Short: "List a project's documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var docs []pipeline.DocumentRef
		if err := newClient().getJSON(cmd.Context(), "/api/v1/projects/"+url.PathEscape(args[0])+"/documents", &docs); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(docs) == 0 {
			fmt.Fprintln(out, dimStyle.Render("no documents"))
			return nil
		}
		for _, d := range docs {
			fmt.Fprintf(out, "%s  %-5s %s\n", valueStyle.Render(d.ID), d.Type, d.Name)
		}
		return nil
	},
}

var docsRmCmd = &cobra.Command{
	Use:   "rm <project_id> <document_id>",
	Short: "Delete a document with its vectors and derived artifacts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/projects/" + url.PathEscape(args[0]) + "/documents/" + url.PathEscape(args[1])
		if err := newClient().delete(cmd.Context(), path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("deleted"), args[1])
		return nil
	},
}

var docsIndexCmd = &cobra.Command{
	Use:   "index <project_id>",
	Short: "Show a project's vector index statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var info vectorstore.CollectionInfo
		if err := newClient().getJSON(cmd.Context(), "/api/v1/projects/"+url.PathEscape(args[0])+"/index", &info); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("collection:"), valueStyle.Render(info.Name))
		fmt.Fprintf(out, "%s %d\n", labelStyle.Render("points:"), info.PointCount)
		fmt.Fprintf(out, "%s %d\n", labelStyle.Render("vector size:"), info.VectorSize)
		return nil
	},
}
