package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// searchSummary is the text block returned by tool_search.
func searchSummary(query string, names []string) string {
	if len(names) == 0 {
		return fmt.Sprintf("No tools found matching: %s", query)
	}
	return fmt.Sprintf("Found %d tool(s) for query '%s': %s", len(names), query, strings.Join(names, ", "))
}

// ===== TOOL SEARCH TOOLS =====

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Search text or regular expression matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Restrict to one category: pipeline, documents, artifacts or search"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results (default: 5)"`
}

type toolSearchOutput struct {
	Query      string          `json:"query"`
	Tools      []string        `json:"tools"`
	Results    []*SearchResult `json:"results"`
	Count      int             `json:"count"`
	TotalTools int             `json:"total_tools"`
}

type toolListInput struct {
	Category     string `json:"category,omitempty" jsonschema:"Restrict to one category"`
	DeferredOnly bool   `json:"deferred_only,omitempty" jsonschema:"Only list deferred tools"`
}

type toolListOutput struct {
	Tools []*ToolMetadata `json:"tools"`
	Count int             `json:"count"`
}

func (s *Server) registerSearchTools() error {
	err := addTool(s, &ToolMetadata{
		Name:        "tool_search",
		Description: "Search the available tools by name, description or keyword. Returns the names of the matching tools.",
		Category:    CategorySearch,
	}, func(_ context.Context, _ *mcp.CallToolRequest, args toolSearchInput) (*mcp.CallToolResult, toolSearchOutput, error) {
		if args.Query == "" {
			return nil, toolSearchOutput{}, fmt.Errorf("query is required")
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 5
		}

		results := s.registry.Search(args.Query, ToolCategory(args.Category))
		if len(results) > limit {
			results = results[:limit]
		}
		if results == nil {
			results = []*SearchResult{}
		}

		names := make([]string, len(results))
		for i, r := range results {
			names[i] = r.Tool.Name
		}

		content := []mcp.Content{&mcp.TextContent{Text: searchSummary(args.Query, names)}}
		return &mcp.CallToolResult{Content: content}, toolSearchOutput{
			Query:      args.Query,
			Tools:      names,
			Results:    results,
			Count:      len(results),
			TotalTools: s.registry.Count(),
		}, nil
	})
	if err != nil {
		return err
	}

	return addTool(s, &ToolMetadata{
		Name:        "tool_list",
		Description: "List the available tools with their metadata.",
		Category:    CategorySearch,
	}, func(_ context.Context, _ *mcp.CallToolRequest, args toolListInput) (*mcp.CallToolResult, toolListOutput, error) {
		tools := s.registry.List(ToolCategory(args.Category), args.DeferredOnly)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Found %d tools", len(tools))}},
		}, toolListOutput{Tools: tools, Count: len(tools)}, nil
	})
}
