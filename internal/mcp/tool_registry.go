package mcp

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ToolCategory groups tools for discovery.
type ToolCategory string

const (
	CategoryPipeline  ToolCategory = "pipeline"
	CategoryDocuments ToolCategory = "documents"
	CategoryArtifacts ToolCategory = "artifacts"
	CategorySearch    ToolCategory = "search"
)

// ToolMetadata describes a registered tool.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	// DeferLoading tools are meant to be found through tool_search rather
	// than listed up front.
	DeferLoading bool     `json:"defer_loading"`
	Keywords     []string `json:"keywords,omitempty"`
}

// ToolRegistry indexes tool metadata for tool_search and tool_list.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolMetadata)}
}

// Register adds a tool. Names are unique.
func (r *ToolRegistry) Register(tool *ToolMetadata) error {
	if tool == nil {
		return errors.New("tool metadata is nil")
	}
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if tool.Category == "" {
		return fmt.Errorf("tool %s: category is required", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name]; ok {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (*ToolMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %s not found", name)
	}
	return tool, nil
}

// List returns tools sorted by name, optionally restricted to a category
// or to deferred tools.
func (r *ToolRegistry) List(category ToolCategory, deferredOnly bool) []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		if category != "" && tool.Category != category {
			continue
		}
		if deferredOnly && !tool.DeferLoading {
			continue
		}
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SearchResult is a tool matching a query.
type SearchResult struct {
	Tool *ToolMetadata `json:"tool"`
	// Score is 3 for an exact name, 2 for a name match and 1 for a
	// description or keyword match.
	Score       int    `json:"score"`
	MatchReason string `json:"match_reason"`
}

// Search matches query case-insensitively against names, descriptions and
// keywords. A query that compiles as a regular expression is also tried as
// one. Results are ordered by score, then name.
func (r *ToolRegistry) Search(query string, category ToolCategory) []*SearchResult {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	q := strings.ToLower(query)
	re, _ := regexp.Compile("(?i)" + query)
	matches := func(s string) bool {
		return strings.Contains(strings.ToLower(s), q) || (re != nil && re.MatchString(s))
	}

	var results []*SearchResult
	for _, tool := range r.List(category, false) {
		var res *SearchResult
		switch {
		case strings.ToLower(tool.Name) == q:
			res = &SearchResult{Tool: tool, Score: 3, MatchReason: "exact name match"}
		case matches(tool.Name):
			res = &SearchResult{Tool: tool, Score: 2, MatchReason: "name match"}
		case matches(tool.Description):
			res = &SearchResult{Tool: tool, Score: 1, MatchReason: "description match"}
		default:
			for _, kw := range tool.Keywords {
				if matches(kw) {
					res = &SearchResult{Tool: tool, Score: 1, MatchReason: "keyword match"}
					break
				}
			}
		}
		if res != nil {
			results = append(results, res)
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}
