package secrets

import (
	"fmt"
	"sort"
	"time"
)

// Finding is one redacted secret. The value itself is never kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	Length      int    `json:"length"`
}

// Result is the outcome of redacting one document.
type Result struct {
	Content  string         `json:"-"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool {
	return r != nil && len(r.Findings) > 0
}

// RuleIDs returns the matched rule IDs, sorted.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary is a one-line description suitable for a run's error list.
func (r *Result) Summary() string {
	if !r.HasFindings() {
		return "no secrets detected"
	}
	return fmt.Sprintf("redacted %d secret(s): %v", len(r.Findings), r.RuleIDs())
}
