package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSearchSummary(t *testing.T) {
	assert.Equal(t, "No tools found matching: zzz", searchSummary("zzz", nil))
	assert.Equal(t, "Found 2 tool(s) for query 'pipeline': pipeline_start, pipeline_status",
		searchSummary("pipeline", []string{"pipeline_start", "pipeline_status"}))
}
