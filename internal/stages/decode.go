package stages

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// Models return loosely typed JSON: numbers where strings were asked for,
// lists where a paragraph was expected. The readers below accept both.

func decodeObjects(raw json.RawMessage) ([]map[string]any, error) {
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s := strings.TrimSpace(fmt.Sprint(p)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func strOr(m map[string]any, key, def string) string {
	if s := str(m, key); s != "" {
		return s
	}
	return def
}

func strs(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, p := range v {
			if s := strings.TrimSpace(fmt.Sprint(p)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	}
	return []string{}
}

func object(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func integer(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func priority(m map[string]any) string {
	return strings.ToLower(strOr(m, "priority", "p2"))
}

func toFunctionPoint(m map[string]any, projectID, documentID string) pipeline.FunctionPoint {
	return pipeline.FunctionPoint{
		ID:                 uuid.NewString(),
		ProjectID:          projectID,
		DocumentID:         documentID,
		Name:               str(m, "name"),
		Description:        str(m, "description"),
		TestType:           strOr(m, "test_type", "functional"),
		Priority:           priority(m),
		Module:             str(m, "module"),
		AcceptanceCriteria: str(m, "acceptance_criteria"),
	}
}

func toTestCase(m map[string]any, projectID, functionPointID string) pipeline.TestCase {
	tc := pipeline.TestCase{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		FunctionPointID: functionPointID,
		Title:           str(m, "title"),
		Description:     str(m, "description"),
		TestType:        strOr(m, "test_type", "functional"),
		TestCategory:    strOr(m, "test_category", "frontend"),
		Priority:        priority(m),
		Preconditions:   str(m, "preconditions"),
		ExpectedResults: str(m, "expected_results"),
		TestData:        object(m, "test_data"),
		Tags:            strs(m, "tags"),
		TestSteps:       []pipeline.TestStep{},
	}
	steps, _ := m["test_steps"].([]any)
	for j, s := range steps {
		switch step := s.(type) {
		case map[string]any:
			tc.TestSteps = append(tc.TestSteps, pipeline.TestStep{
				StepNum:        integer(step, "step_num", j+1),
				Action:         str(step, "action"),
				ExpectedResult: str(step, "expected_result"),
				TestData:       object(step, "test_data"),
			})
		case string:
			tc.TestSteps = append(tc.TestSteps, pipeline.TestStep{StepNum: j + 1, Action: strings.TrimSpace(step)})
		}
	}
	return tc
}
