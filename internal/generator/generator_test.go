package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/testgen/internal/config"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

type call struct{ system, user string }

// scriptedModel returns its replies in order and records every prompt.
type scriptedModel struct {
	mu      sync.Mutex
	replies []reply
	calls   []call
}

type reply struct {
	text string
	err  error
}

func (m *scriptedModel) Complete(_ context.Context, system, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{system, user})
	if len(m.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r.text, r.err
}

func newGen(t *testing.T, m ChatModel, opts Options) *LLMGenerator {
	t.Helper()
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = 1000
		opts.Burst = 100
	}
	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}
	g, err := NewLLMGenerator(m, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return g
}

func TestGenerate_RequirementAnalysis(t *testing.T) {
	m := &scriptedModel{replies: []reply{{text: "```json\n{\"business_goal\": \"在线购物\", \"core_modules\": [\"cart\"]}\n```"}}}
	g := newGen(t, m, Options{})

	out, err := g.Generate(context.Background(), Request{Kind: KindRequirementAnalysis, Context: "=== 文档: a.md ===\n购物车"})
	require.NoError(t, err)

	var ra pipeline.RequirementAnalysis
	require.NoError(t, json.Unmarshal(out, &ra))
	assert.Equal(t, "在线购物", ra.BusinessGoal)
	assert.Equal(t, []string{"cart"}, ra.CoreModules)

	require.Len(t, m.calls, 1)
	assert.Contains(t, m.calls[0].system, "需求分析专家")
	assert.Contains(t, m.calls[0].user, "购物车")
}

func TestGenerate_RepromptsOnUnparsableOutput(t *testing.T) {
	m := &scriptedModel{replies: []reply{
		{text: "here are your function points!"},
		{text: `[{"name": "login"}]`},
	}}
	g := newGen(t, m, Options{MaxAttempts: 2})

	out, err := g.Generate(context.Background(), Request{Kind: KindFunctionPoints, Input: map[string]any{"business_goal": "x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"login"}]`, string(out))

	require.Len(t, m.calls, 2)
	assert.NotContains(t, m.calls[0].user, "无法解析")
	assert.Contains(t, m.calls[1].user, "无法解析")
	assert.Contains(t, m.calls[0].user, `"business_goal": "x"`)
}

func TestGenerate_FailureAfterAllAttempts(t *testing.T) {
	m := &scriptedModel{replies: []reply{{text: "nope"}, {text: "still {not json"}}}
	g := newGen(t, m, Options{MaxAttempts: 2})

	_, err := g.Generate(context.Background(), Request{Kind: KindTestCase, Input: pipeline.FunctionPoint{Name: "login"}})
	require.Error(t, err)

	var gf *pipeline.GenerationFailure
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, "test_case", gf.Kind)
	assert.Equal(t, "still {not json", gf.Raw)
	assert.False(t, pipeline.IsFatal(err))
}

func TestGenerate_EmptyOutputIsFailure(t *testing.T) {
	m := &scriptedModel{replies: []reply{{text: "```\n```"}}}
	g := newGen(t, m, Options{MaxAttempts: 1})

	_, err := g.Generate(context.Background(), Request{Kind: KindTestScript})
	assert.ErrorIs(t, err, ErrEmptyOutput)
}

func TestGenerate_RetriesModelErrors(t *testing.T) {
	m := &scriptedModel{replies: []reply{
		{err: errors.New("503 upstream")},
		{text: `{"business_goal": "ok"}`},
	}}
	g := newGen(t, m, Options{MaxAttempts: 3})

	out, err := g.Generate(context.Background(), Request{Kind: KindRequirementAnalysis})
	require.NoError(t, err)
	assert.JSONEq(t, `{"business_goal":"ok"}`, string(out))
	assert.Len(t, m.calls, 2)
}

func TestGenerate_ModelErrorExhausted(t *testing.T) {
	boom := errors.New("connection refused")
	m := &scriptedModel{replies: []reply{{err: boom}, {err: boom}}}
	g := newGen(t, m, Options{MaxAttempts: 2})

	_, err := g.Generate(context.Background(), Request{Kind: KindFunctionPoints})
	assert.ErrorIs(t, err, boom)
}

func TestGenerate_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := newGen(t, &scriptedModel{}, Options{})

	_, err := g.Generate(ctx, Request{Kind: KindFunctionPoints})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerate_ScriptPromptsPerLanguage(t *testing.T) {
	m := &scriptedModel{replies: []reply{
		{text: "```python\ndef test_login():\n    assert True\n```"},
		{text: "```java\npublic class TestLogin {}\n```"},
	}}
	g := newGen(t, m, Options{})
	tc := pipeline.TestCase{Title: "Valid login"}

	out, err := g.Generate(context.Background(), Request{Kind: KindTestScript, Input: tc, Language: pipeline.LanguagePython})
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"def test_login():\n    assert True"}`, string(out))
	assert.Contains(t, m.calls[0].user, "pytest")

	out, err = g.Generate(context.Background(), Request{Kind: KindTestScript, Input: tc, Language: pipeline.LanguageJava})
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"public class TestLogin {}"}`, string(out))
	assert.Contains(t, m.calls[1].system, "TestNG")
}

func TestGenerate_TruncatesContextToBudget(t *testing.T) {
	m := &scriptedModel{replies: []reply{{text: `{}`}}}
	g := newGen(t, m, Options{MaxContextTokens: 8})

	long := strings.Repeat("requirement text ", 200)
	_, err := g.Generate(context.Background(), Request{Kind: KindRequirementAnalysis, Context: long})
	require.NoError(t, err)
	assert.Less(t, len(m.calls[0].user), len(long))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		raw     string
		want    string
		wantErr bool
	}{
		{"array", KindFunctionPoints, `[{"name":"a"}]`, `[{"name":"a"}]`, false},
		{"fenced array", KindTestCase, "```json\n[{\"title\":\"t\"}]\n```", `[{"title":"t"}]`, false},
		{"prose around array", KindTestCase, "Sure:\n[{\"title\":\"t\"}]\nDone.", `[{"title":"t"}]`, false},
		{"wrapped list", KindTestCase, `{"test_cases":[{"title":"t"}]}`, `[{"title":"t"}]`, false},
		{"single object", KindTestCase, `{"title":"t"}`, `[{"title":"t"}]`, false},
		{"object expected", KindRequirementAnalysis, `[1,2]`, "", true},
		{"scalar", KindFunctionPoints, `42`, "", true},
		{"garbage", KindFunctionPoints, `no json here`, "", true},
		{"empty", KindRequirementAnalysis, "   ", "", true},
		{"unknown kind", Kind("poem"), `{}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.kind, tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestStripFences(t *testing.T) {
	tests := map[string]string{
		"plain":                          "plain",
		"```json\n[1]\n```":              "[1]",
		"```\n{\"a\":1}\n```":            `{"a":1}`,
		"```python\nprint(1)\n```\n":     "print(1)",
		"```{\"a\":1}```":                `{"a":1}`,
		"  ```java\nclass A {}\n```  ":   "class A {}",
		"```go\nfunc f() {}\n```\nextra": "func f() {}",
	}
	for in, want := range tests {
		assert.Equal(t, want, StripFences(in), "input %q", in)
	}
}

func TestBudget(t *testing.T) {
	b, err := NewBudget(5)
	require.NoError(t, err)

	short, cut := b.Truncate("hello")
	assert.False(t, cut)
	assert.Equal(t, "hello", short)

	text := strings.Repeat("登录 密码 验证 ", 50)
	out, cut := b.Truncate(text)
	assert.True(t, cut)
	assert.LessOrEqual(t, b.Count(out), 5)
	assert.True(t, strings.HasPrefix(text, out))

	unlimited, err := NewBudget(0)
	require.NoError(t, err)
	out, cut = unlimited.Truncate(text)
	assert.False(t, cut)
	assert.Equal(t, text, out)
}

func TestCatalog(t *testing.T) {
	c := DefaultCatalog()
	for _, key := range []string{"requirement_analysis", "function_points", "test_case", "test_script_python", "test_script_java"} {
		assert.True(t, c.Has(key), key)
	}

	_, _, err := c.Render("test_script_cobol", PromptData{})
	assert.ErrorIs(t, err, ErrUnknownPrompt)

	sys, user, err := c.Render("test_case", PromptData{Input: `{"name":"login"}`})
	require.NoError(t, err)
	assert.Contains(t, sys, "test_steps")
	assert.Contains(t, user, `{"name":"login"}`)
	assert.NotContains(t, user, "相关文档内容", "context section omitted when empty")

	_, err = LoadCatalog([]byte("prompts: {}"))
	assert.Error(t, err)
	_, err = LoadCatalog([]byte("prompts:\n  x:\n    system: \"{{.Nope\"\n    user: u\n"))
	assert.Error(t, err)
}

func TestLangChainModel_OpenAICompatible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "你是")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"[]"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer srv.Close()

	m, err := NewModel(config.GeneratorConfig{Provider: "openai", Model: "m", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := m.Complete(context.Background(), "你是测试专家", "hi")
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestAnthropicModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-test", req["model"])
		assert.NotEmpty(t, req["system"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"{\"business_goal\":"},{"type":"text","text":"\"g\"}"}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":4}}`)
	}))
	defer srv.Close()

	m, err := NewAnthropicModel(AnthropicConfig{APIKey: "test-key", Model: "claude-test", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := m.Complete(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"business_goal":"g"}`, out)

	_, err = NewAnthropicModel(AnthropicConfig{})
	assert.Error(t, err)
}

func TestNewModel_UnknownProvider(t *testing.T) {
	_, err := NewModel(config.GeneratorConfig{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}
