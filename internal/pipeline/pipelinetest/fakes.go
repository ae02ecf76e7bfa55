// Package pipelinetest provides collaborators for exercising stages and
// runs without a model or a document store.
package pipelinetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/testgen/internal/generator"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// Respond produces the output of one generation call.
type Respond func(req generator.Request) (json.RawMessage, error)

// Generator answers each kind with a configurable function and records
// every request. Kinds without a function get canned output.
type Generator struct {
	mu       sync.Mutex
	handlers map[generator.Kind]Respond
	calls    []generator.Request
}

// NewGenerator returns a Generator producing canned artifacts: an analysis,
// two function points, one two-step test case per point and a script.
func NewGenerator() *Generator {
	return &Generator{handlers: map[generator.Kind]Respond{}}
}

// On overrides the response for kind.
func (g *Generator) On(kind generator.Kind, fn Respond) *Generator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[kind] = fn
	return g
}

// Fail makes every call of kind return a GenerationFailure.
func (g *Generator) Fail(kind generator.Kind) *Generator {
	return g.On(kind, func(generator.Request) (json.RawMessage, error) {
		return nil, &pipeline.GenerationFailure{Kind: string(kind), Err: errors.New("unparsable output")}
	})
}

// Calls returns the requests seen so far.
func (g *Generator) Calls() []generator.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]generator.Request(nil), g.calls...)
}

// Count returns the number of requests of kind.
func (g *Generator) Count(kind generator.Kind) int {
	n := 0
	for _, c := range g.Calls() {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Generate implements generator.Generator.
func (g *Generator) Generate(ctx context.Context, req generator.Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.calls = append(g.calls, req)
	fn := g.handlers[req.Kind]
	g.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return canned(req)
}

func canned(req generator.Request) (json.RawMessage, error) {
	switch req.Kind {
	case generator.KindRequirementAnalysis:
		return json.RawMessage(`{"business_goal":"在线商城下单","core_modules":["用户","订单"],"data_entities":["订单"]}`), nil
	case generator.KindFunctionPoints:
		return json.RawMessage(`[
			{"name":"用户登录","description":"账号密码登录","priority":"P1","module":"用户","acceptance_criteria":"登录成功跳转首页"},
			{"name":"提交订单","description":"购物车结算","test_type":"functional","module":"订单"}
		]`), nil
	case generator.KindTestCase:
		var fp pipeline.FunctionPoint
		if b, err := json.Marshal(req.Input); err == nil {
			_ = json.Unmarshal(b, &fp)
		}
		return json.Marshal([]map[string]any{{
			"title":       fp.Name + " 正常流程",
			"description": fp.Description,
			"test_steps": []map[string]any{
				{"step_num": 1, "action": "打开页面", "expected_result": "页面加载"},
				{"step_num": 2, "action": "执行" + fp.Name, "expected_result": "操作成功"},
			},
			"tags": []string{"smoke"},
		}})
	case generator.KindTestScript:
		return json.Marshal(map[string]string{"content": fmt.Sprintf("# %s script\n", req.Language)})
	}
	return nil, fmt.Errorf("unexpected kind %q", req.Kind)
}

// Loader serves document text from memory, keyed by document ID. Unknown
// documents fail with a LoadFailure.
type Loader struct {
	mu    sync.Mutex
	texts map[string]string
}

// NewLoader returns a Loader serving texts.
func NewLoader(texts map[string]string) *Loader {
	if texts == nil {
		texts = map[string]string{}
	}
	return &Loader{texts: texts}
}

// Load implements loader.Loader.
func (l *Loader) Load(_ context.Context, ref pipeline.DocumentRef) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	text, ok := l.texts[ref.ID]
	if !ok {
		return "", &pipeline.LoadFailure{DocumentID: ref.ID, Name: ref.Name, Err: errors.New("no such document")}
	}
	return text, nil
}

// Doc returns a markdown document reference.
func Doc(id string) pipeline.DocumentRef {
	return pipeline.DocumentRef{ID: id, Name: id + ".md", Type: "md", Key: id + ".md"}
}

// Requirements is a small requirements document of three paragraphs.
const Requirements = "# 商城需求\n\n用户可以使用账号密码登录，登录成功后跳转首页。\n\n用户可以将商品加入购物车并提交订单，订单提交后生成订单号。"
