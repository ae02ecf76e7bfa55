package stages

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/repository"
)

// MindmapGenerator summarizes the test cases as a two-level tree. It is a
// pure transform and never calls the generator.
//
// Reads TestCases. Writes MindMap.
type MindmapGenerator struct{ *base }

// Node implements pipeline.Stage.
func (s *MindmapGenerator) Node() pipeline.Node { return pipeline.NodeMindmapGenerator }

// Execute implements pipeline.Stage.
func (s *MindmapGenerator) Execute(ctx context.Context, state *pipeline.State) (pipeline.StageResult, error) {
	mm := BuildMindMap(state.TestCases)
	var errs []string
	if s.base != nil {
		errs = s.persist(ctx, state, repository.KindMindMap, []any{mm}, s.log(s.Node(), state))
	}
	return pipeline.StageResult{Update: pipeline.Update{MindMap: &mm}, Errors: errs}, nil
}

// BuildMindMap returns root → one node per test case → one leaf per step.
func BuildMindMap(cases []pipeline.TestCase) pipeline.MindMap {
	root := pipeline.MindMapNode{
		ID:       "root",
		Text:     "Test Cases",
		NodeType: "root",
		Children: make([]pipeline.MindMapNode, 0, len(cases)),
	}
	for i, tc := range cases {
		node := pipeline.MindMapNode{
			ID:       fmt.Sprintf("tc_%d", i),
			Text:     tc.Title,
			NodeType: "testcase",
			Children: make([]pipeline.MindMapNode, 0, len(tc.TestSteps)),
		}
		for j, step := range tc.TestSteps {
			node.Children = append(node.Children, pipeline.MindMapNode{
				ID:       fmt.Sprintf("step_%d_%d", i, j),
				Text:     step.Action,
				NodeType: "step",
			})
		}
		root.Children = append(root.Children, node)
	}
	return pipeline.MindMap{Root: root}
}
