package orchestrator

import (
	"fmt"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// Transition is a node's outgoing edge: a fixed Next node, or Route when the
// edge depends on the state. Route receives a copy and must not retain it.
type Transition struct {
	Next  pipeline.Node
	Route func(state pipeline.State) pipeline.Node
}

// Target resolves the edge for state.
func (t Transition) Target(state *pipeline.State) pipeline.Node {
	if t.Route != nil {
		return t.Route(*state)
	}
	return t.Next
}

// Table maps every node to its outgoing transition.
type Table map[pipeline.Node]Transition

// DefaultTable returns the generation graph. The script_generator edge is
// unconditional; GenerateScripts only changes what that stage does.
func DefaultTable() Table {
	return Table{
		pipeline.NodeDocumentParser:         {Next: pipeline.NodeRequirementParser},
		pipeline.NodeRequirementParser:      {Next: pipeline.NodeFunctionPointGenerator},
		pipeline.NodeFunctionPointGenerator: {Next: pipeline.NodeUserReview},
		pipeline.NodeUserReview:             {Route: RouteAfterReview},
		pipeline.NodeTestcaseGenerator:      {Next: pipeline.NodeScriptGenerator},
		pipeline.NodeScriptGenerator:        {Next: pipeline.NodeMindmapGenerator},
		pipeline.NodeMindmapGenerator:       {Next: pipeline.NodeDone},
	}
}

// RouteAfterReview sends approved runs on to test case generation and
// everything else back to function point generation.
func RouteAfterReview(state pipeline.State) pipeline.Node {
	if state.UserFeedback == pipeline.FeedbackApproved {
		return pipeline.NodeTestcaseGenerator
	}
	return pipeline.NodeFunctionPointGenerator
}

// validate checks that every edge has an origin stage and a known target.
func (t Table) validate(stages map[pipeline.Node]pipeline.Stage) error {
	for node, tr := range t {
		if _, ok := stages[node]; !ok {
			return fmt.Errorf("no stage registered for node %s", node)
		}
		if tr.Route == nil {
			if tr.Next == "" {
				return fmt.Errorf("node %s has no outgoing transition", node)
			}
			if _, ok := t[tr.Next]; !ok && tr.Next != pipeline.NodeDone {
				return fmt.Errorf("node %s transitions to unknown node %s", node, tr.Next)
			}
		}
	}
	if _, ok := t[pipeline.NodeDocumentParser]; !ok {
		return fmt.Errorf("table has no entry node %s", pipeline.NodeDocumentParser)
	}
	return nil
}
