// Package stages implements the seven nodes of the generation graph.
//
// Each stage reads the state fields it declares and returns a
// pipeline.StageResult carrying only the fields it owns. Item-level
// failures inside a stage become Errors lines; a returned error aborts the
// run.
package stages
