// Package mcp exposes the run service as Model Context Protocol tools.
//
// Tools are registered with github.com/modelcontextprotocol/go-sdk/mcp and
// served over stdio by `testgend mcp`. Agents start a run with
// pipeline_start, read the function points awaiting review with
// pipeline_status and resume the run with pipeline_feedback. Text returned
// to clients passes through the secret redactor.
package mcp
