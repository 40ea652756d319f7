// Package promptflow provides an embeddable engine for AI prompt workflows.
//
// A workflow is a directed graph of nodes (prompt calls, transforms,
// variables, loops, user input and external calls) joined by edges that
// may carry conditions. The engine validates the graph, schedules ready
// nodes concurrently, evaluates edge conditions, retries transient
// failures and records every node execution and edge traversal.
//
// # Core Concepts
//
//  1. Engine
//  2. FlowBuilder and HCL flow files
//  3. Capabilities
//  4. Variants
//  5. Worker and LocalRunner
//
// # Engine
//
// The Engine holds flow definitions and drives runs. It can:
//   - start runs synchronously (Run) or in the background (Start)
//   - resume runs paused on a UserInput node
//   - cancel runs and enforce flow and node timeouts
//   - record user feedback against a run
//
// Run records can be kept in memory, SQLite, PostgreSQL, Redis, MongoDB
// or Badger. OpenEngine picks a backend from a config.Config.
//
// # FlowBuilder
//
// FlowBuilder defines flows in Go:
//
//	promptflow.New("summarize").
//	    Input("in", "text").
//	    Prompt("draft", "gpt-4o-mini", "Summarize: ${input.text}").
//	    When("draft", "out", `output.text != ""`).
//	    Otherwise("draft", "retry").
//	    Output("out")
//
// The same graph can be written as an HCL file and loaded with LoadFlows
// or RegisterDir. Edge conditions use HCL expression syntax and see the
// source node's output and input, the run variables and the loop
// iteration.
//
// # Capabilities
//
// PromptCall nodes go through an Invoker, ExternalCall nodes through a
// Caller. The openai subpackage provides an Invoker for chat completion
// APIs; tests usually plug in an InvokerFunc.
//
// # Variants
//
// Several variants of a flow can be registered. Runs are routed to one
// of them by weighted, deterministic assignment, and user feedback is
// aggregated per variant until a winner is statistically significant.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue and worker into a
// process-local helper for development and tests. It is not
// crash-durable; NewSQLiteBundle gives the same shape backed by SQLite.
//
// For runnable programs, see the /examples directory.
package promptflow
