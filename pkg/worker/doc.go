// Package worker drives promptflow runs from a task queue.
//
// A Worker dequeues tasks and applies them to an engine:
//
//   - start-flow tasks run a registered flow with the task input
//   - resume-node tasks resume a paused UserInput node with a payload
//   - cancel-flow tasks cancel an execution, which is how deadlines
//     outside the engine are scheduled with NotBefore
//
// A task that fails with attempts left is re-enqueued with exponential
// backoff. Missing flows and executions are not retried.
//
// Multiple workers can share a queue. The SQLite, PostgreSQL, Redis and
// MongoDB queues keep tasks across restarts and hand each task to exactly
// one consumer; the in-memory queue suits tests and single processes.
package worker
