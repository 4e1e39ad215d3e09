// Package service implements the task runner: it consumes task requests and
// cancellations from a transport, runs every task in its own worker process
// and publishes the status transitions of each task.
//
// Overview
// The Service owns a task.Registry of in-flight tasks, keyed by task id. A
// request is admitted to the registry (QUEUED), gets a concurrency slot
// (RUNNING) and is driven by its own goroutine through task.Run: spawn the
// worker, write the input, read the output, reap. Each phase has its own
// timeout. The driver publishes SUCCESS or FAILED and removes the task in one
// step.
//
// A cancellation looks the id up, moves the task to CANCELLING, which
// cancels the driver's context, waits (bounded) until the worker is cleaned
// up and publishes CANCELLED. A worker still alive after CancelTimeout is
// killed and reaped before that.
//
// Data flow:
//
//   transport            Service                    task.Task            worker
//       |                   |                           |                   |
//   request ------------->  | Admit -> QUEUED --------->|                   |
//       |                   | Advance -> RUNNING ------>|                   |
//       |                   | drive() ---------------->| Start ----------->| spawn
//       |                   |                           | WriteInput ------>| stdin
//       |                   |                           | ReadOutput <------| stdout
//       |                   |                           | WaitFor <---------| exit
//       |                   |<------- output/error -----|                   |
//   response <------------- | Finish -> SUCCESS|FAILED  |                   |
//       |                   |                           |                   |
//   cancellation -------->  | BeginCancel -> CANCELLING | SIGTERM --------->|
//   response <------------- | Finish -> CANCELLED       |                   |
//
// Invariants:
//   - At most one task per id is in flight, a duplicate request gets FAILED.
//   - Every admitted task ends with exactly one terminal response.
//   - A task is removed from the registry in the same step it reaches a
//     terminal status, whichever of completion and cancellation comes first
//     wins.
//   - Responses of one task are published in causal order.
//   - The worker is killed and reaped on every path, see task.Cleanup.
//   - Per-task errors and panics become FAILED responses, they never stop the
//     consumer loops.
//
// internal/service/service_test.go shows how the Service is wired with the
// in-memory transport.
package service
