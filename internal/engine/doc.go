// Package engine connects event sources to the router and the execution
// coordinator.
//
// ARCHITECTURE:
//
// Single-Consumer Event Loop:
// Sources enqueue events from any goroutine into an unbounded FIFO queue.
// Engine.Run dequeues them one at a time in a single goroutine, so routing
// order matches arrival order and the seen-event cache needs no extra
// coordination.
//
// Event Processing Flow:
//  1. Enqueue normalises the event (id, correlation id, timestamp) and
//     applies filters.
//  2. Run dequeues the event and drops it if its id was already seen.
//  3. The router produces a decision from the current mapping table.
//  4. Non-empty decisions are handed to the dispatcher, which returns
//     immediately; commands execute on the coordinator's goroutines.
//
// Routing never waits on command execution: a slow or failing command
// delays nothing but the commands queued behind it in the same decision.
package engine
