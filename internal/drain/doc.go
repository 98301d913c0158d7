// Package drain implements the outbox drain protocol.
//
// A Drainer performs one bounded pass: it selects up to BatchSize events
// (queued first, then failed, each oldest-created first), marks them sending,
// posts them in a single request and records each event's result. It repeats
// for up to MaxBatches batches, pausing InterBatchDelay between them.
//
// Outcomes:
//
//   - offline: connectivity is down, nothing is touched.
//   - drained: the queue has nothing left to send.
//   - network_error: a request never completed (including RequestTimeout).
//     The batch is marked failed with attempts+1 and the drain waits one
//     Backoff delay per event before returning.
//   - not drained: MaxBatches ran out; call again later.
//
// Per-event failures from a completed response are recorded and left for
// the next pass; they do not trigger an inline backoff.
//
// If the store fails partway through a batch, events still marked sending
// are returned to the status they were selected in before Drain reports Err.
//
// Coordinator wraps a Drainer so concurrent triggers never run two drains at
// once.
package drain
