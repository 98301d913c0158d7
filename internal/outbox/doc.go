// Package outbox manages the local durable queue of mutation events.
//
// # Lifecycle
//
// Each event moves through a small state machine:
//
//	queued ──► sending ──► acked   (terminal)
//	              │
//	              └──────► failed ──► sending (re-selected by the next drain)
//
// Transitions always pass through sending. Only acked is terminal: a failed
// event is retried on every drain until the server acknowledges it.
//
// Sending never survives a restart: RequeueSending returns rows stranded
// there by an interrupted drain to queued.
//
// # Idempotency
//
// EventID is the idempotency key. It is generated once (uuid v4) unless the
// caller supplies it, and stays stable across retries so the server can
// discard duplicate deliveries. Enqueueing an id that already exists leaves
// the stored row untouched.
//
// # Ordering
//
// CreatedAt is stamped in milliseconds and kept strictly increasing within a
// Manager. Select returns events of one status oldest-created first using the
// store's "status" index.
//
// # Usage
//
//	mgr := outbox.NewManager(st, logger)
//	id, err := mgr.Enqueue(ctx, outbox.EnqueueRequest{
//	    GraphID:  "g1",
//	    BranchID: "main",
//	    Type:     outbox.TypeArtifactIngest,
//	    Payload:  map[string]any{"url": "https://example.com"},
//	})
package outbox
