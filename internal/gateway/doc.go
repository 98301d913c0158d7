// Package gateway orchestrates the local sync daemon.
//
// # Overview
//
// A Gateway owns every component that works on one local database: the
// SQLite store, the outbox, the sync API client, the connectivity monitor,
// the single-flight drain coordinator, the offline cache and the capture
// boundary. One-shot CLI commands build a Gateway and use those components
// directly; the serve command calls Run.
//
// # Background Work
//
// Run starts:
//
//   - the connectivity monitor, probing GET /health
//   - the autosync trigger (drain on reconnect and on an interval, then
//     validate configured cache scopes)
//   - the capture spool watcher, when capture.spool_dir is set
//   - the local status API, when status.http_addr is set
//
// # Events
//
// Drain outcomes, connectivity transitions, cache refreshes and queued
// captures are published to an in-process broadcaster (also streamed at
// GET /events) and, when events.nats_url is set, to NATS.
//
// # Shutdown
//
// On context cancellation Run stops the trigger and spool, waits up to five
// seconds for an in-flight drain, then closes NATS and the store.
package gateway
