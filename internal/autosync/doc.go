// Package autosync drives background synchronization.
//
// A Trigger drains the outbox when connectivity returns and on a fixed
// interval while online, then validates configured cache scopes after a
// reconnect. When a drain stops because it ran out of batches, the trigger
// immediately drains again, up to MaxFollowups times.
//
// Nothing here blocks or fails a caller: errors are logged and the next
// trigger tries again.
package autosync
