// Package capture is the boundary where user captures enter the outbox.
//
// A Capturer validates the minimum content of each capture kind, rejects
// bad input with ErrValidation without queueing anything, and enqueues
// everything else as a queued outbox event. Identical submissions within
// DedupeTTL return the first event id.
//
// A Spool lets external tools (browser extensions, scripts) hand captures
// over by writing Request JSON files into a directory.
package capture
