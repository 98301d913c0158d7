// Package dedupe suppresses accidental double submissions. The capture
// boundary fingerprints each request and remembers the resulting event id
// for a short window, so a repeated click returns the first id instead of
// queueing a second mutation.
package dedupe
