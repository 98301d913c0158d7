// Package connectivity decides whether the sync server is reachable.
//
// A Monitor pings the server on an interval and exposes the result through
// Online. Components that must not touch the network while offline (drain,
// cache) take the Monitor as their connectivity source; the auto-sync
// trigger subscribes to its transitions.
package connectivity
