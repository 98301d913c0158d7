// Package syncapi is the client side of the server collaborator's HTTP/JSON API.
//
// # Endpoints
//
//	POST /sync/events                              batch of outbox events
//	GET  /offline/manifest?graph_id=&branch_id=    staleness fingerprint
//	GET  /offline/bootstrap?graph_id=&branch_id=   read-state snapshot (404 = no data yet)
//	GET  /health                                   reachability probe
//
// # Errors
//
//   - *TransportError: the request never completed (connection refused, reset,
//     context deadline). Callers treat it as network_error.
//   - *HTTPError: a completed request with a non-success status.
//   - ErrNotFound: 404 on a read endpoint.
//
// PostEvents is the exception: any completed request returns its status and
// best-effort decoded body so the drain can record per-event outcomes.
//
// The synctest subpackage provides an in-memory server for tests and local
// development.
package syncapi
