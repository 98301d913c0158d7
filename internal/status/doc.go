// Package status reports sync health and exposes the local HTTP API:
//
//	GET  /health          liveness
//	GET  /status          queue counts, connectivity and the last drain
//	GET  /status/failed   failed events with their last error
//	POST /drain           run or join a drain
//	POST /capture         queue a capture.Request
//	GET  /events          server-sent stream of sync events
package status
