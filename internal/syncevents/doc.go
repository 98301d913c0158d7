// Package syncevents carries notifications about sync activity: drain
// outcomes, connectivity transitions, cache refreshes and accepted captures.
//
// Broadcaster fans events out to in-process subscribers. NATSPublisher
// forwards them to a NATS broker for other processes. Multi combines both.
// Publishing is best-effort everywhere; callers log failures and move on.
package syncevents
