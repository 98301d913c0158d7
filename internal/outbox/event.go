// ABOUTME: Outbox event types, statuses and the closed set of mutation kinds
// ABOUTME: Defines Event and the Fields merged by MarkStatus

package outbox

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent is returned when an event fails validation before it is queued
var ErrInvalidEvent = errors.New("invalid event")

// EventType is one of the closed set of mutation kinds the server accepts
type EventType string

const (
	TypeArtifactIngest      EventType = "artifact.ingest"
	TypeResourceCreate      EventType = "resource.create"
	TypeResourceLink        EventType = "resource.link"
	TypeTrailStepAppend     EventType = "trail.step.append"
	TypeConceptCreate       EventType = "concept.create"
	TypeConceptUpdate       EventType = "concept.update"
	TypeRelationshipPropose EventType = "relationship.propose"
	TypeRelationshipAccept  EventType = "relationship.accept"
	TypeFeedbackCreate      EventType = "feedback.create"
)

// EventTypes lists every valid EventType.
var EventTypes = []EventType{
	TypeArtifactIngest,
	TypeResourceCreate,
	TypeResourceLink,
	TypeTrailStepAppend,
	TypeConceptCreate,
	TypeConceptUpdate,
	TypeRelationshipPropose,
	TypeRelationshipAccept,
	TypeFeedbackCreate,
}

// Valid reports whether t is a member of the closed set.
func (t EventType) Valid() bool {
	for _, v := range EventTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ParseEventType converts a string to an EventType, rejecting unknown kinds.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, s)
	}
	return t, nil
}

// Status is the delivery state of an event
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusAcked   Status = "acked"
	StatusFailed  Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusSending, StatusAcked, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSending, StatusAcked, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusAcked
}

// Error tags recorded in Event.LastError. The text after the tag is diagnostic.
const (
	ErrTagNetwork       = "network_error"
	ErrTagHTTP          = "http_error"
	ErrTagMissingResult = "missing_result"
)

// Event is a locally-originated mutation awaiting delivery.
type Event struct {
	EventID        string         `json:"event_id"`
	GraphID        string         `json:"graph_id"`
	BranchID       string         `json:"branch_id"`
	Type           EventType      `json:"type"`
	Payload        map[string]any `json:"payload"`
	Status         Status         `json:"status"`
	Attempts       int            `json:"attempts"`
	CreatedAt      int64          `json:"created_at"` // ms since epoch
	UpdatedAt      int64          `json:"updated_at"` // ms since epoch
	LastError      string         `json:"last_error,omitempty"`
	LastHTTPStatus int            `json:"last_http_status,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	ServerIDs      map[string]any `json:"server_ids,omitempty"` // recorded on ack
}

// Fields are the optional values MarkStatus merges into an event.
// Nil pointers leave the stored value unchanged.
type Fields struct {
	IncrementAttempts bool
	LastError         *string
	LastHTTPStatus    *int
	ServerIDs         map[string]any
}

// apply merges f into e.
func (f Fields) apply(e *Event) {
	if f.IncrementAttempts {
		e.Attempts++
	}
	if f.LastError != nil {
		e.LastError = *f.LastError
	}
	if f.LastHTTPStatus != nil {
		e.LastHTTPStatus = *f.LastHTTPStatus
	}
	if f.ServerIDs != nil {
		e.ServerIDs = f.ServerIDs
	}
}

// Failure builds Fields for a failed delivery attempt.
func Failure(lastError string, httpStatus int) Fields {
	f := Fields{
		IncrementAttempts: true,
		LastError:         &lastError,
	}
	if httpStatus != 0 {
		f.LastHTTPStatus = &httpStatus
	}
	return f
}
