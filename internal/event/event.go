// Package event defines the telemetry event record carried through the
// buffering and upload pipeline. Events are created by producers, never
// mutated, and destroyed only by deletion from the store.
package event

import (
	"errors"

	json "github.com/goccy/go-json"
)

// Well-known event type tags with special scheduling behavior. Any other
// type is treated as normal priority.
const (
	// TypeLocation marks location reports, which respect the host's
	// background reporting cadence while the app is backgrounded.
	TypeLocation = "location"
	// TypeRegion marks region enter/exit events, which are time-sensitive
	// and bypass normal batching.
	TypeRegion = "region"
)

var (
	// ErrMissingID indicates an event without an id.
	ErrMissingID = errors.New("event missing id")
	// ErrMissingType indicates an event without a type tag.
	ErrMissingType = errors.New("event missing type")
	// ErrMissingData indicates an event without a payload.
	ErrMissingData = errors.New("event missing data")
	// ErrMissingTimestamp indicates an event without a timestamp.
	ErrMissingTimestamp = errors.New("event missing timestamp")
)

// Event is an immutable telemetry record.
type Event struct {
	// ID is an opaque unique identifier assigned by the producer.
	ID string `json:"id"`
	// Type is the event category tag.
	Type string `json:"type"`
	// Data is the opaque serialized payload uploaded to the collection endpoint.
	Data json.RawMessage `json:"data"`
	// Timestamp is the event creation time in milliseconds since epoch.
	Timestamp int64 `json:"timestamp"`
	// SessionID groups events from one continuous usage period. It is the
	// granularity of space eviction.
	SessionID string `json:"session_id"`
}

// Validate reports the first missing required field, or nil. SessionID is
// not required: sessionless events are stored under the empty session.
func (e *Event) Validate() error {
	switch {
	case e.ID == "":
		return ErrMissingID
	case e.Type == "":
		return ErrMissingType
	case len(e.Data) == 0:
		return ErrMissingData
	case e.Timestamp <= 0:
		return ErrMissingTimestamp
	}
	return nil
}

// Size returns the serialized payload size in bytes, the unit of the
// store's space accounting.
func (e *Event) Size() int64 {
	return int64(len(e.Data))
}
