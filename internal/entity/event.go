package entity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType identifies the kind of row change carried by a ChangeEvent
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is a typed, validated row change delivered by the push feed.
// New and Old carry the full row state, not a diff. Old is present for
// update and delete events when the server supplies it.
type ChangeEvent struct {
	Kind Kind
	Type EventType
	New  Record
	Old  Record
}

// wireEvent is the raw shape of a change frame as sent by the server
type wireEvent struct {
	EntityType string          `json:"entity_type"`
	EventType  string          `json:"event_type"`
	NewRow     json.RawMessage `json:"new_row,omitempty"`
	OldRow     json.RawMessage `json:"old_row,omitempty"`
}

// DecodeChangeEvent parses and validates a wire frame into a typed
// ChangeEvent. Derived fields of the decoded rows are recomputed here so
// no consumer ever sees wire-supplied values for them.
func DecodeChangeEvent(data []byte, now time.Time) (ChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return ChangeEvent{}, fmt.Errorf("decoding change event: %w", err)
	}

	kind := Kind(strings.ToLower(w.EntityType))
	if !kind.Valid() {
		return ChangeEvent{}, fmt.Errorf("unknown entity type %q", w.EntityType)
	}

	evtType := EventType(strings.ToLower(w.EventType))
	switch evtType {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return ChangeEvent{}, fmt.Errorf("unknown event type %q", w.EventType)
	}

	evt := ChangeEvent{Kind: kind, Type: evtType}

	var err error
	if len(w.NewRow) > 0 {
		evt.New, err = decodeRow(kind, w.NewRow, now)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("decoding new row: %w", err)
		}
	}
	if len(w.OldRow) > 0 {
		evt.Old, err = decodeRow(kind, w.OldRow, now)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("decoding old row: %w", err)
		}
	}

	if err := evt.validate(); err != nil {
		return ChangeEvent{}, err
	}

	return evt, nil
}

func decodeRow(kind Kind, raw json.RawMessage, now time.Time) (Record, error) {
	rec, ok := NewRecord(kind)
	if !ok {
		return nil, fmt.Errorf("no record type for kind %q", kind)
	}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, err
	}
	if rec.EntityID() == "" {
		return nil, fmt.Errorf("row without id")
	}
	rec.Derive(now)
	return rec, nil
}

func (e ChangeEvent) validate() error {
	switch e.Type {
	case EventInsert, EventUpdate:
		if e.New == nil {
			return fmt.Errorf("%s event for %s without new row", e.Type, e.Kind)
		}
	case EventDelete:
		if e.Old == nil && e.New == nil {
			return fmt.Errorf("delete event for %s without a row", e.Kind)
		}
	}
	return nil
}

// EntityID returns the id of the row the event is about
func (e ChangeEvent) EntityID() string {
	if e.New != nil {
		return e.New.EntityID()
	}
	if e.Old != nil {
		return e.Old.EntityID()
	}
	return ""
}
