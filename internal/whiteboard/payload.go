package whiteboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// View object types.
const (
	TypeText         = "whiteboard_text"
	TypeNote         = "whiteboard_note"
	TypeView         = "whiteboard_view"
	TypeEdge         = "whiteboard_edge"
	TypeCalendarSlot = "calendar_slot"
	TypeMapMarker    = "map_marker"
	TypeKanbanColumn = "kanban_column"
)

// CalendarSlotVersion is the current calendar slot payload version.
const CalendarSlotVersion = 1

// ErrInvalidCalendarSlot reports a calendar slot payload that cannot be migrated.
var ErrInvalidCalendarSlot = errors.New("whiteboard: invalid calendar slot payload")

// CalendarSlot is the versioned calendar slot payload. Fields other than version and date are kept
// by MigrateCalendarSlot.
type CalendarSlot struct {
	Version int    `json:"version"`
	Date    string `json:"date"`
}

// MigrateCalendarSlot upgrades a calendar slot payload to the current version. Legacy payloads are
// either a bare date string or a JSON object encoded as a string.
func MigrateCalendarSlot(data json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrInvalidCalendarSlot
	}

	var legacy string
	if err := json.Unmarshal(trimmed, &legacy); err == nil {
		inner := bytes.TrimSpace([]byte(legacy))
		if len(inner) > 0 && inner[0] == '{' && json.Valid(inner) {
			return MigrateCalendarSlot(inner)
		}
		return json.Marshal(CalendarSlot{Version: CalendarSlotVersion, Date: legacy})
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCalendarSlot, err)
	}
	if fields == nil {
		return nil, ErrInvalidCalendarSlot
	}
	var version int
	if raw, ok := fields["version"]; ok {
		if err := json.Unmarshal(raw, &version); err != nil {
			return nil, fmt.Errorf("%w: version: %v", ErrInvalidCalendarSlot, err)
		}
	}
	if version >= CalendarSlotVersion {
		return trimmed, nil
	}
	fields["version"] = json.RawMessage(fmt.Sprint(CalendarSlotVersion))
	if _, ok := fields["date"]; !ok {
		fields["date"] = json.RawMessage(`""`)
	}
	return json.Marshal(fields)
}

// NormalizeViewObject decodes a data payload transmitted as encoded text and migrates legacy
// calendar slots. Fields it does not know are kept.
func NormalizeViewObject(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, ErrMissingObjectID
	}
	data, hasData := fields["data"]
	if hasData {
		data = decodeEncodedJSON(data)
	}

	var objectType string
	if typeRaw, ok := fields["type"]; ok {
		_ = json.Unmarshal(typeRaw, &objectType)
	}
	if objectType == TypeCalendarSlot && hasData {
		if migrated, err := MigrateCalendarSlot(data); err == nil {
			data = migrated
		}
	}
	if hasData {
		fields["data"] = data
	}
	return json.Marshal(fields)
}

// DataText renders a view-object payload for a text column: strings verbatim, anything else as
// compact JSON, and a missing payload as an empty object.
func DataText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "{}"
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return text
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, trimmed); err != nil {
		return string(trimmed)
	}
	return compacted.String()
}

// DataValue is the inverse of DataText: stored JSON is embedded as-is, other text as a JSON string.
func DataValue(text string) json.RawMessage {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	encoded, _ := json.Marshal(text)
	return encoded
}

// decodeEncodedJSON returns the decoded value of a JSON string holding an object or array, and raw
// unchanged otherwise.
func decodeEncodedJSON(raw json.RawMessage) json.RawMessage {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return raw
	}
	inner := bytes.TrimSpace([]byte(text))
	if len(inner) == 0 || (inner[0] != '{' && inner[0] != '[') || !json.Valid(inner) {
		return raw
	}
	return json.RawMessage(inner)
}
