package collab

import "strings"

// Kind selects how a room's document maps onto relational rows.
type Kind string

// Room kinds.
const (
	KindNote        Kind = "note"
	KindWhiteboard  Kind = "whiteboard"
	KindSpreadsheet Kind = "spreadsheet"
	KindUnknown     Kind = "unknown"
)

// Known reports whether kind has a relational projection.
func (kind Kind) Known() bool {
	switch kind {
	case KindNote, KindWhiteboard, KindSpreadsheet:
		return true
	default:
		return false
	}
}

// RoomName is a parsed "{kind}:{id}" room identifier. Raw is the join key for snapshots.
type RoomName struct {
	Kind Kind
	ID   string
	Raw  string
}

// ParseRoomName splits raw on its first colon. A name without a colon has KindUnknown and the
// whole string as its ID.
func ParseRoomName(raw string) RoomName {
	kind, id, found := strings.Cut(raw, ":")
	if !found {
		return RoomName{Kind: KindUnknown, ID: raw, Raw: raw}
	}
	return RoomName{Kind: Kind(kind), ID: id, Raw: raw}
}

// FormatRoomName builds the identifier for kind and id.
func FormatRoomName(kind Kind, id string) string {
	return string(kind) + ":" + id
}

func (name RoomName) String() string {
	return name.Raw
}
