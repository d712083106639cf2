package store

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// View types with collaborative rooms.
const (
	ViewTypeWhiteboard  = "whiteboard"
	ViewTypeSpreadsheet = "spreadsheet"
)

// Visibility values. Only public rows are reachable without a session.
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// SystemActor attributes writes that have no known user.
const SystemActor = "system"

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("store: invalid note id")
	// ErrInvalidViewID indicates that a view identifier is empty or exceeds storage bounds.
	ErrInvalidViewID = errors.New("store: invalid view id")
	// ErrInvalidObjectID indicates that a view object identifier is empty or exceeds storage bounds.
	ErrInvalidObjectID = errors.New("store: invalid view object id")
	// ErrInvalidRoomName indicates that a snapshot key is empty or exceeds storage bounds.
	ErrInvalidRoomName = errors.New("store: invalid room name")
	// ErrNotFound indicates that the addressed row does not exist.
	ErrNotFound = errors.New("store: record not found")
)

func validateIdentifier(sentinel error, rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Note is the durable row behind a note room.
type Note struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null" json:"id"`
	Title            string `gorm:"column:title;type:text;not null;default:''" json:"title"`
	Content          string `gorm:"column:content;type:text;not null;default:''" json:"content"`
	Visibility       string `gorm:"column:visibility;size:32;not null;default:'private'" json:"visibility"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null;default:''" json:"created_by"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
	UpdatedBy        string `gorm:"column:updated_by;size:190;not null;default:''" json:"updated_by"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// View is the durable row behind whiteboard and spreadsheet rooms. Data holds an opaque JSON blob.
type View struct {
	ViewID           string `gorm:"column:view_id;primaryKey;size:190;not null" json:"id"`
	Name             string `gorm:"column:name;type:text;not null;default:''" json:"name"`
	ViewType         string `gorm:"column:view_type;size:64;not null;index:idx_views_type" json:"type"`
	Data             string `gorm:"column:data;type:text;not null;default:''" json:"data"`
	Visibility       string `gorm:"column:visibility;size:32;not null;default:'private'" json:"visibility"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null;default:''" json:"created_by"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
	UpdatedBy        string `gorm:"column:updated_by;size:190;not null;default:''" json:"updated_by"`
}

// TableName provides the explicit table binding for GORM.
func (View) TableName() string {
	return "views"
}

// ViewObject is a child object of a view, such as a text box or an edge on a whiteboard.
type ViewObject struct {
	ObjectID         string `gorm:"column:object_id;primaryKey;size:190;not null" json:"id"`
	ViewID           string `gorm:"column:view_id;size:190;not null;index:idx_view_objects_view" json:"view_id"`
	Name             string `gorm:"column:name;type:text;not null;default:''" json:"name"`
	ObjectType       string `gorm:"column:object_type;size:64;not null" json:"type"`
	Data             string `gorm:"column:data;type:text;not null;default:''" json:"data"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null;default:''" json:"created_by"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
	UpdatedBy        string `gorm:"column:updated_by;size:190;not null;default:''" json:"updated_by"`
}

// TableName provides the explicit table binding for GORM.
func (ViewObject) TableName() string {
	return "view_objects"
}

// RoomSnapshot stores the encoded document state of one room.
type RoomSnapshot struct {
	RoomName         string `gorm:"column:room_name;primaryKey;size:190;not null"`
	Data             []byte `gorm:"column:data;not null"`
	DataHash         string `gorm:"column:data_hash;size:64;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomSnapshot) TableName() string {
	return "room_snapshots"
}

// Models lists every table owned by the store, in migration order.
func Models() []any {
	return []any{&Note{}, &View{}, &ViewObject{}, &RoomSnapshot{}}
}
