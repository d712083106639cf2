// Package whiteboard coordinates live whiteboard rooms: a lock race decides which participant seeds
// an empty room from the relational store, and every later edit is rebroadcast to the room.
package whiteboard

import (
	"encoding/json"
	"errors"
)

// MessageType discriminates whiteboard messages.
type MessageType string

// Message types.
const (
	MessageInit               MessageType = "init"
	MessageAcquireLock        MessageType = "acquire_lock"
	MessageLockAcquired       MessageType = "lock_acquired"
	MessageInitializeData     MessageType = "initialize_data"
	MessageAddCanvasObject    MessageType = "add_canvas_object"
	MessageUpdateCanvasObject MessageType = "update_canvas_object"
	MessageDeleteCanvasObject MessageType = "delete_canvas_object"
	MessageAddViewObject      MessageType = "add_view_object"
	MessageUpdateViewObject   MessageType = "update_view_object"
	MessageDeleteViewObject   MessageType = "delete_view_object"
	MessageClearAll           MessageType = "clear_all"
)

// Document container names.
const (
	CanvasObjectsMap = "canvas-objects"
	ViewObjectsMap   = "view-objects"

	initializedMarker = "_initialized"
)

// ErrMissingObjectID reports an object or delete message without an id.
var ErrMissingObjectID = errors.New("whiteboard: object id is required")

// Message is the wire format of the whiteboard socket. CRDTState carries the room document encoded
// by the crdt package, base64 in JSON.
type Message struct {
	Type          MessageType                `json:"type"`
	CanvasObjects map[string]json.RawMessage `json:"canvas_objects,omitempty"`
	ViewObjects   map[string]json.RawMessage `json:"view_objects,omitempty"`
	Object        json.RawMessage            `json:"object,omitempty"`
	ID            string                     `json:"id,omitempty"`
	Initialized   bool                       `json:"initialized"`
	LockAcquired  bool                       `json:"lock_acquired"`
	CRDTState     []byte                     `json:"crdt_state,omitempty"`
}

// IsMutation reports whether t changes room state.
func (t MessageType) IsMutation() bool {
	switch t {
	case MessageAddCanvasObject, MessageUpdateCanvasObject, MessageDeleteCanvasObject,
		MessageAddViewObject, MessageUpdateViewObject, MessageDeleteViewObject,
		MessageClearAll:
		return true
	default:
		return false
	}
}

// CanvasObject is a freehand stroke or a shape.
type CanvasObject struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Canvas object kinds.
const (
	CanvasStroke = "stroke"
	CanvasShape  = "shape"
)

// ViewObject is a typed object placed on a view, mirrored from the view_objects table.
type ViewObject struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Name             string          `json:"name"`
	Data             json.RawMessage `json:"data,omitempty"`
	CreatedBy        string          `json:"created_by,omitempty"`
	UpdatedBy        string          `json:"updated_by,omitempty"`
	CreatedAtSeconds int64           `json:"created_at_s,omitempty"`
	UpdatedAtSeconds int64           `json:"updated_at_s,omitempty"`
}

// EncodeMessage marshals message for the wire.
func EncodeMessage(message Message) ([]byte, error) {
	return json.Marshal(message)
}

// DecodeMessage unmarshals a wire message.
func DecodeMessage(payload []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		return Message{}, err
	}
	if message.Type == "" {
		return Message{}, errors.New("whiteboard: message type is required")
	}
	return message, nil
}

func objectID(raw json.RawMessage) (string, error) {
	var header struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return "", err
	}
	if header.ID == "" {
		return "", ErrMissingObjectID
	}
	return header.ID, nil
}

func withoutMarker(entries map[string]json.RawMessage) map[string]json.RawMessage {
	delete(entries, initializedMarker)
	return entries
}
