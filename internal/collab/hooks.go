package collab

import (
	"context"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
)

// StoreContext carries attribution for a store call.
type StoreContext struct {
	// Actor is the user whose update was applied most recently. Empty means the system actor.
	Actor string
}

// Hooks load a room's document from durable storage and write it back.
type Hooks interface {
	OnLoad(ctx context.Context, room RoomName, doc *crdt.Doc) error
	OnStore(ctx context.Context, room RoomName, doc *crdt.Doc, storeContext StoreContext) error
}
