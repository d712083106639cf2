// Package persistence loads collaborative documents from the relational store and projects them back.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/spreadsheet"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/whiteboard"
	"go.uber.org/zap"
)

// Note document containers.
const (
	NoteContentText = "content"
	NoteMetaMap     = "meta"
	NoteTitleKey    = "title"
)

// Origin tags transactions made while hydrating a document.
const Origin = "persistence"

var errMissingStore = errors.New("persistence: store is required")

// Store is the relational surface the bridge reads and writes.
type Store interface {
	FindSnapshot(ctx context.Context, roomName string) (store.RoomSnapshot, bool, error)
	SaveSnapshot(ctx context.Context, roomName string, data []byte) (bool, error)
	FindNote(ctx context.Context, noteID string) (store.Note, bool, error)
	UpdateNoteContent(ctx context.Context, noteID string, content store.NoteContent) (bool, error)
	FindView(ctx context.Context, viewID string) (store.View, bool, error)
	UpdateViewData(ctx context.Context, viewID string, data string, updatedBy string) (bool, error)
	ListViewObjects(ctx context.Context, viewID string) ([]store.ViewObject, error)
	ApplyViewObjectChanges(ctx context.Context, viewID string, changes store.ViewObjectChanges, actor string) error
}

// Bridge implements collab.Hooks over a Store.
type Bridge struct {
	store  Store
	logger *zap.Logger

	// whiteboardMu serializes whiteboard projections. A view row is written both by document rooms
	// and by the whiteboard hub; each projection lands whole and the last one wins.
	whiteboardMu sync.Mutex
}

var _ collab.Hooks = (*Bridge)(nil)

// NewBridge constructs a Bridge.
func NewBridge(backing Store, logger *zap.Logger) (*Bridge, error) {
	if backing == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{store: backing, logger: logger}, nil
}

// OnLoad restores the stored snapshot for room, clearing leftover op-log entries. Without a usable
// snapshot the document is hydrated from the relational row matching the room kind.
func (bridge *Bridge) OnLoad(ctx context.Context, room collab.RoomName, doc *crdt.Doc) error {
	snapshot, found, err := bridge.store.FindSnapshot(ctx, room.Raw)
	if err != nil {
		return err
	}
	if found {
		applyErr := doc.ApplyUpdate(snapshot.Data, Origin)
		if applyErr == nil {
			return clearOps(doc)
		}
		bridge.logWarn("persistence.load", "snapshot_unreadable", room, applyErr)
	}

	switch room.Kind {
	case collab.KindNote:
		return bridge.hydrateNote(ctx, room, doc)
	case collab.KindWhiteboard:
		return bridge.hydrateWhiteboard(ctx, room, doc)
	case collab.KindSpreadsheet:
		return bridge.hydrateSpreadsheet(ctx, room, doc)
	default:
		return nil
	}
}

// OnStore saves the full document state and projects it into relational rows. Both steps run even
// when one fails.
func (bridge *Bridge) OnStore(ctx context.Context, room collab.RoomName, doc *crdt.Doc, storeContext collab.StoreContext) error {
	var errs []error
	state, err := doc.EncodeStateAsUpdate()
	if err != nil {
		errs = append(errs, fmt.Errorf("encode state: %w", err))
	} else if _, err := bridge.store.SaveSnapshot(ctx, room.Raw, state); err != nil {
		errs = append(errs, err)
	}

	var projectErr error
	switch room.Kind {
	case collab.KindNote:
		projectErr = bridge.persistNote(ctx, room.ID, doc, storeContext.Actor)
	case collab.KindWhiteboard:
		projectErr = bridge.PersistWhiteboard(ctx, room.ID, doc, storeContext.Actor)
	case collab.KindSpreadsheet:
		projectErr = bridge.persistSpreadsheet(ctx, room.ID, doc, storeContext.Actor)
	}
	if projectErr != nil {
		errs = append(errs, projectErr)
	}
	return errors.Join(errs...)
}

// PersistWhiteboard writes a whiteboard document's canvas objects onto its view row and reconciles
// the view's child objects with the document's view objects.
func (bridge *Bridge) PersistWhiteboard(ctx context.Context, viewID string, doc *crdt.Doc, actor string) error {
	bridge.whiteboardMu.Lock()
	defer bridge.whiteboardMu.Unlock()

	view, found, err := bridge.store.FindView(ctx, viewID)
	if err != nil {
		return err
	}
	if !found || view.ViewType != store.ViewTypeWhiteboard {
		return nil
	}

	canvasData, err := json.Marshal(doc.Map(whiteboard.CanvasObjectsMap).Entries())
	if err != nil {
		return fmt.Errorf("encode canvas objects: %w", err)
	}
	if _, err := bridge.store.UpdateViewData(ctx, viewID, string(canvasData), actor); err != nil {
		return err
	}

	rows, err := bridge.store.ListViewObjects(ctx, viewID)
	if err != nil {
		return err
	}
	changes := PlanViewObjects(doc.Map(whiteboard.ViewObjectsMap).Entries(), rows, actor)
	return bridge.store.ApplyViewObjectChanges(ctx, viewID, changes, actor)
}

func (bridge *Bridge) hydrateNote(ctx context.Context, room collab.RoomName, doc *crdt.Doc) error {
	note, found, err := bridge.store.FindNote(ctx, room.ID)
	if err != nil || !found {
		return err
	}
	return doc.Transact(Origin, func(tx *crdt.Txn) error {
		if note.Content != "" {
			tx.Text(NoteContentText).Insert(0, note.Content)
		}
		return tx.Map(NoteMetaMap).Set(NoteTitleKey, note.Title)
	})
}

func (bridge *Bridge) hydrateWhiteboard(ctx context.Context, room collab.RoomName, doc *crdt.Doc) error {
	view, found, err := bridge.store.FindView(ctx, room.ID)
	if err != nil || !found {
		return err
	}

	canvasObjects := map[string]json.RawMessage{}
	if view.Data != "" {
		if err := json.Unmarshal([]byte(view.Data), &canvasObjects); err != nil {
			bridge.logWarn("persistence.load", "canvas_data_unparseable", room, err)
			canvasObjects = map[string]json.RawMessage{}
		}
	}
	if len(canvasObjects) > 0 {
		if err := doc.Transact(Origin, func(tx *crdt.Txn) error {
			objects := tx.Map(whiteboard.CanvasObjectsMap)
			for id, value := range canvasObjects {
				if err := objects.SetRaw(id, value); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	rows, err := bridge.store.ListViewObjects(ctx, room.ID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return doc.Transact(Origin, func(tx *crdt.Txn) error {
		objects := tx.Map(whiteboard.ViewObjectsMap)
		for _, row := range rows {
			if err := objects.Set(row.ObjectID, whiteboard.ViewObject{
				ID:               row.ObjectID,
				Type:             row.ObjectType,
				Name:             row.Name,
				Data:             whiteboard.DataValue(row.Data),
				CreatedBy:        row.CreatedBy,
				UpdatedBy:        row.UpdatedBy,
				CreatedAtSeconds: row.CreatedAtSeconds,
				UpdatedAtSeconds: row.UpdatedAtSeconds,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (bridge *Bridge) hydrateSpreadsheet(ctx context.Context, room collab.RoomName, doc *crdt.Doc) error {
	view, found, err := bridge.store.FindView(ctx, room.ID)
	if err != nil || !found {
		return err
	}
	sheets, reserved, err := spreadsheet.DecodeSheets(view.Data)
	if err != nil {
		bridge.logWarn("persistence.load", "sheet_data_unparseable", room, err)
		return nil
	}
	return spreadsheet.HydrateDoc(doc, Origin, sheets, reserved)
}

func (bridge *Bridge) persistNote(ctx context.Context, noteID string, doc *crdt.Doc, actor string) error {
	note, found, err := bridge.store.FindNote(ctx, noteID)
	if err != nil || !found {
		return err
	}
	title := note.Title
	var storedTitle string
	if ok, decodeErr := doc.Map(NoteMetaMap).Decode(NoteTitleKey, &storedTitle); ok && decodeErr == nil {
		title = storedTitle
	}
	_, err = bridge.store.UpdateNoteContent(ctx, noteID, store.NoteContent{
		Title:     title,
		Content:   doc.Text(NoteContentText).String(),
		UpdatedBy: actor,
	})
	return err
}

func (bridge *Bridge) persistSpreadsheet(ctx context.Context, viewID string, doc *crdt.Doc, actor string) error {
	view, found, err := bridge.store.FindView(ctx, viewID)
	if err != nil {
		return err
	}
	if !found || view.ViewType != store.ViewTypeSpreadsheet {
		return nil
	}
	encoded, err := spreadsheet.EncodeSheets(spreadsheet.SheetsFromDoc(doc))
	if err != nil {
		return fmt.Errorf("encode sheets: %w", err)
	}
	_, err = bridge.store.UpdateViewData(ctx, viewID, encoded, actor)
	return err
}

func clearOps(doc *crdt.Doc) error {
	if doc.Array(spreadsheet.OpsArray).Len() == 0 {
		return nil
	}
	return doc.Transact(Origin, func(tx *crdt.Txn) error {
		tx.Array(spreadsheet.OpsArray).Clear()
		return nil
	})
}

func (bridge *Bridge) logWarn(operation, reason string, room collab.RoomName, err error) {
	bridge.logger.Warn("persistence degraded",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("room", room.Raw),
		zap.Error(err))
}
