package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/spreadsheet"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/whiteboard"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testClock struct {
	now time.Time
}

func (clock *testClock) Now() time.Time {
	return clock.now
}

func mustStore(testContext *testing.T, clock *testClock) *store.Service {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "bridge.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(store.Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := store.NewService(store.ServiceConfig{Database: database, Clock: clock.Now})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustBridge(testContext *testing.T, backing Store) *Bridge {
	testContext.Helper()
	bridge, err := NewBridge(backing, nil)
	if err != nil {
		testContext.Fatalf("new bridge: %v", err)
	}
	return bridge
}

func newClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func loadRoom(testContext *testing.T, bridge *Bridge, rawName string) *crdt.Doc {
	testContext.Helper()
	doc := crdt.New()
	if err := bridge.OnLoad(context.Background(), collab.ParseRoomName(rawName), doc); err != nil {
		testContext.Fatalf("load %s: %v", rawName, err)
	}
	return doc
}

func TestNewBridgeRequiresStore(testContext *testing.T) {
	if _, err := NewBridge(nil, nil); err == nil {
		testContext.Fatalf("expected error for missing store")
	}
}

func TestOnLoadHydratesNoteWithoutSnapshot(testContext *testing.T) {
	service := mustStore(testContext, newClock())
	if _, err := service.CreateNote(context.Background(), store.Note{NoteID: "n1", Title: "T", Content: "hello"}); err != nil {
		testContext.Fatalf("create note: %v", err)
	}
	doc := loadRoom(testContext, mustBridge(testContext, service), "note:n1")

	if content := doc.Text(NoteContentText).String(); content != "hello" {
		testContext.Fatalf("content = %q", content)
	}
	var title string
	if ok, err := doc.Map(NoteMetaMap).Decode(NoteTitleKey, &title); !ok || err != nil || title != "T" {
		testContext.Fatalf("title = %q ok=%v err=%v", title, ok, err)
	}
}

func TestOnLoadMissingRowsLeaveDocumentEmpty(testContext *testing.T) {
	bridge := mustBridge(testContext, mustStore(testContext, newClock()))
	for _, name := range []string{"note:ghost", "whiteboard:ghost", "spreadsheet:ghost", "unnamed"} {
		doc := loadRoom(testContext, bridge, name)
		if doc.Text(NoteContentText).String() != "" ||
			doc.Map(NoteMetaMap).Len() != 0 ||
			doc.Map(whiteboard.CanvasObjectsMap).Len() != 0 ||
			doc.Map(whiteboard.ViewObjectsMap).Len() != 0 ||
			doc.Map(spreadsheet.SheetsMap).Len() != 0 {
			testContext.Fatalf("%s: expected empty document", name)
		}
	}
}

func TestOnLoadRestoresSnapshotAndClearsOps(testContext *testing.T) {
	service := mustStore(testContext, newClock())
	ctx := context.Background()
	if _, err := service.CreateNote(ctx, store.Note{NoteID: "n1", Content: "from row"}); err != nil {
		testContext.Fatalf("create note: %v", err)
	}

	previous := crdt.New()
	if err := previous.Transact("test", func(tx *crdt.Txn) error {
		tx.Text(NoteContentText).Insert(0, "from snapshot")
		return tx.Array(spreadsheet.OpsArray).Push(spreadsheet.Batch{Ops: []json.RawMessage{json.RawMessage(`{"op":1}`)}})
	}); err != nil {
		testContext.Fatalf("transact: %v", err)
	}
	state, err := previous.EncodeStateAsUpdate()
	if err != nil {
		testContext.Fatalf("encode: %v", err)
	}
	if _, err := service.SaveSnapshot(ctx, "note:n1", state); err != nil {
		testContext.Fatalf("save snapshot: %v", err)
	}

	doc := loadRoom(testContext, mustBridge(testContext, service), "note:n1")
	if content := doc.Text(NoteContentText).String(); content != "from snapshot" {
		testContext.Fatalf("content = %q", content)
	}
	if length := doc.Array(spreadsheet.OpsArray).Len(); length != 0 {
		testContext.Fatalf("stale ops survived load: %d", length)
	}
}

func TestOnLoadFallsBackWhenSnapshotIsUnreadable(testContext *testing.T) {
	service := mustStore(testContext, newClock())
	ctx := context.Background()
	if _, err := service.CreateNote(ctx, store.Note{NoteID: "n1", Title: "T", Content: "hello"}); err != nil {
		testContext.Fatalf("create note: %v", err)
	}
	if _, err := service.SaveSnapshot(ctx, "note:n1", []byte{0x09, 0x09, 0x09}); err != nil {
		testContext.Fatalf("save snapshot: %v", err)
	}

	doc := loadRoom(testContext, mustBridge(testContext, service), "note:n1")
	if content := doc.Text(NoteContentText).String(); content != "hello" {
		testContext.Fatalf("content = %q", content)
	}
}

func TestOnLoadHydratesWhiteboard(testContext *testing.T) {
	service := mustStore(testContext, newClock())
	ctx := context.Background()
	if _, err := service.CreateView(ctx, store.View{
		ViewID:   "wb",
		ViewType: store.ViewTypeWhiteboard,
		Data:     `{"s1":{"id":"s1","type":"stroke","data":{"points":[]}}}`,
	}); err != nil {
		testContext.Fatalf("create view: %v", err)
	}
	if _, err := service.CreateViewObject(ctx, store.ViewObject{ObjectID: "o1", ViewID: "wb", ObjectType: whiteboard.TypeText, Name: "Label", Data: `{"text":"hi"}`, CreatedBy: "alice"}); err != nil {
		testContext.Fatalf("create object: %v", err)
	}

	doc := loadRoom(testContext, mustBridge(testContext, service), "whiteboard:wb")
	if !doc.Map(whiteboard.CanvasObjectsMap).Has("s1") {
		testContext.Fatalf("canvas object not hydrated")
	}
	var object whiteboard.ViewObject
	if ok, err := doc.Map(whiteboard.ViewObjectsMap).Decode("o1", &object); !ok || err != nil {
		testContext.Fatalf("view object not hydrated: ok=%v err=%v", ok, err)
	}
	if object.Name != "Label" || object.CreatedBy != "alice" || string(object.Data) != `{"text":"hi"}` {
		testContext.Fatalf("unexpected view object %+v", object)
	}
}

func TestOnLoadToleratesUnparseableCanvasData(testContext *testing.T) {
	service := mustStore(testContext, newClock())
	ctx := context.Background()
	if _, err := service.CreateView(ctx, store.View{ViewID: "wb", ViewType: store.ViewTypeWhiteboard, Data: "{not json"}); err != nil {
		testContext.Fatalf("create view: %v", err)
	}
	if _, err := service.CreateViewObject(ctx, store.ViewObject{ObjectID: "o1", ViewID: "wb", ObjectType: whiteboard.TypeNote}); err != nil {
		testContext.Fatalf("create object: %v", err)
	}

	doc := loadRoom(testContext, mustBridge(testContext, service), "whiteboard:wb")
	if doc.Map(whiteboard.CanvasObjectsMap).Len() != 0 {
		testContext.Fatalf("unparseable canvas data produced objects")
	}
	if !doc.Map(whiteboard.ViewObjectsMap).Has("o1") {
		testContext.Fatalf("view objects were skipped")
	}
}

func TestOnLoadHydratesSpreadsheetShapes(testContext *testing.T) {
	testCases := []struct {
		name      string
		data      string
		sheetIDs  []string
		reserved  []string
		wantEmpty bool
	}{
		{name: "array of sheets", data: `[{"id":"b","order":2},{"name":"no id"},{"id":"a","order":1}]`, sheetIDs: []string{"a", "b"}},
		{name: "map of sheets", data: `{"s2":{"id":"s2","order":1},"_settings":{"theme":"dark"},"s1":{"id":"s1","order":0}}`, sheetIDs: []string{"s1", "s2"}, reserved: []string{"_settings"}},
		{name: "malformed json", data: `[{"id":`, wantEmpty: true},
		{name: "scalar json", data: `42`, wantEmpty: true},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			service := mustStore(testContext, newClock())
			if _, err := service.CreateView(context.Background(), store.View{ViewID: "sheet", ViewType: store.ViewTypeSpreadsheet, Data: testCase.data}); err != nil {
				testContext.Fatalf("create view: %v", err)
			}
			doc := loadRoom(testContext, mustBridge(testContext, service), "spreadsheet:sheet")

			sheets := spreadsheet.SheetsFromDoc(doc)
			if testCase.wantEmpty {
				if len(sheets) != 0 || doc.Map(spreadsheet.SheetsMap).Len() != 0 {
					testContext.Fatalf("expected empty document, got %d sheets", len(sheets))
				}
				return
			}
			if len(sheets) != len(testCase.sheetIDs) {
				testContext.Fatalf("expected %d sheets, got %d", len(testCase.sheetIDs), len(sheets))
			}
			for index, sheet := range sheets {
				if sheet.ID != testCase.sheetIDs[index] {
					testContext.Fatalf("sheet %d = %s, want %s", index, sheet.ID, testCase.sheetIDs[index])
				}
			}
			for _, key := range testCase.reserved {
				if !doc.Map(spreadsheet.MetaMap).Has(key) {
					testContext.Fatalf("reserved key %s not kept", key)
				}
			}
		})
	}
}

func TestOnStoreReconcilesWhiteboardObjects(testContext *testing.T) {
	clock := newClock()
	service := mustStore(testContext, clock)
	ctx := context.Background()
	if _, err := service.CreateView(ctx, store.View{ViewID: "wb", ViewType: store.ViewTypeWhiteboard}); err != nil {
		testContext.Fatalf("create view: %v", err)
	}
	for _, id := range []string{"A", "B"} {
		if _, err := service.CreateViewObject(ctx, store.ViewObject{ObjectID: id, ViewID: "wb", ObjectType: whiteboard.TypeText, Name: id, Data: "{}"}); err != nil {
			testContext.Fatalf("create object %s: %v", id, err)
		}
	}

	doc := crdt.New()
	if err := doc.Transact("test", func(tx *crdt.Txn) error {
		if err := tx.Map(whiteboard.CanvasObjectsMap).SetRaw("s1", json.RawMessage(`{"id":"s1","type":"stroke"}`)); err != nil {
			return err
		}
		objects := tx.Map(whiteboard.ViewObjectsMap)
		if err := objects.Set("B", whiteboard.ViewObject{ID: "B", Type: whiteboard.TypeText, Name: "B renamed", Data: json.RawMessage(`{}`)}); err != nil {
			return err
		}
		return objects.Set("C", whiteboard.ViewObject{ID: "C", Type: whiteboard.TypeNote, Name: "C", Data: json.RawMessage(`{"width": 10}`)})
	}); err != nil {
		testContext.Fatalf("transact: %v", err)
	}

	bridge := mustBridge(testContext, service)
	room := collab.ParseRoomName("whiteboard:wb")
	clock.now = clock.now.Add(time.Minute)
	if err := bridge.OnStore(ctx, room, doc, collab.StoreContext{Actor: "bob"}); err != nil {
		testContext.Fatalf("store: %v", err)
	}

	rows, err := service.ListViewObjects(ctx, "wb")
	if err != nil {
		testContext.Fatalf("list: %v", err)
	}
	byID := map[string]store.ViewObject{}
	for _, row := range rows {
		byID[row.ObjectID] = row
	}
	if len(byID) != 2 || byID["A"].ObjectID != "" {
		testContext.Fatalf("expected rows B and C, got %+v", rows)
	}
	if byID["B"].Name != "B renamed" || byID["B"].UpdatedBy != "bob" {
		testContext.Fatalf("B not updated: %+v", byID["B"])
	}
	if byID["C"].CreatedBy != "bob" || byID["C"].Data != `{"width":10}` {
		testContext.Fatalf("C not created: %+v", byID["C"])
	}

	view, _, err := service.FindView(ctx, "wb")
	if err != nil {
		testContext.Fatalf("find view: %v", err)
	}
	if view.Data != `{"s1":{"id":"s1","type":"stroke"}}` || view.UpdatedBy != "bob" {
		testContext.Fatalf("canvas data not projected: %+v", view)
	}
	if _, found, _ := service.FindSnapshot(ctx, "whiteboard:wb"); !found {
		testContext.Fatalf("snapshot not saved")
	}

	// A second store with no edits changes nothing.
	updatedAt := view.UpdatedAtSeconds
	clock.now = clock.now.Add(time.Minute)
	if err := bridge.OnStore(ctx, room, doc, collab.StoreContext{Actor: "carol"}); err != nil {
		testContext.Fatalf("second store: %v", err)
	}
	view, _, _ = service.FindView(ctx, "wb")
	if view.UpdatedAtSeconds != updatedAt || view.UpdatedBy != "bob" {
		testContext.Fatalf("idempotent store rewrote the view: %+v", view)
	}
	rows, _ = service.ListViewObjects(ctx, "wb")
	for _, row := range rows {
		if row.UpdatedBy == "carol" {
			testContext.Fatalf("idempotent store rewrote %s", row.ObjectID)
		}
	}
}

func TestOnStoreProjectsNoteAndSpreadsheet(testContext *testing.T) {
	service := mustStore(testContext, newClock())
	ctx := context.Background()
	if _, err := service.CreateNote(ctx, store.Note{NoteID: "n1", Title: "Old", Content: "x"}); err != nil {
		testContext.Fatalf("create note: %v", err)
	}
	if _, err := service.CreateView(ctx, store.View{ViewID: "sheet", ViewType: store.ViewTypeSpreadsheet}); err != nil {
		testContext.Fatalf("create view: %v", err)
	}
	bridge := mustBridge(testContext, service)

	noteDoc := loadRoom(testContext, bridge, "note:n1")
	if err := noteDoc.Transact("test", func(tx *crdt.Txn) error {
		tx.Text(NoteContentText).Insert(1, "yz")
		return tx.Map(NoteMetaMap).Set(NoteTitleKey, "New")
	}); err != nil {
		testContext.Fatalf("edit note: %v", err)
	}
	if err := bridge.OnStore(ctx, collab.ParseRoomName("note:n1"), noteDoc, collab.StoreContext{Actor: "alice"}); err != nil {
		testContext.Fatalf("store note: %v", err)
	}
	note, _, _ := service.FindNote(ctx, "n1")
	if note.Content != "xyz" || note.Title != "New" || note.UpdatedBy != "alice" {
		testContext.Fatalf("note not projected: %+v", note)
	}

	sheetDoc := crdt.New()
	if err := spreadsheet.HydrateDoc(sheetDoc, "test", []spreadsheet.Sheet{
		{ID: "late", Order: 5, Payload: json.RawMessage(`{"id":"late","order":5}`)},
		{ID: "early", Order: 1, Payload: json.RawMessage(`{"id":"early","order":1}`)},
	}, map[string]json.RawMessage{"_meta": json.RawMessage(`{"v":1}`)}); err != nil {
		testContext.Fatalf("hydrate sheets: %v", err)
	}
	if err := bridge.OnStore(ctx, collab.ParseRoomName("spreadsheet:sheet"), sheetDoc, collab.StoreContext{}); err != nil {
		testContext.Fatalf("store sheet: %v", err)
	}
	view, _, _ := service.FindView(ctx, "sheet")
	if view.Data != `[{"id":"early","order":1},{"id":"late","order":5}]` {
		testContext.Fatalf("sheets not projected: %s", view.Data)
	}
}

func TestPersistWhiteboardIgnoresOtherViewTypes(testContext *testing.T) {
	service := mustStore(testContext, newClock())
	ctx := context.Background()
	if _, err := service.CreateView(ctx, store.View{ViewID: "sheet", ViewType: store.ViewTypeSpreadsheet, Data: "[]"}); err != nil {
		testContext.Fatalf("create view: %v", err)
	}
	doc := crdt.New()
	if err := doc.Transact("test", func(tx *crdt.Txn) error {
		return tx.Map(whiteboard.CanvasObjectsMap).SetRaw("s1", json.RawMessage(`{"id":"s1"}`))
	}); err != nil {
		testContext.Fatalf("transact: %v", err)
	}
	if err := mustBridge(testContext, service).PersistWhiteboard(ctx, "sheet", doc, "alice"); err != nil {
		testContext.Fatalf("persist: %v", err)
	}
	view, _, _ := service.FindView(ctx, "sheet")
	if view.Data != "[]" {
		testContext.Fatalf("spreadsheet view overwritten: %s", view.Data)
	}
}

// steppingStore records whiteboard projection steps and slows the first one down.
type steppingStore struct {
	*store.Service

	mu    sync.Mutex
	steps []string
}

func (backing *steppingStore) record(step string) {
	backing.mu.Lock()
	backing.steps = append(backing.steps, step)
	backing.mu.Unlock()
}

func (backing *steppingStore) UpdateViewData(ctx context.Context, viewID string, data string, updatedBy string) (bool, error) {
	backing.record("data:" + updatedBy)
	time.Sleep(30 * time.Millisecond)
	return backing.Service.UpdateViewData(ctx, viewID, data, updatedBy)
}

func (backing *steppingStore) ApplyViewObjectChanges(ctx context.Context, viewID string, changes store.ViewObjectChanges, actor string) error {
	backing.record("objects:" + actor)
	return backing.Service.ApplyViewObjectChanges(ctx, viewID, changes, actor)
}

func whiteboardDoc(testContext *testing.T, canvasID, objectID string) *crdt.Doc {
	testContext.Helper()
	doc := crdt.New()
	if err := doc.Transact("test", func(tx *crdt.Txn) error {
		if err := tx.Map(whiteboard.CanvasObjectsMap).SetRaw(canvasID, json.RawMessage(`{"id":"`+canvasID+`","type":"stroke"}`)); err != nil {
			return err
		}
		return tx.Map(whiteboard.ViewObjectsMap).Set(objectID, whiteboard.ViewObject{ID: objectID, Type: whiteboard.TypeText, Name: objectID, Data: json.RawMessage(`{}`)})
	}); err != nil {
		testContext.Fatalf("transact: %v", err)
	}
	return doc
}

func TestWhiteboardProjectionsFromRoomAndHubDoNotInterleave(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "projections.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	// The snapshot write runs alongside the hub projection; one connection keeps sqlite from reporting busy.
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(store.Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := store.NewService(store.ServiceConfig{Database: database, Clock: newClock().Now})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	ctx := context.Background()
	if _, err := service.CreateView(ctx, store.View{ViewID: "wb", ViewType: store.ViewTypeWhiteboard}); err != nil {
		testContext.Fatalf("create view: %v", err)
	}
	backing := &steppingStore{Service: service}
	bridge := mustBridge(testContext, backing)

	roomDoc := whiteboardDoc(testContext, "room-stroke", "room-object")
	hubDoc := whiteboardDoc(testContext, "hub-stroke", "hub-object")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := bridge.OnStore(ctx, collab.ParseRoomName("whiteboard:wb"), roomDoc, collab.StoreContext{Actor: "room"}); err != nil {
			testContext.Errorf("store: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := bridge.PersistWhiteboard(ctx, "wb", hubDoc, "hub"); err != nil {
			testContext.Errorf("persist: %v", err)
		}
	}()
	wg.Wait()

	backing.mu.Lock()
	steps := append([]string(nil), backing.steps...)
	backing.mu.Unlock()
	if len(steps) != 4 {
		testContext.Fatalf("expected four projection steps, got %v", steps)
	}
	for index := 0; index < len(steps); index += 2 {
		data, objects := steps[index], steps[index+1]
		if "objects:"+data[len("data:"):] != objects {
			testContext.Fatalf("projections interleaved: %v", steps)
		}
	}

	// The last projection owns both the canvas data and the child rows.
	winner := steps[3][len("objects:"):]
	view, _, err := service.FindView(ctx, "wb")
	if err != nil {
		testContext.Fatalf("find view: %v", err)
	}
	rows, err := service.ListViewObjects(ctx, "wb")
	if err != nil {
		testContext.Fatalf("list: %v", err)
	}
	if view.Data != `{"`+winner+`-stroke":{"id":"`+winner+`-stroke","type":"stroke"}}` {
		testContext.Fatalf("expected canvas data from %s, got %s", winner, view.Data)
	}
	if len(rows) != 1 || rows[0].ObjectID != winner+"-object" {
		testContext.Fatalf("expected child rows from %s, got %+v", winner, rows)
	}
}
