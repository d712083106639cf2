package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/persistence"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/whiteboard"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/wsconn"
	"github.com/gin-gonic/gin"
)

func (env *testEnvironment) socketURL(path string) string {
	return "ws" + strings.TrimPrefix(env.server.URL, "http") + path
}

func runInBackground(t *testing.T, run func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal(message)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWhiteboardSocketSeedsFromRecordsAndProjects(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	if _, err := env.store.CreateView(ctx, store.View{
		ViewID:     "view-1",
		ViewType:   store.ViewTypeWhiteboard,
		Data:       `{"s1":{"id":"s1","type":"stroke","data":{"points":[{"x":1,"y":2}]}}}`,
		Visibility: store.VisibilityPublic,
	}); err != nil {
		t.Fatalf("create view: %v", err)
	}
	if _, err := env.store.CreateViewObject(ctx, store.ViewObject{
		ObjectID:   "note-1",
		ViewID:     "view-1",
		Name:       "Agenda",
		ObjectType: "note",
		Data:       `{"x":10,"y":20}`,
	}); err != nil {
		t.Fatalf("create view object: %v", err)
	}

	token := env.token(t, "user-a")
	writer, err := whiteboard.NewParticipant(whiteboard.ParticipantConfig{
		URL:    env.socketURL("/ws/views/view-1?access_token=" + token),
		ViewID: "view-1",
		Source: whiteboard.HTTPSource{
			BaseURL: env.server.URL,
			Client:  env.server.Client(),
			Header:  http.Header{"Authorization": []string{"Bearer " + token}},
		},
		ReconnectDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	runInBackground(t, writer.Run)
	waitFor(t, func() bool { return writer.State() == whiteboard.StateInitialized }, "writer never initialized")

	viewer, err := whiteboard.NewParticipant(whiteboard.ParticipantConfig{
		URL:            env.socketURL("/ws/public/views/view-1"),
		ViewID:         "view-1",
		ReadOnly:       true,
		ReconnectDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}
	runInBackground(t, viewer.Run)
	waitFor(t, func() bool { return viewer.State() == whiteboard.StateInitialized }, "viewer never initialized")

	if _, ok := viewer.CanvasObjects()["s1"]; !ok {
		t.Fatalf("expected seeded canvas object, got %v", viewer.CanvasObjects())
	}
	if _, ok := viewer.ViewObjects()["note-1"]; !ok {
		t.Fatalf("expected seeded view object, got %v", viewer.ViewObjects())
	}
	if err := viewer.AddCanvasObject(ctx, json.RawMessage(`{"id":"v1","type":"stroke"}`)); err != whiteboard.ErrReadOnly {
		t.Fatalf("expected read-only rejection, got %v", err)
	}

	if err := writer.AddCanvasObject(ctx, json.RawMessage(`{"id":"s2","type":"shape","data":{"shapeType":"rectangle","x":0,"y":0,"width":5,"height":5}}`)); err != nil {
		t.Fatalf("add canvas object: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := viewer.CanvasObjects()["s2"]
		return ok
	}, "viewer never received the new canvas object")

	if err := env.hub.PersistAll(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	view, found, err := env.store.FindView(ctx, "view-1")
	if err != nil || !found {
		t.Fatalf("find view: found=%v err=%v", found, err)
	}
	var canvas map[string]json.RawMessage
	if err := json.Unmarshal([]byte(view.Data), &canvas); err != nil {
		t.Fatalf("decode canvas data: %v", err)
	}
	if _, ok := canvas["s1"]; !ok {
		t.Fatalf("expected s1 in projected canvas, got %s", view.Data)
	}
	if _, ok := canvas["s2"]; !ok {
		t.Fatalf("expected s2 in projected canvas, got %s", view.Data)
	}
	if view.UpdatedBy != "user-a" {
		t.Fatalf("expected user-a attribution, got %q", view.UpdatedBy)
	}
}

func TestDocumentSocketHydratesAndStoresNote(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	if _, err := env.store.CreateNote(ctx, store.Note{NoteID: "note-1", Title: "T", Content: "hello"}); err != nil {
		t.Fatalf("create note: %v", err)
	}

	doc := crdt.New()
	provider, err := collab.NewProvider(collab.ProviderConfig{
		URL:            env.socketURL("/ws/collab/note:note-1?access_token=" + env.token(t, "user-a")),
		Doc:            doc,
		ReconnectDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	runInBackground(t, provider.Run)

	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := provider.WaitSynced(syncCtx); err != nil {
		t.Fatalf("wait synced: %v", err)
	}
	if content := doc.Text(persistence.NoteContentText).String(); content != "hello" {
		t.Fatalf("expected hydrated content, got %q", content)
	}

	if err := doc.Transact(nil, func(tx *crdt.Txn) error {
		tx.Text(persistence.NoteContentText).Insert(5, " world")
		return nil
	}); err != nil {
		t.Fatalf("edit: %v", err)
	}

	waitFor(t, func() bool {
		note, found, err := env.store.FindNote(ctx, "note-1")
		return err == nil && found && note.Content == "hello world" && note.UpdatedBy == "user-a"
	}, "note row never reflected the edit")
}

func TestPublicDocumentSocketIgnoresWrites(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	if _, err := env.store.CreateNote(ctx, store.Note{NoteID: "note-2", Title: "T", Content: "fixed", Visibility: store.VisibilityPublic}); err != nil {
		t.Fatalf("create note: %v", err)
	}

	doc := crdt.New()
	provider, err := collab.NewProvider(collab.ProviderConfig{
		URL:            env.socketURL("/ws/public/collab/note:note-2"),
		Doc:            doc,
		ReconnectDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	runInBackground(t, provider.Run)

	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := provider.WaitSynced(syncCtx); err != nil {
		t.Fatalf("wait synced: %v", err)
	}
	if err := doc.Transact(nil, func(tx *crdt.Txn) error {
		tx.Text(persistence.NoteContentText).Insert(0, "vandal ")
		return nil
	}); err != nil {
		t.Fatalf("edit: %v", err)
	}

	if err := env.host.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	note, _, err := env.store.FindNote(ctx, "note-2")
	if err != nil {
		t.Fatalf("find note: %v", err)
	}
	if note.Content != "fixed" {
		t.Fatalf("expected read-only session to leave the note untouched, got %q", note.Content)
	}
}

func TestWebsocketUpgradeThroughGin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(nil))
	router.GET("/ws/echo", func(c *gin.Context) {
		conn, err := wsconn.Accept(upgradeWriter(c), c.Request, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close("done")
		payload, err := conn.Read(c.Request.Context())
		if err != nil {
			return
		}
		_ = conn.Write(c.Request.Context(), payload)
	})
	server := httptest.NewServer(router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := wsconn.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http")+"/ws/echo", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close("done")
	if err := conn.Write(ctx, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	payload, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(payload) != `{"type":"ping"}` {
		t.Fatalf("unexpected echo %q", payload)
	}
}

func TestPublicSocketsRequirePublicRecords(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	for _, note := range []store.Note{
		{NoteID: "note-private", Title: "P"},
		{NoteID: "note-public", Title: "O", Visibility: store.VisibilityPublic},
	} {
		if _, err := env.store.CreateNote(ctx, note); err != nil {
			t.Fatalf("create note: %v", err)
		}
	}
	for _, view := range []store.View{
		{ViewID: "board-private", ViewType: store.ViewTypeWhiteboard},
		{ViewID: "sheet-private", ViewType: store.ViewTypeSpreadsheet},
		{ViewID: "board-public", ViewType: store.ViewTypeWhiteboard, Visibility: store.VisibilityPublic},
	} {
		if _, err := env.store.CreateView(ctx, view); err != nil {
			t.Fatalf("create view: %v", err)
		}
	}

	// A plain GET that passes the gate reaches the handshake, which demands an upgrade.
	testCases := []struct {
		name   string
		path   string
		status int
	}{
		{name: "private whiteboard view", path: "/ws/public/views/board-private", status: http.StatusForbidden},
		{name: "missing whiteboard view", path: "/ws/public/views/absent", status: http.StatusNotFound},
		{name: "public whiteboard view", path: "/ws/public/views/board-public", status: http.StatusUpgradeRequired},
		{name: "private note room", path: "/ws/public/collab/note:note-private", status: http.StatusForbidden},
		{name: "private spreadsheet room", path: "/ws/public/collab/spreadsheet:sheet-private", status: http.StatusForbidden},
		{name: "private whiteboard room", path: "/ws/public/collab/whiteboard:board-private", status: http.StatusForbidden},
		{name: "missing note room", path: "/ws/public/collab/note:absent", status: http.StatusNotFound},
		{name: "unknown room kind", path: "/ws/public/collab/draft:note-public", status: http.StatusNotFound},
		{name: "public note room", path: "/ws/public/collab/note:note-public", status: http.StatusUpgradeRequired},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			response := env.get(t, testCase.path, "")
			if response.StatusCode != testCase.status {
				t.Fatalf("expected status %d, got %d", testCase.status, response.StatusCode)
			}
		})
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := wsconn.Dial(dialCtx, env.socketURL("/ws/public/collab/note:note-private"), nil); err == nil {
		t.Fatalf("expected the handshake for a private note to be refused")
	}
}
