package whiteboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
)

func TestHTTPSourceFetchesViewAndObjects(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Authorization") != "Bearer token" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		switch request.URL.Path {
		case "/api/views/board-1":
			_ = json.NewEncoder(writer).Encode(store.View{ViewID: "board-1", ViewType: store.ViewTypeWhiteboard, Data: `{}`})
		case "/api/views/board-1/objects":
			_ = json.NewEncoder(writer).Encode([]store.ViewObject{{ObjectID: "o1", ViewID: "board-1", ObjectType: TypeText}})
		default:
			writer.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	source := HTTPSource{BaseURL: server.URL + "/", Header: http.Header{"Authorization": []string{"Bearer token"}}}
	view, err := source.FetchView(context.Background(), "board-1")
	if err != nil {
		testContext.Fatalf("fetch view: %v", err)
	}
	if view.ViewID != "board-1" || view.ViewType != store.ViewTypeWhiteboard {
		testContext.Fatalf("unexpected view %+v", view)
	}
	objects, err := source.FetchViewObjects(context.Background(), "board-1")
	if err != nil {
		testContext.Fatalf("fetch objects: %v", err)
	}
	if len(objects) != 1 || objects[0].ObjectID != "o1" {
		testContext.Fatalf("unexpected objects %+v", objects)
	}

	if _, err := source.FetchView(context.Background(), "missing"); !errors.Is(err, ErrViewNotFound) {
		testContext.Fatalf("expected ErrViewNotFound, got %v", err)
	}
	unauthenticated := HTTPSource{BaseURL: server.URL}
	if _, err := unauthenticated.FetchView(context.Background(), "board-1"); err == nil {
		testContext.Fatalf("expected status error")
	}
}

func TestSeedFromSourceConvertsRows(testContext *testing.T) {
	view := store.View{Data: `{"s1":{"id":"s1","type":"stroke"},"_initialized":true}`}
	rows := []store.ViewObject{
		{ObjectID: "slot", ObjectType: TypeCalendarSlot, Name: "Slot", Data: `"2024-01-05"`, CreatedBy: "alice", CreatedAtSeconds: 7},
		{ObjectID: "label", ObjectType: TypeText, Data: "not json"},
	}
	canvasObjects, viewObjects := SeedFromSource(view, rows)

	if len(canvasObjects) != 1 || canvasObjects["s1"] == nil {
		testContext.Fatalf("unexpected canvas objects %v", canvasObjects)
	}
	var slot struct {
		ViewObject
		Data CalendarSlot `json:"data"`
	}
	if err := json.Unmarshal(viewObjects["slot"], &slot); err != nil {
		testContext.Fatalf("decode slot: %v", err)
	}
	if slot.Data.Date != "2024-01-05" || slot.Data.Version != CalendarSlotVersion || slot.CreatedBy != "alice" || slot.CreatedAtSeconds != 7 {
		testContext.Fatalf("unexpected slot %s", viewObjects["slot"])
	}
	var label ViewObject
	if err := json.Unmarshal(viewObjects["label"], &label); err != nil || string(label.Data) != `"not json"` {
		testContext.Fatalf("unexpected label %s", viewObjects["label"])
	}

	canvasObjects, _ = SeedFromSource(store.View{Data: "{broken"}, nil)
	if len(canvasObjects) != 0 {
		testContext.Fatalf("broken canvas blob seeded objects")
	}
}
