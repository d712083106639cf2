package whiteboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
)

// ErrViewNotFound reports a view the canonical source does not know.
var ErrViewNotFound = errors.New("whiteboard: view not found")

// Source reads the canonical relational state of a view.
type Source interface {
	FetchView(ctx context.Context, viewID string) (store.View, error)
	FetchViewObjects(ctx context.Context, viewID string) ([]store.ViewObject, error)
}

// HTTPSource reads views through the REST API.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
	Header  http.Header
}

// FetchView implements Source with GET /api/views/{id}.
func (source HTTPSource) FetchView(ctx context.Context, viewID string) (store.View, error) {
	var view store.View
	if err := source.getJSON(ctx, "/api/views/"+url.PathEscape(viewID), &view); err != nil {
		return store.View{}, err
	}
	return view, nil
}

// FetchViewObjects implements Source with GET /api/views/{id}/objects.
func (source HTTPSource) FetchViewObjects(ctx context.Context, viewID string) ([]store.ViewObject, error) {
	var objects []store.ViewObject
	if err := source.getJSON(ctx, "/api/views/"+url.PathEscape(viewID)+"/objects", &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

func (source HTTPSource) getJSON(ctx context.Context, path string, target any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(source.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	for key, values := range source.Header {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	request.Header.Set("Accept", "application/json")

	client := source.Client
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("whiteboard: fetch %s: %w", path, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return ErrViewNotFound
	case response.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("whiteboard: fetch %s: status %d: %s", path, response.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("whiteboard: decode %s: %w", path, err)
	}
	return nil
}

// SeedFromSource converts the canonical view into the canvas and view object maps carried by
// initialize_data. Canvas objects come from the view's data blob; unparseable blobs seed nothing.
func SeedFromSource(view store.View, objects []store.ViewObject) (map[string]json.RawMessage, map[string]json.RawMessage) {
	canvasObjects := make(map[string]json.RawMessage)
	if strings.TrimSpace(view.Data) != "" {
		var parsed map[string]json.RawMessage
		if err := json.Unmarshal([]byte(view.Data), &parsed); err == nil {
			for id, raw := range parsed {
				canvasObjects[id] = raw
			}
		}
	}
	delete(canvasObjects, initializedMarker)

	viewObjects := make(map[string]json.RawMessage, len(objects))
	for _, row := range objects {
		object := ViewObject{
			ID:               row.ObjectID,
			Type:             row.ObjectType,
			Name:             row.Name,
			Data:             DataValue(row.Data),
			CreatedBy:        row.CreatedBy,
			UpdatedBy:        row.UpdatedBy,
			CreatedAtSeconds: row.CreatedAtSeconds,
			UpdatedAtSeconds: row.UpdatedAtSeconds,
		}
		raw, err := json.Marshal(object)
		if err != nil {
			continue
		}
		if normalized, err := NormalizeViewObject(raw); err == nil {
			raw = normalized
		}
		viewObjects[row.ObjectID] = raw
	}
	return canvasObjects, viewObjects
}
