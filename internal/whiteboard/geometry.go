package whiteboard

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	defaultCardWidth   = 768
	defaultCardHeight  = 200
	defaultFontSize    = 16
	textWidthPerEm     = 0.6
	minimumLineExtent  = 10
	defaultDisplayText = "Text"
)

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Bounds is an axis-aligned box.
type Bounds struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Side names a connection point at the midpoint of one side of an object's bounds.
type Side string

// Connection sides.
const (
	SideTop    Side = "top"
	SideBottom Side = "bottom"
	SideLeft   Side = "left"
	SideRight  Side = "right"
)

// ConnectionPoint returns the position of side on bounds.
func (bounds Bounds) ConnectionPoint(side Side) (Point, bool) {
	switch side {
	case SideTop:
		return Point{X: bounds.X + bounds.Width/2, Y: bounds.Y}, true
	case SideBottom:
		return Point{X: bounds.X + bounds.Width/2, Y: bounds.Y + bounds.Height}, true
	case SideLeft:
		return Point{X: bounds.X, Y: bounds.Y + bounds.Height/2}, true
	case SideRight:
		return Point{X: bounds.X + bounds.Width, Y: bounds.Y + bounds.Height/2}, true
	default:
		return Point{}, false
	}
}

type dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type strokeData struct {
	Points []*Point `json:"points"`
}

type shapeData struct {
	Type       string     `json:"type"`
	Position   Point      `json:"position"`
	Dimensions dimensions `json:"dimensions"`
}

type textData struct {
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize"`
	Position Point   `json:"position"`
}

type cardData struct {
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Position Point   `json:"position"`
}

type edgeData struct {
	StartObjectID        string `json:"startObjectId"`
	EndObjectID          string `json:"endObjectId"`
	StartConnectionPoint Side   `json:"startConnectionPoint"`
	EndConnectionPoint   Side   `json:"endConnectionPoint"`
}

// CanvasObjectBounds returns the bounds of a stroke or shape.
func CanvasObjectBounds(raw json.RawMessage) (Bounds, bool) {
	var object CanvasObject
	if err := json.Unmarshal(raw, &object); err != nil {
		return Bounds{}, false
	}
	data := decodeEncodedJSON(object.Data)
	switch object.Type {
	case CanvasStroke:
		var stroke strokeData
		if err := json.Unmarshal(data, &stroke); err != nil {
			return Bounds{}, false
		}
		minX, minY := math.Inf(1), math.Inf(1)
		maxX, maxY := math.Inf(-1), math.Inf(-1)
		valid := 0
		for _, point := range stroke.Points {
			if point == nil {
				continue
			}
			valid++
			minX, maxX = math.Min(minX, point.X), math.Max(maxX, point.X)
			minY, maxY = math.Min(minY, point.Y), math.Max(maxY, point.Y)
		}
		if valid == 0 {
			return Bounds{}, false
		}
		return Bounds{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}, true
	case CanvasShape:
		var shape shapeData
		if err := json.Unmarshal(data, &shape); err != nil {
			return Bounds{}, false
		}
		return shapeBounds(shape)
	default:
		return Bounds{}, false
	}
}

func shapeBounds(shape shapeData) (Bounds, bool) {
	position, size := shape.Position, shape.Dimensions
	switch shape.Type {
	case "rectangle":
		return Bounds{X: position.X, Y: position.Y, Width: size.Width, Height: size.Height}, true
	case "circle":
		radius := math.Hypot(size.Width, size.Height)
		return Bounds{X: position.X - radius, Y: position.Y - radius, Width: radius * 2, Height: radius * 2}, true
	case "line":
		minX := math.Min(position.X, position.X+size.Width)
		maxX := math.Max(position.X, position.X+size.Width)
		minY := math.Min(position.Y, position.Y+size.Height)
		maxY := math.Max(position.Y, position.Y+size.Height)
		return Bounds{X: minX, Y: minY, Width: orMinimum(maxX - minX), Height: orMinimum(maxY - minY)}, true
	default:
		return Bounds{}, false
	}
}

func orMinimum(extent float64) float64 {
	if extent == 0 {
		return minimumLineExtent
	}
	return extent
}

// ViewObjectBounds returns the bounds of a placed view object. Edges have none.
func ViewObjectBounds(raw json.RawMessage) (Bounds, bool) {
	var object ViewObject
	if err := json.Unmarshal(raw, &object); err != nil {
		return Bounds{}, false
	}
	data := decodeEncodedJSON(object.Data)
	switch object.Type {
	case TypeText:
		var text textData
		if err := json.Unmarshal(data, &text); err != nil {
			return Bounds{}, false
		}
		fontSize := text.FontSize
		if fontSize <= 0 {
			fontSize = defaultFontSize
		}
		display := strings.TrimSpace(text.Text)
		if display == "" {
			display = defaultDisplayText
		}
		width := textWidthPerEm * fontSize * float64(utf8.RuneCountInString(display))
		return Bounds{X: text.Position.X, Y: text.Position.Y - fontSize, Width: width, Height: fontSize}, true
	case TypeNote, TypeView:
		var card cardData
		if err := json.Unmarshal(data, &card); err != nil {
			return Bounds{}, false
		}
		width, height := card.Width, card.Height
		if width == 0 {
			width = defaultCardWidth
		}
		if height == 0 {
			height = defaultCardHeight
		}
		return Bounds{X: card.Position.X, Y: card.Position.Y, Width: width, Height: height}, true
	default:
		return Bounds{}, false
	}
}

// ObjectBounds looks id up among canvas objects first, then view objects.
func ObjectBounds(id string, canvasObjects, viewObjects map[string]json.RawMessage) (Bounds, bool) {
	if raw, ok := canvasObjects[id]; ok {
		if bounds, found := CanvasObjectBounds(raw); found {
			return bounds, true
		}
	}
	if raw, ok := viewObjects[id]; ok {
		return ViewObjectBounds(raw)
	}
	return Bounds{}, false
}

// UpdateConnectedEdges recomputes the rendered endpoints of every edge attached to movedID and
// returns the changed edges, ordered by id. Fields the edge carries beyond its endpoints are kept.
func UpdateConnectedEdges(movedID string, canvasObjects, viewObjects map[string]json.RawMessage) []json.RawMessage {
	bounds, ok := ObjectBounds(movedID, canvasObjects, viewObjects)
	if !ok {
		return nil
	}

	ids := make([]string, 0, len(viewObjects))
	for id := range viewObjects {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var updated []json.RawMessage
	for _, id := range ids {
		edge, changed := moveEdge(viewObjects[id], movedID, bounds)
		if changed {
			updated = append(updated, edge)
		}
	}
	return updated
}

func moveEdge(raw json.RawMessage, movedID string, bounds Bounds) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	var objectType string
	_ = json.Unmarshal(fields["type"], &objectType)
	if objectType != TypeEdge {
		return nil, false
	}

	dataRaw := decodeEncodedJSON(fields["data"])
	var data map[string]json.RawMessage
	if err := json.Unmarshal(dataRaw, &data); err != nil || data == nil {
		return nil, false
	}
	var edge edgeData
	if err := json.Unmarshal(dataRaw, &edge); err != nil {
		return nil, false
	}

	changed := false
	if edge.StartObjectID == movedID && edge.StartConnectionPoint != "" {
		if point, ok := bounds.ConnectionPoint(edge.StartConnectionPoint); ok {
			data["startPoint"], _ = json.Marshal(point)
			changed = true
		}
	}
	if edge.EndObjectID == movedID && edge.EndConnectionPoint != "" {
		if point, ok := bounds.ConnectionPoint(edge.EndConnectionPoint); ok {
			data["endPoint"], _ = json.Marshal(point)
			changed = true
		}
	}
	if !changed {
		return nil, false
	}

	encodedData, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	fields["data"] = encodedData
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, false
	}
	return encoded, true
}
