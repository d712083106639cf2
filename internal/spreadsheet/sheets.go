// Package spreadsheet forwards fine-grained spreadsheet edits through a bounded op log in the shared
// document and keeps the authoritative sheet list in a map keyed by sheet id.
package spreadsheet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
)

// Document container names.
const (
	SheetsMap = "spreadsheet"
	MetaMap   = "spreadsheet-meta"
	OpsArray  = "ops"

	reservedPrefix = "_"
)

var (
	// ErrMissingSheetID reports a sheet payload without an id.
	ErrMissingSheetID = errors.New("spreadsheet: sheet id is required")
	// ErrInvalidSheet reports a sheet payload that is not a JSON object.
	ErrInvalidSheet = errors.New("spreadsheet: sheet must be a JSON object")
)

// Sheet is one spreadsheet tab. Payload is the complete sheet object, including id and order.
type Sheet struct {
	ID      string
	Order   float64
	Payload json.RawMessage
}

type sheetHeader struct {
	ID    json.RawMessage `json:"id"`
	Order json.RawMessage `json:"order"`
}

// ParseSheet reads the id and order of a sheet payload.
func ParseSheet(payload json.RawMessage) (Sheet, error) {
	var header sheetHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		return Sheet{}, fmt.Errorf("%w: %v", ErrInvalidSheet, err)
	}
	id := scalarString(header.ID)
	if id == "" {
		return Sheet{}, ErrMissingSheetID
	}
	return Sheet{ID: id, Order: numericOrder(header.Order), Payload: payload}, nil
}

// IsReserved reports whether key names internal metadata rather than a sheet.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, reservedPrefix)
}

// SortSheets orders sheets by numeric order. Equal orders keep their relative position.
func SortSheets(sheets []Sheet) {
	sort.SliceStable(sheets, func(left, right int) bool {
		return sheets[left].Order < sheets[right].Order
	})
}

// DecodeSheets parses a stored blob holding either an array of sheets or an object of sheets keyed
// by id. Array entries without an id are skipped. Reserved object keys are returned separately.
// An empty blob decodes to nothing.
func DecodeSheets(blob string) ([]Sheet, map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace([]byte(blob))
	if len(trimmed) == 0 {
		return nil, nil, nil
	}
	switch trimmed[0] {
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, nil, err
		}
		sheets := make([]Sheet, 0, len(entries))
		for _, entry := range entries {
			sheet, err := ParseSheet(entry)
			if err != nil {
				continue
			}
			sheets = append(sheets, sheet)
		}
		return sheets, nil, nil
	case '{':
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, nil, err
		}
		keys := make([]string, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		sheets := make([]Sheet, 0, len(keys))
		reserved := make(map[string]json.RawMessage)
		for _, key := range keys {
			if IsReserved(key) {
				reserved[key] = entries[key]
				continue
			}
			var header sheetHeader
			_ = json.Unmarshal(entries[key], &header)
			sheets = append(sheets, Sheet{ID: key, Order: numericOrder(header.Order), Payload: entries[key]})
		}
		return sheets, reserved, nil
	default:
		if !json.Valid(trimmed) {
			return nil, nil, fmt.Errorf("%w: unparseable blob", ErrInvalidSheet)
		}
		return nil, nil, nil
	}
}

// EncodeSheets serializes sheets, in the given order, as a JSON array.
func EncodeSheets(sheets []Sheet) (string, error) {
	payloads := make([]json.RawMessage, 0, len(sheets))
	for _, sheet := range sheets {
		payloads = append(payloads, sheet.Payload)
	}
	encoded, err := json.Marshal(payloads)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// SheetsFromDoc returns the sheets held in doc, sorted. Reserved keys are skipped.
func SheetsFromDoc(doc *crdt.Doc) []Sheet {
	entries := doc.Map(SheetsMap).Entries()
	keys := make([]string, 0, len(entries))
	for key := range entries {
		if IsReserved(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	sheets := make([]Sheet, 0, len(keys))
	for _, key := range keys {
		var header sheetHeader
		_ = json.Unmarshal(entries[key], &header)
		sheets = append(sheets, Sheet{ID: key, Order: numericOrder(header.Order), Payload: entries[key]})
	}
	SortSheets(sheets)
	return sheets
}

// HydrateDoc writes sheets and reserved metadata into doc in one transaction.
func HydrateDoc(doc *crdt.Doc, origin any, sheets []Sheet, reserved map[string]json.RawMessage) error {
	if len(sheets) == 0 && len(reserved) == 0 {
		return nil
	}
	return doc.Transact(origin, func(tx *crdt.Txn) error {
		sheetMap := tx.Map(SheetsMap)
		for _, sheet := range sheets {
			if err := sheetMap.SetRaw(sheet.ID, sheet.Payload); err != nil {
				return err
			}
		}
		metaMap := tx.Map(MetaMap)
		for key, value := range reserved {
			if err := metaMap.SetRaw(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return number.String()
	}
	return ""
}

func numericOrder(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if parsed, parseErr := strconv.ParseFloat(strings.TrimSpace(text), 64); parseErr == nil {
			return parsed
		}
	}
	return 0
}
