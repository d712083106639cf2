package crdt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

const formatVersion byte = 1

var (
	// ErrMalformedUpdate reports an update that cannot be decoded.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
)

// ID identifies a single operation by Lamport clock and the replica that produced it.
type ID struct {
	Clock  uint64 `json:"c"`
	Client string `json:"r"`
}

func (id ID) less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

type mapEntry struct {
	Value   json.RawMessage `json:"v,omitempty"`
	Deleted bool            `json:"d,omitempty"`
	Stamp   ID              `json:"s"`
}

type seqItem struct {
	ID      ID              `json:"i"`
	Origin  *ID             `json:"o,omitempty"`
	Value   json.RawMessage `json:"v,omitempty"`
	Text    string          `json:"t,omitempty"`
	Deleted bool            `json:"d,omitempty"`
}

type seqDelta struct {
	Items   []seqItem `json:"i,omitempty"`
	Deleted []ID      `json:"d,omitempty"`
}

type updatePayload struct {
	Maps   map[string]map[string]mapEntry `json:"m,omitempty"`
	Texts  map[string]*seqDelta           `json:"t,omitempty"`
	Arrays map[string]*seqDelta           `json:"a,omitempty"`
}

func newUpdatePayload() *updatePayload {
	return &updatePayload{
		Maps:   make(map[string]map[string]mapEntry),
		Texts:  make(map[string]*seqDelta),
		Arrays: make(map[string]*seqDelta),
	}
}

func (payload *updatePayload) empty() bool {
	for _, entries := range payload.Maps {
		if len(entries) > 0 {
			return false
		}
	}
	for _, delta := range payload.Texts {
		if len(delta.Items) > 0 || len(delta.Deleted) > 0 {
			return false
		}
	}
	for _, delta := range payload.Arrays {
		if len(delta.Items) > 0 || len(delta.Deleted) > 0 {
			return false
		}
	}
	return true
}

func (payload *updatePayload) mapDelta(name string) map[string]mapEntry {
	entries, ok := payload.Maps[name]
	if !ok {
		entries = make(map[string]mapEntry)
		payload.Maps[name] = entries
	}
	return entries
}

func seqDeltaFor(deltas map[string]*seqDelta, name string) *seqDelta {
	delta, ok := deltas[name]
	if !ok {
		delta = &seqDelta{}
		deltas[name] = delta
	}
	return delta
}

// encodePayload produces the binary form: one version byte followed by a snappy block of JSON.
func encodePayload(payload *updatePayload) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode update: %w", err)
	}
	compressed := snappy.Encode(nil, body)
	encoded := make([]byte, 0, len(compressed)+1)
	encoded = append(encoded, formatVersion)
	return append(encoded, compressed...), nil
}

func decodePayload(data []byte) (*updatePayload, error) {
	if len(data) < 2 || data[0] != formatVersion {
		return nil, ErrMalformedUpdate
	}
	body, err := snappy.Decode(nil, data[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	payload := newUpdatePayload()
	if err := json.Unmarshal(body, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if payload.Maps == nil {
		payload.Maps = make(map[string]map[string]mapEntry)
	}
	if payload.Texts == nil {
		payload.Texts = make(map[string]*seqDelta)
	}
	if payload.Arrays == nil {
		payload.Arrays = make(map[string]*seqDelta)
	}
	return payload, nil
}
