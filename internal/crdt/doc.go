// Package crdt implements the replicated document shared by collaborative rooms: named maps with
// last-writer-wins entries, replicated text, and replicated arrays, exchanged as binary updates.
package crdt

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Doc is one replica of a shared document. It is safe for concurrent use; observers run after the
// document lock is released and may start new transactions.
type Doc struct {
	mu     sync.Mutex
	client string
	clock  uint64
	maps   map[string]map[string]*mapEntry
	texts  map[string]*sequence
	arrays map[string]*sequence

	observers observerSet
}

// Option customizes a Doc.
type Option func(*Doc)

// WithClientID fixes the replica identifier, mostly for deterministic tests.
func WithClientID(clientID string) Option {
	return func(doc *Doc) {
		if clientID != "" {
			doc.client = clientID
		}
	}
}

// New creates an empty document replica.
func New(options ...Option) *Doc {
	doc := &Doc{
		client: uuid.NewString(),
		maps:   make(map[string]map[string]*mapEntry),
		texts:  make(map[string]*sequence),
		arrays: make(map[string]*sequence),
	}
	for _, option := range options {
		option(doc)
	}
	return doc
}

// ClientID returns the replica identifier stamped on local operations.
func (doc *Doc) ClientID() string {
	return doc.client
}

// Transact runs fn as one atomic change. Observers see a single event per touched container and a
// single update. Mutations applied before fn returns an error are kept.
func (doc *Doc) Transact(origin any, fn func(tx *Txn) error) error {
	doc.mu.Lock()
	tx := &Txn{doc: doc, origin: origin, delta: newUpdatePayload(), events: newEventSet()}
	fnErr := fn(tx)
	tx.closed = true
	if tx.delta.empty() {
		doc.mu.Unlock()
		return fnErr
	}
	encoded, encodeErr := encodePayload(tx.delta)
	doc.mu.Unlock()

	doc.observers.deliver(tx.events, origin, true)
	if encodeErr == nil {
		doc.observers.deliverUpdate(UpdateEvent{Update: encoded, Origin: origin, Local: true})
	}
	if fnErr != nil {
		return fnErr
	}
	return encodeErr
}

// ApplyUpdate merges a binary update produced by any replica. Applying the same update twice, or
// updates in any order, yields the same state.
func (doc *Doc) ApplyUpdate(data []byte, origin any) error {
	payload, err := decodePayload(data)
	if err != nil {
		return err
	}

	doc.mu.Lock()
	applied := newUpdatePayload()
	events := newEventSet()

	for name, entries := range payload.Maps {
		target := doc.mapEntries(name)
		keys := make([]string, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			incoming := entries[key]
			doc.observeClock(incoming.Stamp)
			current, exists := target[key]
			if exists && !current.Stamp.less(incoming.Stamp) {
				continue
			}
			entry := incoming
			target[key] = &entry
			applied.mapDelta(name)[key] = entry
			events.touchMap(name, key)
		}
	}

	for name, delta := range payload.Texts {
		seq := doc.textSequence(name)
		if doc.mergeSequence(seq, delta, seqDeltaFor(applied.Texts, name)) {
			events.touchText(name)
		}
	}

	for name, delta := range payload.Arrays {
		seq := doc.arraySequence(name)
		result := seqDeltaFor(applied.Arrays, name)
		before := seq.visibleLen()
		if !doc.mergeSequence(seq, delta, result) {
			continue
		}
		event := events.touchArray(name)
		inserted := make(map[ID]bool, len(result.Items))
		for _, item := range result.Items {
			inserted[item.ID] = true
		}
		insertedVisible := 0
		for _, item := range seq.items {
			if inserted[item.ID] && !item.Deleted {
				event.Inserted = append(event.Inserted, cloneRaw(item.Value))
				insertedVisible++
			}
		}
		if removed := before + insertedVisible - seq.visibleLen(); removed > 0 {
			event.Deleted += removed
		}
	}

	if applied.empty() {
		doc.mu.Unlock()
		return nil
	}
	encoded, encodeErr := encodePayload(applied)
	doc.mu.Unlock()

	doc.observers.deliver(events, origin, false)
	if encodeErr != nil {
		return encodeErr
	}
	doc.observers.deliverUpdate(UpdateEvent{Update: encoded, Origin: origin, Local: false})
	return nil
}

// mergeSequence integrates remote items and deletions into seq, recording what changed into result.
func (doc *Doc) mergeSequence(seq *sequence, delta *seqDelta, result *seqDelta) bool {
	if delta == nil {
		return false
	}
	changed := false
	items := make([]seqItem, len(delta.Items))
	copy(items, delta.Items)
	sort.Slice(items, func(left, right int) bool {
		return items[left].ID.less(items[right].ID)
	})
	for index := range items {
		item := items[index]
		doc.observeClock(item.ID)
		stored := item
		if seq.integrate(&stored) {
			result.Items = append(result.Items, stored)
			changed = true
		}
		for _, late := range seq.drainPending() {
			result.Items = append(result.Items, *late)
			changed = true
		}
	}
	for _, id := range delta.Deleted {
		if seq.markDeleted(id) {
			result.Deleted = append(result.Deleted, id)
			changed = true
		}
	}
	return changed
}

// EncodeStateAsUpdate encodes the complete document state. Applying it to an empty replica
// reproduces this document.
func (doc *Doc) EncodeStateAsUpdate() ([]byte, error) {
	doc.mu.Lock()
	defer doc.mu.Unlock()

	state := newUpdatePayload()
	for name, entries := range doc.maps {
		target := state.mapDelta(name)
		for key, entry := range entries {
			target[key] = *entry
		}
	}
	for name, seq := range doc.texts {
		state.Texts[name] = seq.snapshot()
	}
	for name, seq := range doc.arrays {
		state.Arrays[name] = seq.snapshot()
	}
	return encodePayload(state)
}

func (doc *Doc) nextID() ID {
	doc.clock++
	return ID{Clock: doc.clock, Client: doc.client}
}

func (doc *Doc) observeClock(id ID) {
	if id.Clock > doc.clock {
		doc.clock = id.Clock
	}
}

func (doc *Doc) mapEntries(name string) map[string]*mapEntry {
	entries, ok := doc.maps[name]
	if !ok {
		entries = make(map[string]*mapEntry)
		doc.maps[name] = entries
	}
	return entries
}

func (doc *Doc) textSequence(name string) *sequence {
	seq, ok := doc.texts[name]
	if !ok {
		seq = newSequence()
		doc.texts[name] = seq
	}
	return seq
}

func (doc *Doc) arraySequence(name string) *sequence {
	seq, ok := doc.arrays[name]
	if !ok {
		seq = newSequence()
		doc.arrays[name] = seq
	}
	return seq
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cloned := make(json.RawMessage, len(raw))
	copy(cloned, raw)
	return cloned
}
