package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidValue reports a value that is not valid JSON.
	ErrInvalidValue = errors.New("crdt: invalid value")
	// ErrTransactionClosed reports use of a Txn after its Transact call returned.
	ErrTransactionClosed = errors.New("crdt: transaction closed")
)

// Txn is the write handle passed to Transact callbacks. It must not escape the callback.
type Txn struct {
	doc    *Doc
	origin any
	delta  *updatePayload
	events *eventSet
	closed bool
}

// Origin returns the origin passed to Transact.
func (tx *Txn) Origin() any {
	return tx.origin
}

// Map returns a writer for the named map.
func (tx *Txn) Map(name string) MapWriter {
	return MapWriter{tx: tx, name: name}
}

// Text returns a writer for the named text.
func (tx *Txn) Text(name string) TextWriter {
	return TextWriter{tx: tx, name: name}
}

// Array returns a writer for the named array.
func (tx *Txn) Array(name string) ArrayWriter {
	return ArrayWriter{tx: tx, name: name}
}

// MapWriter mutates one map inside a transaction.
type MapWriter struct {
	tx   *Txn
	name string
}

// Set stores value under key after encoding it as JSON.
func (writer MapWriter) Set(key string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	return writer.SetRaw(key, raw)
}

// SetRaw stores an already encoded JSON value under key.
func (writer MapWriter) SetRaw(key string, value json.RawMessage) error {
	if writer.tx.closed {
		return ErrTransactionClosed
	}
	if !json.Valid(value) {
		return fmt.Errorf("%w: key %q", ErrInvalidValue, key)
	}
	entry := mapEntry{Value: cloneRaw(value), Stamp: writer.tx.doc.nextID()}
	writer.commit(key, entry)
	return nil
}

// Delete removes key if present.
func (writer MapWriter) Delete(key string) {
	if writer.tx.closed {
		return
	}
	current, ok := writer.tx.doc.mapEntries(writer.name)[key]
	if !ok || current.Deleted {
		return
	}
	writer.commit(key, mapEntry{Deleted: true, Stamp: writer.tx.doc.nextID()})
}

// Clear removes every key.
func (writer MapWriter) Clear() {
	for _, key := range writer.Keys() {
		writer.Delete(key)
	}
}

// Get returns the current value of key.
func (writer MapWriter) Get(key string) (json.RawMessage, bool) {
	return lookupEntry(writer.tx.doc.mapEntries(writer.name), key)
}

// Keys returns the live keys in sorted order.
func (writer MapWriter) Keys() []string {
	return liveKeys(writer.tx.doc.mapEntries(writer.name))
}

func (writer MapWriter) commit(key string, entry mapEntry) {
	stored := entry
	writer.tx.doc.mapEntries(writer.name)[key] = &stored
	writer.tx.delta.mapDelta(writer.name)[key] = entry
	writer.tx.events.touchMap(writer.name, key)
}

// TextWriter mutates one text inside a transaction.
type TextWriter struct {
	tx   *Txn
	name string
}

// Insert places content before the rune at index. Indexes past the end append.
func (writer TextWriter) Insert(index int, content string) {
	if writer.tx.closed || content == "" {
		return
	}
	doc := writer.tx.doc
	seq := doc.textSequence(writer.name)
	origin := originBefore(seq, index)
	delta := seqDeltaFor(writer.tx.delta.Texts, writer.name)
	for _, r := range content {
		item := &seqItem{ID: doc.nextID(), Origin: origin, Text: string(r)}
		seq.integrate(item)
		delta.Items = append(delta.Items, *item)
		id := item.ID
		origin = &id
	}
	writer.tx.events.touchText(writer.name)
}

// Delete removes length runes starting at index.
func (writer TextWriter) Delete(index, length int) {
	if writer.tx.closed {
		return
	}
	seq := writer.tx.doc.textSequence(writer.name)
	removed := deleteRange(seq, index, length, seqDeltaFor(writer.tx.delta.Texts, writer.name))
	if removed > 0 {
		writer.tx.events.touchText(writer.name)
	}
}

// String returns the current content.
func (writer TextWriter) String() string {
	return textContent(writer.tx.doc.textSequence(writer.name))
}

// ArrayWriter mutates one array inside a transaction.
type ArrayWriter struct {
	tx   *Txn
	name string
}

// Push appends values at the end.
func (writer ArrayWriter) Push(values ...any) error {
	if writer.tx.closed {
		return ErrTransactionClosed
	}
	seq := writer.tx.doc.arraySequence(writer.name)
	var origin *ID
	if last := seq.last(); last != nil {
		id := last.ID
		origin = &id
	}
	return writer.insertAfter(origin, values)
}

// Insert places values before the element at index.
func (writer ArrayWriter) Insert(index int, values ...any) error {
	if writer.tx.closed {
		return ErrTransactionClosed
	}
	seq := writer.tx.doc.arraySequence(writer.name)
	return writer.insertAfter(originBefore(seq, index), values)
}

func (writer ArrayWriter) insertAfter(origin *ID, values []any) error {
	encoded := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		raw, err := marshalValue(value)
		if err != nil {
			return err
		}
		encoded = append(encoded, raw)
	}
	doc := writer.tx.doc
	seq := doc.arraySequence(writer.name)
	delta := seqDeltaFor(writer.tx.delta.Arrays, writer.name)
	event := writer.tx.events.touchArray(writer.name)
	for _, raw := range encoded {
		item := &seqItem{ID: doc.nextID(), Origin: origin, Value: raw}
		seq.integrate(item)
		delta.Items = append(delta.Items, *item)
		event.Inserted = append(event.Inserted, cloneRaw(raw))
		id := item.ID
		origin = &id
	}
	return nil
}

// Delete removes length elements starting at index.
func (writer ArrayWriter) Delete(index, length int) {
	if writer.tx.closed {
		return
	}
	seq := writer.tx.doc.arraySequence(writer.name)
	removed := deleteRange(seq, index, length, seqDeltaFor(writer.tx.delta.Arrays, writer.name))
	if removed > 0 {
		writer.tx.events.touchArray(writer.name).Deleted += removed
	}
}

// Clear removes every element.
func (writer ArrayWriter) Clear() {
	writer.Delete(0, writer.Len())
}

// Len returns the number of live elements.
func (writer ArrayWriter) Len() int {
	return writer.tx.doc.arraySequence(writer.name).visibleLen()
}

// Values returns the live elements in order.
func (writer ArrayWriter) Values() []json.RawMessage {
	return arrayValues(writer.tx.doc.arraySequence(writer.name))
}

// Map is a read view of a named map.
type Map struct {
	doc  *Doc
	name string
}

// Map returns a read view of the named map. Do not call it from inside a Transact callback.
func (doc *Doc) Map(name string) Map {
	return Map{doc: doc, name: name}
}

// Get returns the current value of key.
func (view Map) Get(key string) (json.RawMessage, bool) {
	view.doc.mu.Lock()
	defer view.doc.mu.Unlock()
	return lookupEntry(view.doc.mapEntries(view.name), key)
}

// Decode unmarshals the value of key into target and reports whether the key exists.
func (view Map) Decode(key string, target any) (bool, error) {
	raw, ok := view.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return true, fmt.Errorf("crdt: decode %s.%s: %w", view.name, key, err)
	}
	return true, nil
}

// Has reports whether key holds a live value.
func (view Map) Has(key string) bool {
	_, ok := view.Get(key)
	return ok
}

// Keys returns the live keys in sorted order.
func (view Map) Keys() []string {
	view.doc.mu.Lock()
	defer view.doc.mu.Unlock()
	return liveKeys(view.doc.mapEntries(view.name))
}

// Len returns the number of live keys.
func (view Map) Len() int {
	return len(view.Keys())
}

// Entries returns a copy of every live key and value.
func (view Map) Entries() map[string]json.RawMessage {
	view.doc.mu.Lock()
	defer view.doc.mu.Unlock()
	entries := view.doc.mapEntries(view.name)
	result := make(map[string]json.RawMessage, len(entries))
	for key, entry := range entries {
		if entry.Deleted {
			continue
		}
		result[key] = cloneRaw(entry.Value)
	}
	return result
}

// Text is a read view of a named text.
type Text struct {
	doc  *Doc
	name string
}

// Text returns a read view of the named text.
func (doc *Doc) Text(name string) Text {
	return Text{doc: doc, name: name}
}

func (view Text) String() string {
	view.doc.mu.Lock()
	defer view.doc.mu.Unlock()
	return textContent(view.doc.textSequence(view.name))
}

// Array is a read view of a named array.
type Array struct {
	doc  *Doc
	name string
}

// Array returns a read view of the named array.
func (doc *Doc) Array(name string) Array {
	return Array{doc: doc, name: name}
}

// Len returns the number of live elements.
func (view Array) Len() int {
	view.doc.mu.Lock()
	defer view.doc.mu.Unlock()
	return view.doc.arraySequence(view.name).visibleLen()
}

// Values returns the live elements in order.
func (view Array) Values() []json.RawMessage {
	view.doc.mu.Lock()
	defer view.doc.mu.Unlock()
	return arrayValues(view.doc.arraySequence(view.name))
}

func marshalValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, ErrInvalidValue
		}
		return cloneRaw(raw), nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return raw, nil
}

func lookupEntry(entries map[string]*mapEntry, key string) (json.RawMessage, bool) {
	entry, ok := entries[key]
	if !ok || entry.Deleted {
		return nil, false
	}
	return cloneRaw(entry.Value), true
}

func liveKeys(entries map[string]*mapEntry) []string {
	keys := make([]string, 0, len(entries))
	for key, entry := range entries {
		if !entry.Deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func originBefore(seq *sequence, index int) *ID {
	if index <= 0 {
		return nil
	}
	previous := seq.visibleItem(index - 1)
	if previous == nil {
		last := seq.last()
		if last == nil {
			return nil
		}
		previous = last
	}
	id := previous.ID
	return &id
}

func deleteRange(seq *sequence, index, length int, delta *seqDelta) int {
	if length <= 0 || index < 0 {
		return 0
	}
	visible := seq.visible()
	if index >= len(visible) {
		return 0
	}
	end := index + length
	if end > len(visible) {
		end = len(visible)
	}
	removed := 0
	for _, item := range visible[index:end] {
		item.tombstone()
		delta.Deleted = append(delta.Deleted, item.ID)
		removed++
	}
	return removed
}

func textContent(seq *sequence) string {
	var builder strings.Builder
	for _, item := range seq.items {
		if !item.Deleted {
			builder.WriteString(item.Text)
		}
	}
	return builder.String()
}

func arrayValues(seq *sequence) []json.RawMessage {
	values := make([]json.RawMessage, 0, len(seq.items))
	for _, item := range seq.items {
		if !item.Deleted {
			values = append(values, cloneRaw(item.Value))
		}
	}
	return values
}
