package spreadsheet

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"go.uber.org/zap"
)

// MaxOpsHistory bounds the shared op log.
const MaxOpsHistory = 200

// ErrReadOnly reports a mutation attempted through a read-only forwarder.
var ErrReadOnly = errors.New("spreadsheet: read-only")

// Batch is one op log entry.
type Batch struct {
	Ops []json.RawMessage `json:"ops"`
}

// Options configure a Forwarder.
type Options struct {
	ReadOnly bool
	// Origin tags local transactions.
	Origin any
	Logger *zap.Logger
}

// Forwarder appends local op batches to the shared log and collects batches written by other
// replicas once the initial sync has completed.
type Forwarder struct {
	doc      *crdt.Doc
	readOnly bool
	origin   any
	logger   *zap.Logger

	mu          sync.Mutex
	synced      bool
	pending     []json.RawMessage
	subscribers map[int]func([]json.RawMessage)
	nextID      int

	unobserve func()
}

// NewForwarder observes doc's op log.
func NewForwarder(doc *crdt.Doc, options Options) *Forwarder {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	forwarder := &Forwarder{
		doc:         doc,
		readOnly:    options.ReadOnly,
		origin:      options.Origin,
		logger:      logger,
		subscribers: make(map[int]func([]json.RawMessage)),
	}
	forwarder.unobserve = doc.ObserveArray(OpsArray, forwarder.handleOps)
	return forwarder
}

// Close stops observing the document.
func (forwarder *Forwarder) Close() {
	if forwarder.unobserve != nil {
		forwarder.unobserve()
	}
}

// MarkSynced starts accepting remote batches. Wire it to the provider's synced callback.
func (forwarder *Forwarder) MarkSynced() {
	forwarder.mu.Lock()
	forwarder.synced = true
	forwarder.mu.Unlock()
}

// ResetSync ignores remote batches until the next MarkSynced.
func (forwarder *Forwarder) ResetSync() {
	forwarder.mu.Lock()
	forwarder.synced = false
	forwarder.mu.Unlock()
}

// SendOps appends ops as one batch and trims the log to MaxOpsHistory in the same transaction.
func (forwarder *Forwarder) SendOps(ops []json.RawMessage) error {
	if forwarder.readOnly {
		return ErrReadOnly
	}
	if len(ops) == 0 {
		return nil
	}
	return forwarder.doc.Transact(forwarder.origin, func(tx *crdt.Txn) error {
		log := tx.Array(OpsArray)
		if err := log.Push(Batch{Ops: ops}); err != nil {
			return err
		}
		if length := log.Len(); length > MaxOpsHistory {
			log.Delete(0, length-MaxOpsHistory)
		}
		return nil
	})
}

// Subscribe registers fn for every accepted remote batch. The returned func unregisters it.
func (forwarder *Forwarder) Subscribe(fn func([]json.RawMessage)) func() {
	forwarder.mu.Lock()
	defer forwarder.mu.Unlock()
	forwarder.nextID++
	id := forwarder.nextID
	forwarder.subscribers[id] = fn
	return func() {
		forwarder.mu.Lock()
		delete(forwarder.subscribers, id)
		forwarder.mu.Unlock()
	}
}

// Pending returns a copy of the remote ops accumulated so far.
func (forwarder *Forwarder) Pending() []json.RawMessage {
	forwarder.mu.Lock()
	defer forwarder.mu.Unlock()
	return append([]json.RawMessage(nil), forwarder.pending...)
}

// Drain returns and clears the accumulated remote ops.
func (forwarder *Forwarder) Drain() []json.RawMessage {
	forwarder.mu.Lock()
	defer forwarder.mu.Unlock()
	drained := forwarder.pending
	forwarder.pending = nil
	return drained
}

// SyncSheets makes the sheet map match sheets: ids missing from sheets are deleted, every given
// sheet is upserted. Reserved keys are left alone.
func (forwarder *Forwarder) SyncSheets(sheets []Sheet) error {
	if forwarder.readOnly {
		return ErrReadOnly
	}
	keep := make(map[string]struct{}, len(sheets))
	for _, sheet := range sheets {
		if sheet.ID == "" {
			return ErrMissingSheetID
		}
		keep[sheet.ID] = struct{}{}
	}
	return forwarder.doc.Transact(forwarder.origin, func(tx *crdt.Txn) error {
		sheetMap := tx.Map(SheetsMap)
		for _, key := range sheetMap.Keys() {
			if IsReserved(key) {
				continue
			}
			if _, ok := keep[key]; !ok {
				sheetMap.Delete(key)
			}
		}
		for _, sheet := range sheets {
			if err := sheetMap.SetRaw(sheet.ID, sheet.Payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// LatestSheets reads the current sheets, sorted by order. It returns nil when there are none.
func (forwarder *Forwarder) LatestSheets() []Sheet {
	sheets := SheetsFromDoc(forwarder.doc)
	if len(sheets) == 0 {
		return nil
	}
	return sheets
}

// SetMeta stores reserved metadata outside the sheet map.
func (forwarder *Forwarder) SetMeta(key string, value any) error {
	if forwarder.readOnly {
		return ErrReadOnly
	}
	return forwarder.doc.Transact(forwarder.origin, func(tx *crdt.Txn) error {
		return tx.Map(MetaMap).Set(key, value)
	})
}

// Meta returns reserved metadata.
func (forwarder *Forwarder) Meta(key string) (json.RawMessage, bool) {
	return forwarder.doc.Map(MetaMap).Get(key)
}

func (forwarder *Forwarder) handleOps(event crdt.ArrayEvent) {
	if event.Local || len(event.Inserted) == 0 {
		return
	}
	forwarder.mu.Lock()
	synced := forwarder.synced
	forwarder.mu.Unlock()
	if !synced {
		return
	}

	var ops []json.RawMessage
	for _, entry := range event.Inserted {
		var batch Batch
		if err := json.Unmarshal(entry, &batch); err != nil {
			forwarder.logger.Warn("dropping malformed op batch", zap.Error(err))
			continue
		}
		ops = append(ops, batch.Ops...)
	}
	if len(ops) == 0 {
		return
	}

	forwarder.mu.Lock()
	forwarder.pending = append(forwarder.pending, ops...)
	subscribers := make([]func([]json.RawMessage), 0, len(forwarder.subscribers))
	for id := 1; id <= forwarder.nextID; id++ {
		if fn, ok := forwarder.subscribers[id]; ok {
			subscribers = append(subscribers, fn)
		}
	}
	forwarder.mu.Unlock()
	for _, fn := range subscribers {
		fn(ops)
	}
}
