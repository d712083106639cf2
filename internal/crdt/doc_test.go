package crdt

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMapSetGetDelete(testContext *testing.T) {
	doc := New(WithClientID("alpha"))
	err := doc.Transact(nil, func(tx *Txn) error {
		if err := tx.Map("meta").Set("title", "Plan"); err != nil {
			return err
		}
		return tx.Map("meta").Set("count", 3)
	})
	if err != nil {
		testContext.Fatalf("transact: %v", err)
	}

	var title string
	found, err := doc.Map("meta").Decode("title", &title)
	if err != nil || !found || title != "Plan" {
		testContext.Fatalf("unexpected title %q found=%v err=%v", title, found, err)
	}
	if keys := doc.Map("meta").Keys(); len(keys) != 2 || keys[0] != "count" || keys[1] != "title" {
		testContext.Fatalf("unexpected keys %v", keys)
	}

	if err := doc.Transact(nil, func(tx *Txn) error {
		tx.Map("meta").Delete("count")
		return nil
	}); err != nil {
		testContext.Fatalf("delete: %v", err)
	}
	if doc.Map("meta").Has("count") {
		testContext.Fatalf("expected count to be deleted")
	}
}

func TestConcurrentMapWritesConverge(testContext *testing.T) {
	left := New(WithClientID("left"))
	right := New(WithClientID("right"))

	leftUpdate := captureUpdate(testContext, left, func(tx *Txn) error {
		return tx.Map("canvas-objects").Set("a", map[string]string{"color": "red"})
	})
	rightUpdate := captureUpdate(testContext, right, func(tx *Txn) error {
		return tx.Map("canvas-objects").Set("a", map[string]string{"color": "blue"})
	})

	mustApply(testContext, left, rightUpdate)
	mustApply(testContext, right, leftUpdate)

	leftValue, _ := left.Map("canvas-objects").Get("a")
	rightValue, _ := right.Map("canvas-objects").Get("a")
	if string(leftValue) != string(rightValue) {
		testContext.Fatalf("replicas diverged: %s vs %s", leftValue, rightValue)
	}
	if string(leftValue) != `{"color":"blue"}` {
		testContext.Fatalf("expected tie broken by client id, got %s", leftValue)
	}
}

func TestTextConcurrentInsertsConverge(testContext *testing.T) {
	base := New(WithClientID("base"))
	if err := base.Transact(nil, func(tx *Txn) error {
		tx.Text("content").Insert(0, "ac")
		return nil
	}); err != nil {
		testContext.Fatalf("seed: %v", err)
	}
	state := mustEncode(testContext, base)

	first := New(WithClientID("first"))
	second := New(WithClientID("second"))
	mustApply(testContext, first, state)
	mustApply(testContext, second, state)

	firstUpdate := captureUpdate(testContext, first, func(tx *Txn) error {
		tx.Text("content").Insert(1, "b")
		return nil
	})
	secondUpdate := captureUpdate(testContext, second, func(tx *Txn) error {
		tx.Text("content").Insert(2, "d")
		return nil
	})
	mustApply(testContext, first, secondUpdate)
	mustApply(testContext, second, firstUpdate)

	if first.Text("content").String() != "abcd" || second.Text("content").String() != "abcd" {
		testContext.Fatalf("unexpected text %q / %q", first.Text("content").String(), second.Text("content").String())
	}

	deleteUpdate := captureUpdate(testContext, first, func(tx *Txn) error {
		tx.Text("content").Delete(0, 2)
		return nil
	})
	mustApply(testContext, second, deleteUpdate)
	if second.Text("content").String() != "cd" {
		testContext.Fatalf("expected delete to replicate, got %q", second.Text("content").String())
	}
}

func TestArrayPushDeleteAndReplicate(testContext *testing.T) {
	source := New(WithClientID("source"))
	for index := 0; index < 5; index++ {
		if err := source.Transact(nil, func(tx *Txn) error {
			return tx.Array("ops").Push(map[string]int{"n": index})
		}); err != nil {
			testContext.Fatalf("push: %v", err)
		}
	}
	if err := source.Transact(nil, func(tx *Txn) error {
		tx.Array("ops").Delete(0, 2)
		return nil
	}); err != nil {
		testContext.Fatalf("delete: %v", err)
	}

	replica := New(WithClientID("replica"))
	mustApply(testContext, replica, mustEncode(testContext, source))

	values := replica.Array("ops").Values()
	if len(values) != 3 {
		testContext.Fatalf("expected 3 values, got %d", len(values))
	}
	if string(values[0]) != `{"n":2}` || string(values[2]) != `{"n":4}` {
		testContext.Fatalf("unexpected order %s .. %s", values[0], values[2])
	}
}

func TestApplyUpdateIsIdempotent(testContext *testing.T) {
	source := New()
	update := captureUpdate(testContext, source, func(tx *Txn) error {
		return tx.Array("ops").Push("one", "two")
	})

	replica := New()
	events := 0
	replica.ObserveArray("ops", func(ArrayEvent) { events++ })
	mustApply(testContext, replica, update)
	mustApply(testContext, replica, update)
	mustApply(testContext, replica, mustEncode(testContext, source))

	if replica.Array("ops").Len() != 2 {
		testContext.Fatalf("expected 2 entries, got %d", replica.Array("ops").Len())
	}
	if events != 1 {
		testContext.Fatalf("expected a single observed change, got %d", events)
	}
}

func TestOutOfOrderItemsWaitForOrigin(testContext *testing.T) {
	source := New(WithClientID("source"))
	first := captureUpdate(testContext, source, func(tx *Txn) error {
		return tx.Array("ops").Push("a")
	})
	second := captureUpdate(testContext, source, func(tx *Txn) error {
		return tx.Array("ops").Push("b")
	})

	replica := New()
	mustApply(testContext, replica, second)
	if replica.Array("ops").Len() != 0 {
		testContext.Fatalf("expected item without origin to wait")
	}
	mustApply(testContext, replica, first)
	values := replica.Array("ops").Values()
	if len(values) != 2 || string(values[0]) != `"a"` || string(values[1]) != `"b"` {
		testContext.Fatalf("unexpected values %v", values)
	}
}

func TestObserversReportLocalFlagAndOrigin(testContext *testing.T) {
	local := New()
	remote := New()

	var localEvents []ArrayEvent
	local.ObserveArray("ops", func(event ArrayEvent) { localEvents = append(localEvents, event) })

	if err := local.Transact("self", func(tx *Txn) error {
		return tx.Array("ops").Push("mine")
	}); err != nil {
		testContext.Fatalf("push: %v", err)
	}
	update := captureUpdate(testContext, remote, func(tx *Txn) error {
		return tx.Array("ops").Push("theirs")
	})
	mustApply(testContext, local, update)

	if len(localEvents) != 2 {
		testContext.Fatalf("expected 2 events, got %d", len(localEvents))
	}
	if !localEvents[0].Local || localEvents[0].Origin != "self" {
		testContext.Fatalf("expected local event with origin, got %+v", localEvents[0])
	}
	if localEvents[1].Local || len(localEvents[1].Inserted) != 1 || string(localEvents[1].Inserted[0]) != `"theirs"` {
		testContext.Fatalf("unexpected remote event %+v", localEvents[1])
	}
}

func TestUnsubscribeStopsDelivery(testContext *testing.T) {
	doc := New()
	calls := 0
	unsubscribe := doc.OnUpdate(func(UpdateEvent) { calls++ })
	mustTransact(testContext, doc, func(tx *Txn) error { return tx.Map("meta").Set("a", 1) })
	unsubscribe()
	mustTransact(testContext, doc, func(tx *Txn) error { return tx.Map("meta").Set("a", 2) })
	if calls != 1 {
		testContext.Fatalf("expected one delivery, got %d", calls)
	}
}

func TestEmptyTransactionEmitsNothing(testContext *testing.T) {
	doc := New()
	calls := 0
	doc.OnUpdate(func(UpdateEvent) { calls++ })
	mustTransact(testContext, doc, func(tx *Txn) error {
		tx.Map("meta").Delete("missing")
		return nil
	})
	if calls != 0 {
		testContext.Fatalf("expected no update for a no-op transaction")
	}
}

func TestApplyUpdateRejectsGarbage(testContext *testing.T) {
	doc := New()
	if err := doc.ApplyUpdate([]byte("not an update"), nil); !errors.Is(err, ErrMalformedUpdate) {
		testContext.Fatalf("expected ErrMalformedUpdate, got %v", err)
	}
}

func TestSetRejectsInvalidJSON(testContext *testing.T) {
	doc := New()
	err := doc.Transact(nil, func(tx *Txn) error {
		return tx.Map("meta").SetRaw("broken", json.RawMessage(`{`))
	})
	if !errors.Is(err, ErrInvalidValue) {
		testContext.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func captureUpdate(testContext *testing.T, doc *Doc, fn func(tx *Txn) error) []byte {
	testContext.Helper()
	var captured []byte
	unsubscribe := doc.OnUpdate(func(event UpdateEvent) { captured = event.Update })
	defer unsubscribe()
	mustTransact(testContext, doc, fn)
	if captured == nil {
		testContext.Fatalf("transaction produced no update")
	}
	return captured
}

func mustTransact(testContext *testing.T, doc *Doc, fn func(tx *Txn) error) {
	testContext.Helper()
	if err := doc.Transact(nil, fn); err != nil {
		testContext.Fatalf("transact: %v", err)
	}
}

func mustApply(testContext *testing.T, doc *Doc, update []byte) {
	testContext.Helper()
	if err := doc.ApplyUpdate(update, "remote"); err != nil {
		testContext.Fatalf("apply update: %v", err)
	}
}

func mustEncode(testContext *testing.T, doc *Doc) []byte {
	testContext.Helper()
	state, err := doc.EncodeStateAsUpdate()
	if err != nil {
		testContext.Fatalf("encode state: %v", err)
	}
	return state
}
