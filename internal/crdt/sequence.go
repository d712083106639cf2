package crdt

import "sort"

// sequence is a replicated growable array. Items are placed after their origin and concurrent
// siblings are ordered by descending ID, so every replica converges on the same order.
type sequence struct {
	items          []*seqItem
	byID           map[ID]*seqItem
	pending        []*seqItem
	pendingDeletes map[ID]struct{}
}

func newSequence() *sequence {
	return &sequence{
		byID:           make(map[ID]*seqItem),
		pendingDeletes: make(map[ID]struct{}),
	}
}

func (seq *sequence) indexOf(id ID) int {
	for index, item := range seq.items {
		if item.ID == id {
			return index
		}
	}
	return -1
}

// integrate places item and reports whether it was new. Items whose origin is unknown are parked
// until the origin arrives.
func (seq *sequence) integrate(item *seqItem) bool {
	if _, exists := seq.byID[item.ID]; exists {
		return false
	}
	position := 0
	if item.Origin != nil {
		originIndex := seq.indexOf(*item.Origin)
		if originIndex < 0 {
			for _, parked := range seq.pending {
				if parked.ID == item.ID {
					return false
				}
			}
			seq.pending = append(seq.pending, item)
			return false
		}
		position = originIndex + 1
	}
	for position < len(seq.items) && item.ID.less(seq.items[position].ID) {
		position++
	}
	seq.items = append(seq.items, nil)
	copy(seq.items[position+1:], seq.items[position:])
	seq.items[position] = item
	seq.byID[item.ID] = item
	if _, deleted := seq.pendingDeletes[item.ID]; deleted {
		delete(seq.pendingDeletes, item.ID)
		item.tombstone()
	}
	return true
}

// drainPending integrates parked items whose origins have arrived and returns them.
func (seq *sequence) drainPending() []*seqItem {
	var integrated []*seqItem
	for progress := true; progress && len(seq.pending) > 0; {
		progress = false
		remaining := seq.pending[:0]
		for _, item := range seq.pending {
			if item.Origin != nil && seq.byID[*item.Origin] == nil {
				remaining = append(remaining, item)
				continue
			}
			if seq.integrate(item) {
				integrated = append(integrated, item)
			}
			progress = true
		}
		seq.pending = remaining
	}
	return integrated
}

// markDeleted tombstones id and reports whether a visible item was removed.
func (seq *sequence) markDeleted(id ID) bool {
	item, ok := seq.byID[id]
	if !ok {
		seq.pendingDeletes[id] = struct{}{}
		return false
	}
	if item.Deleted {
		return false
	}
	item.tombstone()
	return true
}

func (seq *sequence) visibleLen() int {
	count := 0
	for _, item := range seq.items {
		if !item.Deleted {
			count++
		}
	}
	return count
}

// visibleItem returns the index-th visible item or nil.
func (seq *sequence) visibleItem(index int) *seqItem {
	if index < 0 {
		return nil
	}
	for _, item := range seq.items {
		if item.Deleted {
			continue
		}
		if index == 0 {
			return item
		}
		index--
	}
	return nil
}

func (seq *sequence) visible() []*seqItem {
	visible := make([]*seqItem, 0, len(seq.items))
	for _, item := range seq.items {
		if !item.Deleted {
			visible = append(visible, item)
		}
	}
	return visible
}

func (seq *sequence) last() *seqItem {
	if len(seq.items) == 0 {
		return nil
	}
	return seq.items[len(seq.items)-1]
}

func (seq *sequence) snapshot() *seqDelta {
	delta := &seqDelta{Items: make([]seqItem, 0, len(seq.items)+len(seq.pending))}
	for _, item := range seq.items {
		delta.Items = append(delta.Items, *item)
	}
	for _, item := range seq.pending {
		delta.Items = append(delta.Items, *item)
	}
	for id := range seq.pendingDeletes {
		delta.Deleted = append(delta.Deleted, id)
	}
	sort.Slice(delta.Deleted, func(left, right int) bool {
		return delta.Deleted[left].less(delta.Deleted[right])
	})
	return delta
}

func (item *seqItem) tombstone() {
	item.Deleted = true
	item.Value = nil
	item.Text = ""
}
