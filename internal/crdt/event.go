package crdt

import (
	"encoding/json"
	"sort"
	"sync"
)

// UpdateEvent carries the binary delta of one transaction or one applied remote update.
type UpdateEvent struct {
	Update []byte
	Origin any
	// Local is true for changes made through Transact on this replica.
	Local bool
}

// MapEvent lists the keys of a map that changed.
type MapEvent struct {
	Name   string
	Keys   []string
	Origin any
	Local  bool
}

// ArrayEvent describes inserted values, in document order, and the number of removed values.
type ArrayEvent struct {
	Name     string
	Inserted []json.RawMessage
	Deleted  int
	Origin   any
	Local    bool
}

// TextEvent signals that a text container changed.
type TextEvent struct {
	Name   string
	Origin any
	Local  bool
}

type eventSet struct {
	maps     map[string]map[string]struct{}
	arrays   map[string]*ArrayEvent
	texts    map[string]struct{}
	mapOrder []string
	arrOrder []string
}

func newEventSet() *eventSet {
	return &eventSet{
		maps:   make(map[string]map[string]struct{}),
		arrays: make(map[string]*ArrayEvent),
		texts:  make(map[string]struct{}),
	}
}

func (set *eventSet) touchMap(name, key string) {
	keys, ok := set.maps[name]
	if !ok {
		keys = make(map[string]struct{})
		set.maps[name] = keys
		set.mapOrder = append(set.mapOrder, name)
	}
	keys[key] = struct{}{}
}

func (set *eventSet) touchArray(name string) *ArrayEvent {
	event, ok := set.arrays[name]
	if !ok {
		event = &ArrayEvent{Name: name}
		set.arrays[name] = event
		set.arrOrder = append(set.arrOrder, name)
	}
	return event
}

func (set *eventSet) touchText(name string) {
	set.texts[name] = struct{}{}
}

type observerSet struct {
	mu     sync.Mutex
	nextID int
	update map[int]func(UpdateEvent)
	maps   map[string]map[int]func(MapEvent)
	arrays map[string]map[int]func(ArrayEvent)
	texts  map[string]map[int]func(TextEvent)
}

// OnUpdate registers fn for every committed change. The returned func unregisters it.
func (doc *Doc) OnUpdate(fn func(UpdateEvent)) func() {
	set := &doc.observers
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.update == nil {
		set.update = make(map[int]func(UpdateEvent))
	}
	id := set.register()
	set.update[id] = fn
	return func() {
		set.mu.Lock()
		delete(set.update, id)
		set.mu.Unlock()
	}
}

// ObserveMap registers fn for changes to the named map.
func (doc *Doc) ObserveMap(name string, fn func(MapEvent)) func() {
	set := &doc.observers
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.maps == nil {
		set.maps = make(map[string]map[int]func(MapEvent))
	}
	if set.maps[name] == nil {
		set.maps[name] = make(map[int]func(MapEvent))
	}
	id := set.register()
	set.maps[name][id] = fn
	return func() {
		set.mu.Lock()
		delete(set.maps[name], id)
		set.mu.Unlock()
	}
}

// ObserveArray registers fn for changes to the named array.
func (doc *Doc) ObserveArray(name string, fn func(ArrayEvent)) func() {
	set := &doc.observers
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.arrays == nil {
		set.arrays = make(map[string]map[int]func(ArrayEvent))
	}
	if set.arrays[name] == nil {
		set.arrays[name] = make(map[int]func(ArrayEvent))
	}
	id := set.register()
	set.arrays[name][id] = fn
	return func() {
		set.mu.Lock()
		delete(set.arrays[name], id)
		set.mu.Unlock()
	}
}

// ObserveText registers fn for changes to the named text.
func (doc *Doc) ObserveText(name string, fn func(TextEvent)) func() {
	set := &doc.observers
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.texts == nil {
		set.texts = make(map[string]map[int]func(TextEvent))
	}
	if set.texts[name] == nil {
		set.texts[name] = make(map[int]func(TextEvent))
	}
	id := set.register()
	set.texts[name][id] = fn
	return func() {
		set.mu.Lock()
		delete(set.texts[name], id)
		set.mu.Unlock()
	}
}

func (set *observerSet) register() int {
	set.nextID++
	return set.nextID
}

func (set *observerSet) deliver(events *eventSet, origin any, local bool) {
	set.mu.Lock()
	var calls []func()
	for _, name := range events.mapOrder {
		keys := make([]string, 0, len(events.maps[name]))
		for key := range events.maps[name] {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		event := MapEvent{Name: name, Keys: keys, Origin: origin, Local: local}
		for _, fn := range sortedObservers(set.maps[name]) {
			fn := fn
			calls = append(calls, func() { fn(event) })
		}
	}
	for _, name := range events.arrOrder {
		event := *events.arrays[name]
		event.Origin = origin
		event.Local = local
		for _, fn := range sortedObservers(set.arrays[name]) {
			fn := fn
			calls = append(calls, func() { fn(event) })
		}
	}
	textNames := make([]string, 0, len(events.texts))
	for name := range events.texts {
		textNames = append(textNames, name)
	}
	sort.Strings(textNames)
	for _, name := range textNames {
		event := TextEvent{Name: name, Origin: origin, Local: local}
		for _, fn := range sortedObservers(set.texts[name]) {
			fn := fn
			calls = append(calls, func() { fn(event) })
		}
	}
	set.mu.Unlock()

	for _, call := range calls {
		call()
	}
}

func (set *observerSet) deliverUpdate(event UpdateEvent) {
	set.mu.Lock()
	handlers := sortedObservers(set.update)
	set.mu.Unlock()
	for _, fn := range handlers {
		fn(event)
	}
}

func sortedObservers[T any](registered map[int]T) []T {
	ids := make([]int, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ordered := make([]T, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, registered[id])
	}
	return ordered
}
