// Package crdt implements the collaborative annotation document: a set
// of named last-writer-wins maps replicated between operator sessions
// and the relay.
//
// Every mutation, local or remote, goes through the same merge. Merge is
// a per-register maximum over Lamport stamps, so it is commutative,
// associative and idempotent: replicas that have seen the same deltas
// hold the same state regardless of delivery order or duplication.
package crdt

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"sentinel-overwatch/pkg/codec"
)

// Collections shared by every operator.
const (
	CollectionROIs   = "rois"
	CollectionRoutes = "routes"
)

// Change describes a visible change to one key.
type Change struct {
	Collection string
	Key        string
	// Fields holds the visible fields after the change; nil when the
	// entry is no longer visible.
	Fields  map[string]any
	Removed bool
	Local   bool
}

type Document struct {
	mu          sync.Mutex
	replica     string
	counter     uint64
	collections map[string]map[string]*EntryState

	observers  map[string]map[int]func(Change)
	observerID int
	queue      []Change
	delivering bool
}

// NewDocument creates an empty replica. The replica id must be unique
// across every session sharing the document.
func NewDocument(replica string) *Document {
	return &Document{
		replica:     replica,
		collections: make(map[string]map[string]*EntryState),
		observers:   make(map[string]map[int]func(Change)),
	}
}

func (d *Document) Replica() string { return d.replica }

// Clock returns the current Lamport counter.
func (d *Document) Clock() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counter
}

// Put merges fields into the entry under key and returns the delta to
// broadcast. Each field is a separate last-writer-wins register.
func (d *Document) Put(collection, key string, fields map[string]any) (Delta, error) {
	normalized, err := normalize(fields)
	if err != nil {
		return Delta{}, fmt.Errorf("failed to put %s/%s: %w", collection, key, err)
	}

	d.mu.Lock()
	d.counter++
	stamp := Stamp{Counter: d.counter, Replica: d.replica}
	state := EntryState{Written: stamp, Fields: make(map[string]Register, len(normalized))}
	for k, v := range normalized {
		state.Fields[k] = Register{Value: v, Stamp: stamp}
	}
	var delta Delta
	delta.add(collection, key, state)
	d.applyLocked(delta, true)
	d.mu.Unlock()

	d.deliver()
	return delta, nil
}

// Remove tombstones the entry under key. A later put revives it.
func (d *Document) Remove(collection, key string) Delta {
	d.mu.Lock()
	d.counter++
	var delta Delta
	delta.add(collection, key, EntryState{Removed: Stamp{Counter: d.counter, Replica: d.replica}})
	d.applyLocked(delta, true)
	d.mu.Unlock()

	d.deliver()
	return delta
}

// Apply merges a delta received from a peer, including echoes of this
// replica's own earlier deltas. It returns the visible changes.
func (d *Document) Apply(delta Delta) []Change {
	d.mu.Lock()
	changes, _ := d.applyLocked(delta, false)
	d.mu.Unlock()

	d.deliver()
	return changes
}

// Merge is Apply for relays: it reports whether any register moved,
// including moves that leave the visible state unchanged.
func (d *Document) Merge(delta Delta) bool {
	d.mu.Lock()
	_, moved := d.applyLocked(delta, false)
	d.mu.Unlock()

	d.deliver()
	return moved
}

func (d *Document) applyLocked(delta Delta, local bool) (changes []Change, moved bool) {
	for _, collection := range sortedKeys(delta.Collections) {
		entries := delta.Collections[collection]
		target := d.collections[collection]
		if target == nil {
			target = make(map[string]*EntryState)
			d.collections[collection] = target
		}
		for _, key := range sortedKeys(entries) {
			in := entries[key]
			if c := in.maxCounter(); c > d.counter {
				d.counter = c
			}

			cur := target[key]
			if cur == nil {
				cur = &EntryState{}
				target[key] = cur
			}
			before := cur.view()
			if !cur.merge(in) {
				continue
			}
			moved = true
			after := cur.view()
			if reflect.DeepEqual(before, after) {
				continue
			}
			changes = append(changes, Change{
				Collection: collection,
				Key:        key,
				Fields:     after,
				Removed:    after == nil,
				Local:      local,
			})
		}
	}
	d.queue = append(d.queue, changes...)
	return changes, moved
}

// Observe registers fn for every visible change in collection. fn runs
// after the mutation that caused the change has completed and never
// inside another observer call; mutations made from fn are delivered
// after the current batch.
func (d *Document) Observe(collection string, fn func(Change)) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.observerID++
	id := d.observerID
	if d.observers[collection] == nil {
		d.observers[collection] = make(map[int]func(Change))
	}
	d.observers[collection][id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers[collection], id)
	}
}

func (d *Document) deliver() {
	d.mu.Lock()
	if d.delivering {
		d.mu.Unlock()
		return
	}
	d.delivering = true

	for len(d.queue) > 0 {
		batch := d.queue
		d.queue = nil
		calls := make([][]func(Change), len(batch))
		for i, c := range batch {
			for _, id := range sortedKeysInt(d.observers[c.Collection]) {
				calls[i] = append(calls[i], d.observers[c.Collection][id])
			}
		}
		d.mu.Unlock()
		for i, c := range batch {
			for _, fn := range calls[i] {
				fn(c)
			}
		}
		d.mu.Lock()
	}

	d.delivering = false
	d.mu.Unlock()
}

// Get returns the visible fields of key.
func (d *Document) Get(collection, key string) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := d.collections[collection][key]
	if e == nil || !e.visible() {
		return nil, false
	}
	return e.view(), true
}

// Keys returns the visible keys of collection in sorted order.
func (d *Document) Keys(collection string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var keys []string
	for k, e := range d.collections[collection] {
		if e.visible() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Entries returns every visible entry of collection.
func (d *Document) Entries(collection string) map[string]map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]map[string]any)
	for k, e := range d.collections[collection] {
		if e.visible() {
			out[k] = e.view()
		}
	}
	return out
}

// View returns the visible state of every collection.
func (d *Document) View() map[string]map[string]map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]map[string]map[string]any)
	for name, entries := range d.collections {
		view := make(map[string]map[string]any)
		for k, e := range entries {
			if e.visible() {
				view[k] = e.view()
			}
		}
		if len(view) > 0 {
			out[name] = view
		}
	}
	return out
}

// Snapshot returns the full replicated state, tombstones included, as a
// delta that any replica can apply.
func (d *Document) Snapshot() Delta {
	d.mu.Lock()
	defer d.mu.Unlock()

	var delta Delta
	for name, entries := range d.collections {
		for k, e := range entries {
			delta.add(name, k, e.clone())
		}
	}
	return delta
}

// normalize round-trips values through the wire codec so the local
// replica stores exactly what peers will decode.
func normalize(fields map[string]any) (map[string]any, error) {
	if len(fields) == 0 {
		return map[string]any{}, nil
	}
	data, err := codec.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := codec.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysInt[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
