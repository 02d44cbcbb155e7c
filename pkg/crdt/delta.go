package crdt

import (
	"fmt"

	"sentinel-overwatch/pkg/codec"
)

// Register is a last-writer-wins cell.
type Register struct {
	Value any   `cbor:"v"`
	Stamp Stamp `cbor:"s"`
}

// EntryState is the replicated state of one key. Written and Removed
// hold the latest put and remove; the entry is visible while the latest
// put is newer than the latest remove, and only fields written after
// the latest remove are visible.
type EntryState struct {
	Written Stamp               `cbor:"w"`
	Removed Stamp               `cbor:"d"`
	Fields  map[string]Register `cbor:"f,omitempty"`
}

func (e *EntryState) visible() bool {
	return e.Removed.Less(e.Written)
}

func (e *EntryState) view() map[string]any {
	if !e.visible() {
		return nil
	}
	out := make(map[string]any, len(e.Fields))
	for k, r := range e.Fields {
		if e.Removed.Less(r.Stamp) {
			out[k] = r.Value
		}
	}
	return out
}

// merge folds in into e and reports whether any register moved.
func (e *EntryState) merge(in EntryState) bool {
	changed := false
	if e.Written.Less(in.Written) {
		e.Written = in.Written
		changed = true
	}
	if e.Removed.Less(in.Removed) {
		e.Removed = in.Removed
		changed = true
	}
	for k, r := range in.Fields {
		cur, ok := e.Fields[k]
		if ok && !cur.Stamp.Less(r.Stamp) {
			continue
		}
		if e.Fields == nil {
			e.Fields = make(map[string]Register)
		}
		e.Fields[k] = r
		changed = true
	}
	return changed
}

func (e *EntryState) clone() EntryState {
	c := EntryState{Written: e.Written, Removed: e.Removed}
	if len(e.Fields) > 0 {
		c.Fields = make(map[string]Register, len(e.Fields))
		for k, r := range e.Fields {
			c.Fields[k] = r
		}
	}
	return c
}

// maxCounter returns the highest counter mentioned by the entry.
func (e *EntryState) maxCounter() uint64 {
	m := e.Written.Counter
	if e.Removed.Counter > m {
		m = e.Removed.Counter
	}
	for _, r := range e.Fields {
		if r.Stamp.Counter > m {
			m = r.Stamp.Counter
		}
	}
	return m
}

// Delta is a set of entry states grouped by collection. A delta from a
// local mutation carries only the registers that mutation touched; a
// snapshot carries everything.
type Delta struct {
	Collections map[string]map[string]EntryState `cbor:"c"`
}

func (d Delta) IsEmpty() bool {
	for _, entries := range d.Collections {
		if len(entries) > 0 {
			return false
		}
	}
	return true
}

func (d *Delta) add(collection, key string, state EntryState) {
	if d.Collections == nil {
		d.Collections = make(map[string]map[string]EntryState)
	}
	entries := d.Collections[collection]
	if entries == nil {
		entries = make(map[string]EntryState)
		d.Collections[collection] = entries
	}
	cur := entries[key]
	cur.merge(state)
	entries[key] = cur
}

// Merge folds other into d. Deltas form the same join semilattice as
// documents, so buffered deltas can be combined before applying.
func (d *Delta) Merge(other Delta) {
	for collection, entries := range other.Collections {
		for key, state := range entries {
			d.add(collection, key, state)
		}
	}
}

func EncodeDelta(d Delta) ([]byte, error) {
	data, err := codec.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delta: %w", err)
	}
	return data, nil
}

func DecodeDelta(data []byte) (Delta, error) {
	var d Delta
	if err := codec.Unmarshal(data, &d); err != nil {
		return Delta{}, fmt.Errorf("failed to decode delta: %w", err)
	}
	return d, nil
}
