package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPut(t *testing.T, d *Document, collection, key string, fields map[string]any) Delta {
	t.Helper()
	delta, err := d.Put(collection, key, fields)
	require.NoError(t, err)
	return delta
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func concurrentDeltas(t *testing.T) []Delta {
	t.Helper()
	a := NewDocument("replica-a")
	b := NewDocument("replica-b")
	return []Delta{
		mustPut(t, a, CollectionROIs, "k1", map[string]any{"name": "alpha", "color": "red"}),
		a.Remove(CollectionROIs, "k1"),
		mustPut(t, a, CollectionRoutes, "r1", map[string]any{"label": "MSR TAMPA"}),
		mustPut(t, b, CollectionROIs, "k1", map[string]any{"name": "bravo"}),
		mustPut(t, b, CollectionROIs, "k2", map[string]any{"name": "charlie", "radius": 250.0}),
	}
}

func TestConvergesUnderEveryDeliveryOrder(t *testing.T) {
	deltas := concurrentDeltas(t)

	reference := NewDocument("observer")
	for _, d := range deltas {
		reference.Apply(d)
	}
	want := reference.View()

	for _, perm := range permutations(len(deltas)) {
		replica := NewDocument("replay")
		for _, i := range perm {
			replica.Apply(deltas[i])
			// duplicate delivery must not matter either
			replica.Apply(deltas[i])
		}
		require.Equal(t, want, replica.View(), "order %v", perm)
	}

	// k1: the remove at 2@replica-a beats the concurrent put at 1@replica-b
	_, ok := reference.Get(CollectionROIs, "k1")
	assert.False(t, ok)
	assert.Equal(t, []string{"k2"}, reference.Keys(CollectionROIs))
	assert.Equal(t, []string{"r1"}, reference.Keys(CollectionRoutes))
}

func TestConvergesOverTheWire(t *testing.T) {
	deltas := concurrentDeltas(t)

	direct := NewDocument("direct")
	wire := NewDocument("wire")
	for i := len(deltas) - 1; i >= 0; i-- {
		direct.Apply(deltas[i])

		frame, err := EncodeSync(SyncMessage{Kind: SyncUpdate, Delta: deltas[i]})
		require.NoError(t, err)
		msg, err := DecodeSync(frame)
		require.NoError(t, err)
		wire.Apply(msg.Delta)
	}
	assert.Equal(t, direct.View(), wire.View())
}

func TestReapplyingDeltaIsNoop(t *testing.T) {
	doc := NewDocument("a")
	delta := mustPut(t, doc, CollectionROIs, "k", map[string]any{"name": "alpha"})
	before := doc.View()
	clock := doc.Clock()

	changes := doc.Apply(delta)
	assert.Empty(t, changes)
	assert.Equal(t, before, doc.View())
	assert.Equal(t, clock, doc.Clock())

	snapshot := doc.Snapshot()
	assert.Empty(t, doc.Apply(snapshot))
}

func TestMergeReportsMovedRegisters(t *testing.T) {
	a := NewDocument("a")
	relay := NewDocument("relay")
	delta := mustPut(t, a, CollectionROIs, "k", map[string]any{"name": "alpha"})

	assert.True(t, relay.Merge(delta))
	assert.False(t, relay.Merge(delta))
	assert.False(t, relay.Merge(a.Snapshot()))
	assert.False(t, relay.Merge(Delta{}))

	// a rewrite to the same value is still a register move
	again := mustPut(t, a, CollectionROIs, "k", map[string]any{"name": "alpha"})
	assert.True(t, relay.Merge(again))
	assert.Equal(t, a.View(), relay.View())
}

func TestHigherClockWinsOnBothReplicas(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")

	// b has done more work, so its next stamp is higher than a's
	mustPut(t, b, CollectionRoutes, "warmup", map[string]any{"x": 1})
	mustPut(t, b, CollectionRoutes, "warmup", map[string]any{"x": 2})

	fromA := mustPut(t, a, CollectionROIs, "roi-1", map[string]any{"status": "cleared"})
	fromB := mustPut(t, b, CollectionROIs, "roi-1", map[string]any{"status": "contested"})

	a.Apply(fromB)
	b.Apply(fromA)

	for _, doc := range []*Document{a, b} {
		fields, ok := doc.Get(CollectionROIs, "roi-1")
		require.True(t, ok)
		assert.Equal(t, "contested", fields["status"], "replica %s", doc.Replica())
	}
}

func TestFieldsMergeIndependently(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")
	base := mustPut(t, a, CollectionROIs, "roi", map[string]any{"name": "LZ", "color": "red"})
	b.Apply(base)

	fromA := mustPut(t, a, CollectionROIs, "roi", map[string]any{"name": "LZ north"})
	fromB := mustPut(t, b, CollectionROIs, "roi", map[string]any{"color": "blue"})
	a.Apply(fromB)
	b.Apply(fromA)

	want := map[string]any{"name": "LZ north", "color": "blue"}
	for _, doc := range []*Document{a, b} {
		fields, ok := doc.Get(CollectionROIs, "roi")
		require.True(t, ok)
		assert.Equal(t, want, fields)
	}
}

func TestLaterPutRevivesRemovedEntry(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")

	put := mustPut(t, a, CollectionROIs, "roi", map[string]any{"name": "old", "note": "stale"})
	b.Apply(put)
	remove := b.Remove(CollectionROIs, "roi")
	a.Apply(remove)

	_, ok := a.Get(CollectionROIs, "roi")
	require.False(t, ok)

	revive := mustPut(t, a, CollectionROIs, "roi", map[string]any{"name": "new"})
	b.Apply(revive)

	for _, doc := range []*Document{a, b} {
		fields, ok := doc.Get(CollectionROIs, "roi")
		require.True(t, ok)
		assert.Equal(t, map[string]any{"name": "new"}, fields, "fields written before the remove stay hidden")
	}
}

func TestApplyToleratesUnknownKeysAndCollections(t *testing.T) {
	remote := NewDocument("remote")
	delta := mustPut(t, remote, "sketches", "s-1", map[string]any{"w": 3})
	delta.Merge(mustPut(t, remote, CollectionRoutes, "never-seen", map[string]any{"label": "x"}))

	local := NewDocument("local")
	changes := local.Apply(delta)
	assert.Len(t, changes, 2)
	assert.Equal(t, []string{"never-seen"}, local.Keys(CollectionRoutes))
	assert.Equal(t, []string{"s-1"}, local.Keys("sketches"))
	assert.Greater(t, local.Clock(), uint64(0), "clock advances past remote stamps")

	// a remove for a key the replica never saw is kept as a tombstone
	late := NewDocument("late")
	late.Apply(remote.Remove(CollectionROIs, "ghost"))
	_, ok := late.Get(CollectionROIs, "ghost")
	assert.False(t, ok)
}

func TestLocalClockAdvancesPastRemote(t *testing.T) {
	a := NewDocument("a")
	b := NewDocument("b")
	for i := 0; i < 5; i++ {
		mustPut(t, b, CollectionROIs, "k", map[string]any{"i": i})
	}
	a.Apply(b.Snapshot())

	next := mustPut(t, a, CollectionROIs, "k", map[string]any{"i": "from a"})
	b.Apply(next)
	fields, _ := b.Get(CollectionROIs, "k")
	assert.Equal(t, "from a", fields["i"])
}

func TestObserverIsNotReentrant(t *testing.T) {
	doc := NewDocument("a")
	var seen []string
	depth := 0

	cancel := doc.Observe(CollectionROIs, func(c Change) {
		depth++
		defer func() { depth-- }()
		require.Equal(t, 1, depth, "observer re-entered")
		seen = append(seen, c.Key)
		if c.Key == "first" {
			mustPut(t, doc, CollectionROIs, "second", map[string]any{"n": 2})
			// the nested change is queued, not delivered yet
			assert.Equal(t, []string{"first"}, seen)
		}
	})

	mustPut(t, doc, CollectionROIs, "first", map[string]any{"n": 1})
	assert.Equal(t, []string{"first", "second"}, seen)

	cancel()
	mustPut(t, doc, CollectionROIs, "third", map[string]any{"n": 3})
	assert.Len(t, seen, 2)
}

func TestObserverSeesLocalAndRemoteChanges(t *testing.T) {
	doc := NewDocument("a")
	peer := NewDocument("b")
	var changes []Change
	doc.Observe(CollectionRoutes, func(c Change) { changes = append(changes, c) })

	mustPut(t, doc, CollectionRoutes, "r1", map[string]any{"label": "A"})
	doc.Apply(mustPut(t, peer, CollectionRoutes, "r2", map[string]any{"label": "B"}))
	doc.Remove(CollectionRoutes, "r1")
	mustPut(t, doc, CollectionROIs, "other", map[string]any{})

	require.Len(t, changes, 3)
	assert.True(t, changes[0].Local)
	assert.False(t, changes[1].Local)
	assert.Equal(t, "r2", changes[1].Key)
	assert.True(t, changes[2].Removed)
	assert.Nil(t, changes[2].Fields)
}

func TestPutRejectsUnencodableValues(t *testing.T) {
	doc := NewDocument("a")
	_, err := doc.Put(CollectionROIs, "k", map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
	assert.Empty(t, doc.Keys(CollectionROIs))
}

func TestDecodeSyncRejectsGarbage(t *testing.T) {
	_, err := DecodeSync([]byte{0xff, 0x00})
	assert.Error(t, err)

	frame, err := EncodeSync(SyncMessage{Kind: SyncKind(9)})
	require.NoError(t, err)
	_, err = DecodeSync(frame)
	assert.Error(t, err)
}
