package tree

import (
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shape is a debug rendering of a traversal: id, depth, children.
type shape struct {
	ID       string
	Depth    int
	Children []shape
}

func debugMap(n Node, children []shape, depth int) shape {
	return shape{ID: n.ID, Depth: depth, Children: children}
}

func leaf(id string, depth int) shape { return shape{ID: id, Depth: depth, Children: []shape{}} }

type recorder struct {
	events []string
}

func record(t *Tree) (*recorder, func()) {
	r := &recorder{}
	unsub := t.Subscribe(AllID, func(id string, _ Node) {
		r.events = append(r.events, id)
	})
	return r, unsub
}

func (r *recorder) sorted() []string {
	out := append([]string(nil), r.events...)
	sort.Strings(out)
	return out
}

func sortedIDs(ids ...string) []string {
	sort.Strings(ids)
	return ids
}

func seeded() *Tree {
	t := New()
	t.Reset(
		Node{ID: "1", Content: "hello", Time: 5},
		Node{ID: "2", Parent: "1", Content: "world", Time: 5},
	)
	return t
}

func TestEmptyTree(t *testing.T) {
	tr := New()
	assert.Equal(t, 0, tr.Size())
	assert.Equal(t, shape{ID: RootID, Children: []shape{}}, MapDFS(tr, debugMap))

	_, ok := tr.Get("missing")
	assert.False(t, ok)
	_, ok = tr.Last()
	assert.False(t, ok)
}

func TestResetWithEntries(t *testing.T) {
	tr := seeded()
	assert.Equal(t, 2, tr.Size())

	one, ok := tr.Get("1")
	require.True(t, ok)
	assert.Contains(t, one.Children, "2")

	want := shape{ID: RootID, Children: []shape{
		{ID: "1", Depth: 1, Children: []shape{leaf("2", 2)}},
	}}
	if diff := cmp.Diff(want, MapDFS(tr, debugMap)); diff != "" {
		t.Errorf("traversal mismatch (-want +got):\n%s", diff)
	}
}

func TestAddSingleNode(t *testing.T) {
	tr := seeded()
	rec, _ := record(tr)

	changed := tr.Add(Node{ID: "3", Parent: "1", Content: "yo", Time: 7})

	assert.Equal(t, []string{"3", "1"}, changed)
	assert.Equal(t, sortedIDs("1", "3"), rec.sorted())
	assert.Equal(t, 3, tr.Size())

	last, ok := tr.Last()
	require.True(t, ok)
	assert.Equal(t, "3", last.ID)

	want := shape{ID: RootID, Children: []shape{
		{ID: "1", Depth: 1, Children: []shape{leaf("2", 2), leaf("3", 2)}},
	}}
	assert.Equal(t, want, MapDFS(tr, debugMap))
}

var batch = []Node{
	{ID: "2", Parent: "1", Content: "world", Time: 5},
	{ID: "0", Content: "first!", Time: 0},
	{ID: "3", Parent: "1", Content: "local first!", Time: 1},
	{ID: "9", Content: "last", Time: 9},
}

var batchShape = shape{ID: RootID, Children: []shape{
	leaf("0", 1),
	{ID: "1", Depth: 1, Children: []shape{leaf("3", 2), leaf("2", 2)}},
	leaf("9", 1),
}}

func TestAddBatch(t *testing.T) {
	tr := seeded()
	rec, _ := record(tr)

	tr.Add(batch...)

	assert.Equal(t, sortedIDs(RootID, "1", "0", "3", "9"), rec.sorted())
	assert.Equal(t, batchShape, MapDFS(tr, debugMap))
	last, _ := tr.Last()
	assert.Equal(t, "9", last.ID)

	t.Run("re-adding is a no-op", func(t *testing.T) {
		rec.events = nil
		changed := tr.Add(batch...)
		assert.Empty(t, changed)
		assert.Empty(t, rec.events)
		assert.Equal(t, batchShape, MapDFS(tr, debugMap))
		last, _ := tr.Last()
		assert.Equal(t, "9", last.ID)
	})
}

func TestBatchMatchesSequentialAdds(t *testing.T) {
	one := seeded()
	many := seeded()
	oneRec, _ := record(one)
	manyRec, _ := record(many)

	one.Add(batch...)
	for _, n := range batch {
		many.Add(n)
	}

	assert.Equal(t, MapDFS(one, debugMap), MapDFS(many, debugMap))
	assert.Equal(t, oneRec.sorted(), dedupe(manyRec.sorted()))
	assert.Len(t, oneRec.events, len(dedupe(oneRec.events)), "batch must not emit duplicates")
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func TestSortByTimeOutOfOrder(t *testing.T) {
	tr := New()
	tr.Add(
		Node{ID: "2", Time: 5},
		Node{ID: "0", Time: 0},
		Node{ID: "3", Time: 1},
		Node{ID: "9", Time: 9},
	)
	root, _ := tr.Get(RootID)
	assert.Equal(t, []string{"0", "3", "2", "9"}, root.Children)
}

func TestTiesKeepInsertionOrder(t *testing.T) {
	tr := New()
	tr.Add(Node{ID: "b", Time: 1}, Node{ID: "a", Time: 1})
	tr.Add(Node{ID: "c", Time: 1})
	root, _ := tr.Get(RootID)
	assert.Equal(t, []string{"b", "a", "c"}, root.Children)
}

func TestMissingParentPlaceholder(t *testing.T) {
	tr := seeded()
	tr.Add(Node{ID: "3", Parent: "wtf", Content: "yo", Time: 7})

	_, ok := tr.Get("3")
	assert.True(t, ok)
	parent, ok := tr.Get("wtf")
	require.True(t, ok)
	assert.Contains(t, parent.Children, "3")
	assert.Empty(t, parent.Parent)
	assert.True(t, parent.Placeholder)
	assert.Equal(t, 3, tr.Size())

	t.Run("promoted when the parent arrives", func(t *testing.T) {
		rec, unsub := record(tr)
		defer unsub()

		changed := tr.Add(Node{ID: "wtf", Parent: "1", Content: "j0", Time: 6})

		assert.Equal(t, sortedIDs("1", "wtf"), sortedIDs(changed...))
		assert.Equal(t, sortedIDs("1", "wtf"), rec.sorted())
		assert.Equal(t, 4, tr.Size())

		want := shape{ID: RootID, Children: []shape{
			{ID: "1", Depth: 1, Children: []shape{
				leaf("2", 2),
				{ID: "wtf", Depth: 2, Children: []shape{leaf("3", 3)}},
			}},
		}}
		assert.Equal(t, want, MapDFS(tr, debugMap))

		wtf, _ := tr.Get("wtf")
		assert.False(t, wtf.Placeholder)
		assert.Equal(t, "j0", wtf.Content)
	})
}

func TestMergeNode(t *testing.T) {
	t.Run("updates and emits", func(t *testing.T) {
		tr := seeded()
		rec, _ := record(tr)
		assert.True(t, tr.MergeNode("2", Fields{Content: Ptr("dawg")}))
		n, _ := tr.Get("2")
		assert.Equal(t, "dawg", n.Content)
		assert.Equal(t, []string{"2"}, rec.events)
	})

	t.Run("unchanged emits nothing", func(t *testing.T) {
		tr := seeded()
		rec, _ := record(tr)
		assert.False(t, tr.MergeNode("2", Fields{Content: Ptr("world")}))
		assert.Empty(t, rec.events)
	})

	t.Run("deep equality on sender", func(t *testing.T) {
		tr := New()
		tr.Add(Node{ID: "a", Time: 1, Sender: &Sender{Name: "x", Hue: Ptr(3)}})
		rec, _ := record(tr)
		assert.False(t, tr.MergeNode("a", Fields{Sender: &Sender{Name: "x", Hue: Ptr(3)}}))
		assert.True(t, tr.MergeNode("a", Fields{Sender: &Sender{Name: "x", Hue: Ptr(4)}}))
		assert.Equal(t, []string{"a"}, rec.events)
	})

	t.Run("unknown id", func(t *testing.T) {
		tr := seeded()
		assert.False(t, tr.MergeNode("nope", Fields{Content: Ptr("x")}))
	})

	t.Run("tombstone keeps node addressable", func(t *testing.T) {
		tr := seeded()
		assert.True(t, tr.MergeNode("2", Fields{Deleted: Ptr(int64(12345))}))
		n, ok := tr.Get("2")
		require.True(t, ok)
		assert.Equal(t, int64(12345), n.Deleted)
		assert.Equal(t, 2, tr.Size())
	})

	t.Run("time change resorts siblings", func(t *testing.T) {
		tr := New()
		tr.Add(Node{ID: "a", Time: 1}, Node{ID: "b", Time: 2})
		rec, _ := record(tr)
		tr.MergeNode("a", Fields{Time: Ptr(int64(3))})
		root, _ := tr.Get(RootID)
		assert.Equal(t, []string{"b", "a"}, root.Children)
		assert.Equal(t, sortedIDs("a", RootID), rec.sorted())
		last, _ := tr.Last()
		assert.Equal(t, "a", last.ID)
	})

	t.Run("flags can be cleared", func(t *testing.T) {
		tr := New()
		tr.Add(Node{ID: "a", Time: 1, Entry: true})
		assert.True(t, tr.MergeNode("a", Fields{Entry: Ptr(false)}))
		n, _ := tr.Get("a")
		assert.False(t, n.Entry)
	})
}

func TestAddPreservesExistingFields(t *testing.T) {
	tr := New()
	tr.Add(Node{ID: "a", Time: 1, Content: "hi", Sender: &Sender{Name: "x", Hue: Ptr(9)}})
	tr.MergeNode("a", Fields{Entry: Ptr(true)})

	changed := tr.Add(Node{ID: "a", Time: 1, Content: "hi", Sender: &Sender{Name: "x"}})
	assert.Empty(t, changed)

	n, _ := tr.Get("a")
	assert.True(t, n.Entry)
	require.NotNil(t, n.Sender.Hue)
	assert.Equal(t, 9, *n.Sender.Hue)
}

func TestResetEmitsRoot(t *testing.T) {
	tr := seeded()
	rec, _ := record(tr)
	tr.Reset()
	assert.Equal(t, 0, tr.Size())
	assert.Equal(t, []string{RootID}, rec.events)
	assert.Equal(t, shape{ID: RootID, Children: []shape{}}, MapDFS(tr, debugMap))
}

func TestSubscribePerID(t *testing.T) {
	tr := seeded()
	var got []string
	unsub := tr.Subscribe("1", func(id string, n Node) {
		got = append(got, fmt.Sprintf("%s:%d", id, len(n.Children)))
	})
	tr.Add(Node{ID: "3", Parent: "1", Time: 7})
	tr.Add(Node{ID: "4", Time: 8})
	unsub()
	tr.Add(Node{ID: "5", Parent: "1", Time: 9})
	assert.Equal(t, []string{"1:2"}, got)
}

func TestThreadScenario(t *testing.T) {
	tr := New()
	tr.Add(
		Node{ID: "id1", Time: 123456, Content: "test"},
		Node{ID: "id2", Time: 123457, Content: "test2"},
		Node{ID: "id3", Parent: "id2", Time: 123458, Content: "test3"},
	)
	assert.Equal(t, 3, tr.Size())
	id2, _ := tr.Get("id2")
	assert.Contains(t, id2.Children, "id3")
	root, _ := tr.Get(RootID)
	assert.Equal(t, []string{"id1", "id2"}, root.Children)
}

func TestGetReturnsCopy(t *testing.T) {
	tr := seeded()
	n, _ := tr.Get("1")
	n.Children[0] = "mutated"
	again, _ := tr.Get("1")
	assert.Equal(t, []string{"2"}, again.Children)
}

func TestCustomSortKey(t *testing.T) {
	tr := New(WithSortKey(func(n *Node) int64 { return -n.Time }))
	tr.Add(Node{ID: "a", Time: 1}, Node{ID: "b", Time: 2})
	root, _ := tr.Get(RootID)
	assert.Equal(t, []string{"b", "a"}, root.Children)
}
