// Package tree keeps chat messages as an ordered tree indexed by message id.
//
// Nodes live in a flat index; each node holds the ordered ids of its
// children. Messages may arrive before their parents: the missing parent is
// represented by a placeholder until its own record shows up, at which point
// the placeholder is promoted in place and keeps its children.
//
// Every mutation notifies listeners once per changed id, after the whole
// mutation (single record or batch) has been applied.
package tree

import (
	"sort"

	"github.com/google/go-cmp/cmp"
)

// SortKey orders siblings. Ties fall back to insertion order.
type SortKey func(n *Node) int64

// ByTime is the default sort key.
func ByTime(n *Node) int64 { return n.Time }

// Listener receives the id and current value of a changed node.
type Listener func(id string, n Node)

// Option configures a Tree.
type Option func(*Tree)

// WithSortKey replaces the default time ordering.
func WithSortKey(key SortKey) Option {
	return func(t *Tree) { t.key = key }
}

// Reader is the read-only view of a tree handed to consumers.
type Reader interface {
	Get(id string) (Node, bool)
	Last() (Node, bool)
	Size() int
	GetCount(id string) Count
	DescendantCount(id string, limit int) Count
	Subscribe(id string, fn Listener) func()
}

type entry struct {
	Node
	seq uint64
}

// Tree is not safe for concurrent use; the owner serializes access.
type Tree struct {
	key       SortKey
	index     map[string]*entry
	size      int
	seq       uint64
	lastID    string
	lastDirty bool
	counts    map[string]Count

	listeners    map[string]map[int]Listener
	nextListener int
}

var _ Reader = (*Tree)(nil)

// New returns a tree holding only the root.
func New(opts ...Option) *Tree {
	t := &Tree{
		key:       ByTime,
		listeners: make(map[string]map[int]Listener),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.clear()
	return t
}

func (t *Tree) clear() {
	t.index = map[string]*entry{RootID: {Node: Node{ID: RootID}}}
	t.size = 0
	t.lastID = ""
	t.lastDirty = false
	t.counts = nil
}

// Size is the number of real message nodes, excluding root and placeholders.
func (t *Tree) Size() int { return t.size }

// Get returns a copy of the node. Unknown ids report false.
func (t *Tree) Get(id string) (Node, bool) {
	e, ok := t.index[id]
	if !ok {
		return Node{}, false
	}
	return e.clone(), true
}

// Has reports whether id is present, placeholders included.
func (t *Tree) Has(id string) bool {
	_, ok := t.index[id]
	return ok
}

// Add inserts or merges records and returns the ids whose state changed:
// the touched nodes in record order followed by affected parents.
func (t *Tree) Add(records ...Node) []string {
	ch := newChangeSet()
	for i := range records {
		t.addOne(records[i], ch)
	}
	return t.commit(ch)
}

// Reset drops every node except root and adds records. Root is always
// reported as changed.
func (t *Tree) Reset(records ...Node) []string {
	t.clear()
	ch := newChangeSet()
	for i := range records {
		t.addOne(records[i], ch)
	}
	ch.parent(RootID)
	return t.commit(ch)
}

// MergeNode shallow-merges fields into an existing node. It reports whether
// anything changed; unchanged merges emit nothing.
func (t *Tree) MergeNode(id string, f Fields) bool {
	e, ok := t.index[id]
	if !ok || id == RootID || e.Placeholder {
		return false
	}
	updated := e.clone()
	f.apply(&updated)
	if updated.Parent == "" || updated.Parent == id {
		updated.Parent = RootID
	}
	ch := newChangeSet()
	t.update(e, updated, ch)
	return len(t.commit(ch)) > 0
}

// Last returns the node with the highest sort key.
func (t *Tree) Last() (Node, bool) {
	if t.lastDirty {
		t.rescanLast()
	}
	if t.lastID == "" {
		return Node{}, false
	}
	return t.Get(t.lastID)
}

// Subscribe registers fn for changes to id, or to every node with AllID.
// The returned func removes the subscription.
func (t *Tree) Subscribe(id string, fn Listener) func() {
	set, ok := t.listeners[id]
	if !ok {
		set = make(map[int]Listener)
		t.listeners[id] = set
	}
	t.nextListener++
	key := t.nextListener
	set[key] = fn
	return func() {
		delete(set, key)
		if len(set) == 0 {
			delete(t.listeners, id)
		}
	}
}

func (t *Tree) addOne(rec Node, ch *changeSet) {
	id := rec.ID
	if id == "" || id == RootID {
		return
	}
	e, ok := t.index[id]
	switch {
	case !ok:
		n := rec.clone()
		n.Children = nil
		n.Placeholder = false
		if n.Parent == "" || n.Parent == id {
			n.Parent = RootID
		}
		e = &entry{Node: n, seq: t.nextSeq()}
		t.index[id] = e
		t.size++
		t.link(e, ch)
		ch.node(id)
		t.noteLast(e)
	case e.Placeholder:
		children := e.Children
		e.Node = rec.clone()
		e.Children = children
		e.Placeholder = false
		if e.Parent == "" || e.Parent == id {
			e.Parent = RootID
		}
		e.seq = t.nextSeq()
		t.size++
		t.link(e, ch)
		ch.node(id)
		t.noteLast(e)
	default:
		updated := e.clone()
		updated.merge(rec)
		if updated.Parent == id {
			updated.Parent = e.Parent
		}
		t.update(e, updated, ch)
	}
}

// update replaces e's data with updated, relinking or resorting as needed.
func (t *Tree) update(e *entry, updated Node, ch *changeSet) {
	if cmp.Equal(e.Node, updated) {
		return
	}
	oldParent := e.Parent
	oldKey := t.key(&e.Node)
	e.Node = updated
	ch.node(e.ID)
	switch {
	case e.Parent != oldParent:
		t.unlink(e.ID, oldParent, ch)
		t.link(e, ch)
		t.lastDirty = true
	case t.key(&e.Node) != oldKey:
		if p, ok := t.index[e.Parent]; ok {
			t.resort(p)
			ch.parent(p.ID)
		}
		t.lastDirty = true
	}
}

// link inserts e into its parent's children, creating a placeholder parent
// when needed.
func (t *Tree) link(e *entry, ch *changeSet) {
	p, ok := t.index[e.Parent]
	if !ok {
		p = &entry{Node: Node{ID: e.Parent, Placeholder: true}, seq: t.nextSeq()}
		t.index[e.Parent] = p
	}
	i := sort.Search(len(p.Children), func(i int) bool {
		return t.less(e, t.index[p.Children[i]])
	})
	p.Children = append(p.Children, "")
	copy(p.Children[i+1:], p.Children[i:])
	p.Children[i] = e.ID
	ch.parent(p.ID)
}

func (t *Tree) unlink(id, parent string, ch *changeSet) {
	p, ok := t.index[parent]
	if !ok {
		return
	}
	for i, c := range p.Children {
		if c == id {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			ch.parent(parent)
			return
		}
	}
}

func (t *Tree) resort(p *entry) {
	sort.SliceStable(p.Children, func(i, j int) bool {
		return t.less(t.index[p.Children[i]], t.index[p.Children[j]])
	})
}

// less orders siblings by sort key, then by insertion.
func (t *Tree) less(a, b *entry) bool {
	if b == nil {
		return false
	}
	if a == nil {
		return true
	}
	ka, kb := t.key(&a.Node), t.key(&b.Node)
	if ka != kb {
		return ka < kb
	}
	return a.seq < b.seq
}

func (t *Tree) nextSeq() uint64 {
	t.seq++
	return t.seq
}

func (t *Tree) noteLast(e *entry) {
	if t.lastDirty {
		return
	}
	if t.lastID == "" {
		t.lastID = e.ID
		return
	}
	last := t.index[t.lastID]
	if t.key(&e.Node) >= t.key(&last.Node) {
		t.lastID = e.ID
	}
}

func (t *Tree) rescanLast() {
	t.lastID = ""
	var best *entry
	for id, e := range t.index {
		if id == RootID || e.Placeholder {
			continue
		}
		if best == nil || t.less(best, e) {
			best = e
		}
	}
	if best != nil {
		t.lastID = best.ID
	}
	t.lastDirty = false
}

// commit invalidates cached counts and notifies listeners of the change set.
func (t *Tree) commit(ch *changeSet) []string {
	ids := ch.ids()
	if len(ids) == 0 {
		return nil
	}
	t.counts = nil
	for _, id := range ids {
		n, ok := t.Get(id)
		if !ok {
			continue
		}
		t.notify(id, id, n)
		t.notify(AllID, id, n)
	}
	return ids
}

func (t *Tree) notify(key, id string, n Node) {
	set := t.listeners[key]
	if len(set) == 0 {
		return
	}
	fns := make([]Listener, 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	for _, fn := range fns {
		fn(id, n)
	}
}

// changeSet collects changed ids once each: touched nodes first, then the
// parents whose children changed.
type changeSet struct {
	seen    map[string]bool
	nodes   []string
	parents []string
}

func newChangeSet() *changeSet {
	return &changeSet{seen: make(map[string]bool)}
}

func (c *changeSet) node(id string) {
	if c.seen[id] {
		for i, p := range c.parents {
			if p == id {
				c.parents = append(c.parents[:i], c.parents[i+1:]...)
				c.nodes = append(c.nodes, id)
				return
			}
		}
		return
	}
	c.seen[id] = true
	c.nodes = append(c.nodes, id)
}

func (c *changeSet) parent(id string) {
	if c.seen[id] {
		return
	}
	c.seen[id] = true
	c.parents = append(c.parents, id)
}

func (c *changeSet) ids() []string {
	out := make([]string, 0, len(c.nodes)+len(c.parents))
	out = append(out, c.nodes...)
	return append(out, c.parents...)
}
