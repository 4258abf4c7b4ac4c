package tree

// Count aggregates statistics over the descendants of a node.
type Count struct {
	Descendants          int    `json:"descendants"`
	NewDescendants       int    `json:"newDescendants"`
	MentionDescendants   int    `json:"mentionDescendants"`
	LatestDescendantTime int64  `json:"latestDescendantTime,omitempty"`
	LatestDescendant     string `json:"latestDescendant,omitempty"`
}

func (c *Count) addChild(n *Node, sub Count) {
	c.Descendants += 1 + sub.Descendants
	c.NewDescendants += sub.NewDescendants
	c.MentionDescendants += sub.MentionDescendants
	if !n.Seen {
		c.NewDescendants++
	}
	if n.Mention {
		c.MentionDescendants++
	}
}

func (c *Count) noteLatest(n *Node, sub Count) {
	if c.LatestDescendant == "" || n.Time >= c.LatestDescendantTime {
		c.LatestDescendantTime = n.Time
		c.LatestDescendant = n.ID
	}
	if sub.LatestDescendant != "" && sub.LatestDescendantTime >= c.LatestDescendantTime {
		c.LatestDescendantTime = sub.LatestDescendantTime
		c.LatestDescendant = sub.LatestDescendant
	}
}

// GetCount returns the aggregate over every descendant of id. Results are
// cached until the next mutation.
func (t *Tree) GetCount(id string) Count {
	if c, ok := t.counts[id]; ok {
		return c
	}
	return t.count(id, make(map[string]bool))
}

// DescendantCount is GetCount with the numeric tally limited to the subtrees
// of the first limit children. The latest descendant is always exact. A
// limit of zero or less means no cap.
func (t *Tree) DescendantCount(id string, limit int) Count {
	e, ok := t.index[id]
	if !ok {
		return Count{}
	}
	if limit <= 0 || limit >= len(e.Children) {
		return t.GetCount(id)
	}
	var c Count
	for i, cid := range e.Children {
		child, ok := t.index[cid]
		if !ok {
			continue
		}
		sub := t.GetCount(cid)
		if i < limit {
			c.addChild(&child.Node, sub)
		}
		c.noteLatest(&child.Node, sub)
	}
	return c
}

func (t *Tree) count(id string, visiting map[string]bool) Count {
	if c, ok := t.counts[id]; ok {
		return c
	}
	e, ok := t.index[id]
	if !ok || visiting[id] {
		return Count{}
	}
	visiting[id] = true
	var c Count
	for _, cid := range e.Children {
		child, ok := t.index[cid]
		if !ok {
			continue
		}
		sub := t.count(cid, visiting)
		c.addChild(&child.Node, sub)
		c.noteLatest(&child.Node, sub)
	}
	delete(visiting, id)
	if t.counts == nil {
		t.counts = make(map[string]Count)
	}
	t.counts[id] = c
	return c
}

// MapDFS walks the tree depth first from the root. visit receives each node
// with the already computed results of its children, in order, and the
// node's depth (root is 0). The root's result is returned.
func MapDFS[T any](r Reader, visit func(n Node, children []T, depth int) T) T {
	return mapDFS(r, RootID, 0, visit)
}

// MapSubtree is MapDFS starting at id instead of the root.
func MapSubtree[T any](r Reader, id string, visit func(n Node, children []T, depth int) T) T {
	return mapDFS(r, id, 0, visit)
}

func mapDFS[T any](r Reader, id string, depth int, visit func(Node, []T, int) T) T {
	n, _ := r.Get(id)
	children := make([]T, 0, len(n.Children))
	for _, cid := range n.Children {
		children = append(children, mapDFS(r, cid, depth+1, visit))
	}
	return visit(n, children, depth)
}
