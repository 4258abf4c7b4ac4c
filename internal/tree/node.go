package tree

import "slices"

// RootID is the id of the sentinel node at the top of every tree.
const RootID = "__root"

// AllID subscribes a listener to changes on every node.
const AllID = "__all"

// Sender identifies the author of a message.
type Sender struct {
	SessionID string `json:"session_id"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Hue       *int   `json:"hue,omitempty"`
}

func (s *Sender) clone() *Sender {
	if s == nil {
		return nil
	}
	c := *s
	if s.Hue != nil {
		h := *s.Hue
		c.Hue = &h
	}
	return &c
}

// Node is one message in the tree. A placeholder node stands in for a parent
// that has not arrived yet: it has no Parent and holds only Children.
type Node struct {
	ID          string   `json:"id"`
	Parent      string   `json:"parent,omitempty"`
	Time        int64    `json:"time,omitempty"`
	Sender      *Sender  `json:"sender,omitempty"`
	Content     string   `json:"content,omitempty"`
	Children    []string `json:"children"`
	Edited      int64    `json:"edited,omitempty"`
	Deleted     int64    `json:"deleted,omitempty"`
	Mention     bool     `json:"mention,omitempty"`
	Entry       bool     `json:"entry,omitempty"`
	Seen        bool     `json:"seen,omitempty"`
	Placeholder bool     `json:"placeholder,omitempty"`
}

func (n Node) clone() Node {
	n.Sender = n.Sender.clone()
	n.Children = slices.Clone(n.Children)
	return n
}

// merge copies every non-zero field of src over n. Boolean flags can only be
// raised this way; use Fields to clear them.
func (n *Node) merge(src Node) {
	if src.Parent != "" {
		n.Parent = src.Parent
	}
	if src.Time != 0 {
		n.Time = src.Time
	}
	if src.Sender != nil {
		hue := n.Sender.clone()
		n.Sender = src.Sender.clone()
		if n.Sender.Hue == nil && hue != nil {
			n.Sender.Hue = hue.Hue
		}
	}
	if src.Content != "" {
		n.Content = src.Content
	}
	if src.Edited != 0 {
		n.Edited = src.Edited
	}
	if src.Deleted != 0 {
		n.Deleted = src.Deleted
	}
	if src.Mention {
		n.Mention = true
	}
	if src.Entry {
		n.Entry = true
	}
	if src.Seen {
		n.Seen = true
	}
}

// Fields is a partial update for MergeNode. Nil fields are left alone.
type Fields struct {
	Parent  *string
	Time    *int64
	Sender  *Sender
	Content *string
	Edited  *int64
	Deleted *int64
	Mention *bool
	Entry   *bool
	Seen    *bool
}

func (f Fields) apply(n *Node) {
	if f.Parent != nil {
		n.Parent = *f.Parent
	}
	if f.Time != nil {
		n.Time = *f.Time
	}
	if f.Sender != nil {
		n.Sender = f.Sender.clone()
	}
	if f.Content != nil {
		n.Content = *f.Content
	}
	if f.Edited != nil {
		n.Edited = *f.Edited
	}
	if f.Deleted != nil {
		n.Deleted = *f.Deleted
	}
	if f.Mention != nil {
		n.Mention = *f.Mention
	}
	if f.Entry != nil {
		n.Entry = *f.Entry
	}
	if f.Seen != nil {
		n.Seen = *f.Seen
	}
}

// Ptr returns a pointer to v, for building Fields literals.
func Ptr[T any](v T) *T { return &v }
