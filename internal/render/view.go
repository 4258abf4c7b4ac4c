package render

import (
	"github.com/465583030/heim/internal/roster"
	"github.com/465583030/heim/internal/tree"
)

// Item is one rendered message with its rendered replies.
type Item struct {
	ID       string     `json:"id"`
	Parent   string     `json:"parent,omitempty"`
	Time     int64      `json:"time,omitempty"`
	Sender   string     `json:"sender,omitempty"`
	SenderID string     `json:"senderId,omitempty"`
	Color    string     `json:"color,omitempty"`
	HTML     string     `json:"html,omitempty"`
	Edited   bool       `json:"edited,omitempty"`
	Deleted  bool       `json:"deleted,omitempty"`
	Mention  bool       `json:"mention,omitempty"`
	Unseen   bool       `json:"unseen,omitempty"`
	Entry    bool       `json:"entry,omitempty"`
	Missing  bool       `json:"missing,omitempty"`
	Depth    int        `json:"depth"`
	Replies  []Item     `json:"replies,omitempty"`
	Hidden   int        `json:"hidden,omitempty"`
	Count    tree.Count `json:"count"`
}

type Options struct {
	// Root renders the subtree under this id instead of the whole room.
	Root string
	// MaxReplies caps the replies kept per message; the rest are counted in
	// Item.Hidden. Zero keeps everything.
	MaxReplies int
}

// Thread is the render model of a room or subtree.
type Thread struct {
	Items []Item     `json:"items"`
	Count tree.Count `json:"count"`
}

// Build renders the tree. Deleted messages are kept as elided items so their
// replies stay in place; placeholders for parents that never arrived are
// marked Missing.
func Build(r tree.Reader, opts Options) Thread {
	root := opts.Root
	if root == "" {
		root = tree.RootID
	}
	if _, ok := r.Get(root); !ok {
		return Thread{}
	}
	top := tree.MapSubtree(r, root, func(n tree.Node, children []Item, depth int) Item {
		it := Item{
			ID:      n.ID,
			Parent:  n.Parent,
			Time:    n.Time,
			Edited:  n.Edited != 0,
			Deleted: n.Deleted != 0,
			Mention: n.Mention,
			Unseen:  !n.Seen,
			Entry:   n.Entry,
			Missing: n.Placeholder,
			Depth:   depth,
			Replies: children,
		}
		if opts.MaxReplies > 0 && len(it.Replies) > opts.MaxReplies {
			it.Hidden = len(it.Replies) - opts.MaxReplies
			it.Replies = it.Replies[:opts.MaxReplies]
			it.Count = r.DescendantCount(n.ID, opts.MaxReplies)
		} else {
			it.Count = r.GetCount(n.ID)
		}
		if n.Sender != nil {
			it.Sender = Nick(n.Sender.Name)
			it.SenderID = n.Sender.ID
			hue := roster.Hue(n.Sender.Name)
			if n.Sender.Hue != nil {
				hue = *n.Sender.Hue
			}
			it.Color = HueColor(hue)
		}
		if !it.Deleted {
			it.HTML = Content(n.Content)
		}
		return it
	})
	return Thread{Items: top.Replies, Count: top.Count}
}

// Person is one roster entry ready for display.
type Person struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	LastSent  int64  `json:"lastSent,omitempty"`
}

// People renders the roster in its display order.
func People(r roster.Reader) []Person {
	list := r.List()
	out := make([]Person, 0, len(list))
	for _, e := range list {
		out = append(out, Person{
			SessionID: e.SessionID,
			Name:      Nick(e.Name),
			Color:     HueColor(e.Hue),
			LastSent:  e.LastSent,
		})
	}
	return out
}
