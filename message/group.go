package message

import "sort"

// Group bundles named sub-messages, typically the synchronized outputs of a
// Sync node.
type Group struct {
	header
	items map[string]Message
}

// NewGroup creates an empty message group.
func NewGroup(opts ...Option) *Group {
	return &Group{header: newHeader(opts), items: make(map[string]Message)}
}

func (g *Group) Datatype() Datatype { return MessageGroup }

// Add stores msg under name, replacing any previous entry. A nil msg removes it.
func (g *Group) Add(name string, msg Message) {
	if msg == nil {
		delete(g.items, name)
		return
	}
	g.items[name] = msg
}

// Get returns the sub-message stored under name.
func (g *Group) Get(name string) (Message, bool) {
	msg, ok := g.items[name]
	return msg, ok
}

// Names returns the sub-message names in sorted order.
func (g *Group) Names() []string {
	names := make([]string, 0, len(g.items))
	for name := range g.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Group) Len() int { return len(g.items) }

// Frame returns the named sub-message if it is an image frame.
func (g *Group) Frame(name string) (*Frame, bool) {
	msg, ok := g.items[name]
	if !ok {
		return nil, false
	}
	return AsFrame(msg)
}

// Buffer returns the named sub-message if it is a raw buffer.
func (g *Group) Buffer(name string) (*RawBuffer, bool) {
	msg, ok := g.items[name]
	if !ok {
		return nil, false
	}
	return AsBuffer(msg)
}
