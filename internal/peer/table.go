package peer

import "sort"

// Table holds the links of one session keyed by remote participant id.
// Like Link it is owned by a single goroutine.
type Table struct {
	links map[string]*Link
}

func NewTable() *Table {
	return &Table{links: make(map[string]*Link)}
}

func (t *Table) Get(remoteID string) (*Link, bool) {
	l, ok := t.links[remoteID]
	return l, ok
}

// Put stores l, replacing any link for the same remote id.
func (t *Table) Put(l *Link) {
	t.links[l.RemoteID()] = l
}

// Remove deletes and returns the link for remoteID, if any.
func (t *Table) Remove(remoteID string) (*Link, bool) {
	l, ok := t.links[remoteID]
	if ok {
		delete(t.links, remoteID)
	}
	return l, ok
}

func (t *Table) Len() int { return len(t.links) }

// IDs returns the remote ids in sorted order.
func (t *Table) IDs() []string {
	ids := make([]string, 0, len(t.links))
	for id := range t.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Links returns the links ordered by remote id.
func (t *Table) Links() []*Link {
	out := make([]*Link, 0, len(t.links))
	for _, id := range t.IDs() {
		out = append(out, t.links[id])
	}
	return out
}
