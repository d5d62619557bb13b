package element

import "slices"

// Store is the materialized document: element id to last known element, plus
// the order in which ids were first seen. It is not safe for concurrent use;
// the owner serializes access.
type Store struct {
	elements map[string]Element
	order    []string
}

// NewStore returns a store seeded from snapshot.
func NewStore(snapshot []Element) *Store {
	s := &Store{}
	s.Reset(snapshot)
	return s
}

// Reset replaces the whole contents with snapshot. Ids missing from snapshot
// are forgotten. When snapshot repeats an id the last entry wins and the first
// position is kept.
func (s *Store) Reset(snapshot []Element) {
	s.elements = make(map[string]Element, len(snapshot))
	s.order = make([]string, 0, len(snapshot))
	for _, e := range snapshot {
		s.Put(e)
	}
}

func (s *Store) Get(id string) (Element, bool) {
	e, ok := s.elements[id]
	return e, ok
}

// Put stores e under its id, replacing any previous element wholesale.
func (s *Store) Put(e Element) {
	if _, ok := s.elements[e.ID]; !ok {
		s.order = append(s.order, e.ID)
	}
	s.elements[e.ID] = e
}

// Tombstone marks a known element deleted in place. It reports whether the
// store changed.
func (s *Store) Tombstone(id string) bool {
	e, ok := s.elements[id]
	if !ok || e.IsDeleted {
		return false
	}
	s.elements[id] = e.Tombstoned()
	return true
}

func (s *Store) Len() int {
	return len(s.elements)
}

// Elements reconstructs the ordered element list.
func (s *Store) Elements() []Element {
	out := make([]Element, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.elements[id])
	}
	return out
}

// IDs returns the known ids in order.
func (s *Store) IDs() []string {
	return slices.Clone(s.order)
}
