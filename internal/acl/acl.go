// Package acl provides immutable identity sets used for the admin list
// and the blacklist. A Set is never mutated after construction; every
// change produces a new Set so readers holding an old one never see a
// half-applied update.
package acl

import (
	"slices"
	"strings"
)

// Set is an immutable set of chat identity IDs. The zero value is an
// empty set and safe to use.
type Set struct {
	ids map[string]struct{}
}

// NewSet builds a Set from ids. Empty strings and duplicates are dropped.
func NewSet(ids ...string) Set {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		m[id] = struct{}{}
	}
	return Set{ids: m}
}

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of IDs in the set.
func (s Set) Len() int {
	return len(s.ids)
}

// IDs returns the members sorted, so listings are stable.
func (s Set) IDs() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// With returns a new Set containing the members of s plus id.
func (s Set) With(id string) Set {
	return NewSet(append(s.IDs(), id)...)
}

// Without returns a new Set containing the members of s minus id.
func (s Set) Without(id string) Set {
	ids := s.IDs()
	return NewSet(slices.DeleteFunc(ids, func(v string) bool { return v == id })...)
}

// Snapshot is the pair of access lists the router consults. It is
// swapped as a unit.
type Snapshot struct {
	Admins    Set
	Blacklist Set
}
