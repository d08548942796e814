package intercept

import (
	"slices"
)

// AnyOwner matches every owner when removing by owner.
const AnyOwner = "*"

// Set holds the interceptors attached to one target. Records within a kind
// are kept in registration order; the ordering engine sorts copies of them.
type Set struct {
	Prefixes  []Record
	Postfixes []Record
	Rewrites  []Record

	// Highest index handed out per kind. Indexes are never reused, even
	// after the record holding the highest one is removed.
	last [3]int
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{}
}

func (s *Set) list(kind Kind) *[]Record {
	switch kind {
	case Prefix:
		return &s.Prefixes
	case Postfix:
		return &s.Postfixes
	case Rewrite:
		return &s.Rewrites
	}
	panic("intercept: invalid kind " + kind.String())
}

// Records returns the records of kind in registration order.
func (s *Set) Records(kind Kind) []Record {
	return *s.list(kind)
}

// Add appends rec to kind and returns its index. If a record with the same
// handle is already present, nothing changes and its index is returned.
func (s *Set) Add(kind Kind, rec Record) int {
	list := s.list(kind)
	for _, existing := range *list {
		if existing.Same(rec) {
			return existing.Index
		}
	}

	next := s.last[kind]
	if n := len(*list); n > 0 && (*list)[n-1].Index > next {
		next = (*list)[n-1].Index
	}
	next++
	s.last[kind] = next

	rec = rec.clone()
	rec.Index = next
	*list = append(*list, rec)
	return next
}

// RemoveOwner removes the records of kind registered by owner. AnyOwner
// clears the kind.
func (s *Set) RemoveOwner(kind Kind, owner string) {
	list := s.list(kind)
	if owner == AnyOwner {
		*list = nil
		return
	}
	*list = slices.DeleteFunc(*list, func(r Record) bool {
		return r.Owner == owner
	})
}

// RemoveRecord removes the record with handle h from kind.
func (s *Set) RemoveRecord(kind Kind, h Handle) {
	list := s.list(kind)
	*list = slices.DeleteFunc(*list, func(r Record) bool {
		return r.Handle.PC == h.PC
	})
}

// RemoveAll removes the record with handle h from every kind.
func (s *Set) RemoveAll(h Handle) {
	for kind := Prefix; kind <= Rewrite; kind++ {
		s.RemoveRecord(kind, h)
	}
}

// Len returns the total number of records.
func (s *Set) Len() int {
	return len(s.Prefixes) + len(s.Postfixes) + len(s.Rewrites)
}

// Empty reports whether the set has no records.
func (s *Set) Empty() bool {
	return s.Len() == 0
}

// Owners returns the distinct owners in the set, in order of first
// appearance across prefixes, postfixes and rewrites.
func (s *Set) Owners() []string {
	var owners []string
	for kind := Prefix; kind <= Rewrite; kind++ {
		for _, r := range s.Records(kind) {
			if !slices.Contains(owners, r.Owner) {
				owners = append(owners, r.Owner)
			}
		}
	}
	return owners
}

// Equal reports whether s and o hold the same records, with the same
// attributes, in the same order.
func (s *Set) Equal(o *Set) bool {
	for kind := Prefix; kind <= Rewrite; kind++ {
		if !slices.EqualFunc(s.Records(kind), o.Records(kind), sameRecord) {
			return false
		}
	}
	return true
}

func sameRecord(a, b Record) bool {
	return a.Same(b) &&
		a.Index == b.Index &&
		a.Owner == b.Owner &&
		a.Priority == b.Priority &&
		slices.Equal(a.Before, b.Before) &&
		slices.Equal(a.After, b.After)
}

// duplicate returns the first record of kind whose handle appears earlier
// in the same kind.
func (s *Set) duplicate(kind Kind) (Record, bool) {
	seen := map[uintptr]bool{}
	for _, r := range s.Records(kind) {
		if seen[r.Handle.PC] {
			return r, true
		}
		seen[r.Handle.PC] = true
	}
	return Record{}, false
}

// Clone returns a deep copy of s.
func (s *Set) Clone() *Set {
	c := &Set{last: s.last}
	for kind := Prefix; kind <= Rewrite; kind++ {
		src := s.Records(kind)
		if len(src) == 0 {
			continue
		}
		dst := make([]Record, len(src))
		for i, r := range src {
			dst[i] = r.clone()
		}
		*c.list(kind) = dst
	}
	return c
}

// Sorted returns the records of kind in execution order.
func (s *Set) Sorted(kind Kind) []Record {
	return sortRecords(s.Records(kind))
}
