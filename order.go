package intercept

import (
	"cmp"
	"slices"

	"github.com/dominikbraun/graph"
)

// compareRecords orders two records of the same kind. Explicit before/after
// hints win over priority, priority wins over registration order.
//
// The hints are only checked from a's side, so the relation is not
// necessarily consistent across a whole set. Cyclic hints produce whatever
// order the stable sort settles on, which is deterministic for a given
// input.
func compareRecords(a, b Record) int {
	if slices.Contains(a.Before, b.Owner) {
		return -1
	}
	if slices.Contains(a.After, b.Owner) {
		return 1
	}

	if a.Priority != b.Priority {
		return -cmp.Compare(a.Priority, b.Priority)
	}

	return cmp.Compare(a.Index, b.Index)
}

// sortRecords returns a sorted copy of records.
func sortRecords(records []Record) []Record {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, compareRecords)
	return sorted
}

// Cycles reports groups of owners whose before/after hints within kind form
// a cycle. Ordering is not affected; this is only a diagnostic.
func (s *Set) Cycles(kind Kind) [][]string {
	return ownerCycles(s.Records(kind))
}

func ownerCycles(records []Record) [][]string {
	g := graph.New(graph.StringHash, graph.Directed())

	present := map[string]bool{}
	for _, r := range records {
		if !present[r.Owner] {
			present[r.Owner] = true
			_ = g.AddVertex(r.Owner)
		}
	}

	// Edges point from the owner that runs first to the one that runs
	// after it. Hints naming owners that aren't in the set are ignored.
	for _, r := range records {
		for _, other := range r.Before {
			if present[other] && other != r.Owner {
				_ = g.AddEdge(r.Owner, other)
			}
		}
		for _, other := range r.After {
			if present[other] && other != r.Owner {
				_ = g.AddEdge(other, r.Owner)
			}
		}
	}

	components, err := graph.StronglyConnectedComponents(g)
	if err != nil {
		return nil
	}

	var cycles [][]string
	for _, c := range components {
		if len(c) < 2 {
			continue
		}
		slices.Sort(c)
		cycles = append(cycles, c)
	}
	slices.SortFunc(cycles, func(a, b []string) int {
		return cmp.Compare(a[0], b[0])
	})
	return cycles
}
