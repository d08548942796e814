package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func owners(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Owner
	}
	return out
}

func TestCompareRecords(t *testing.T) {
	tests := map[string]struct {
		a, b Record
		want int
	}{
		"before wins over priority": {
			a:    Record{Owner: "a", Priority: Last, Before: []string{"b"}},
			b:    Record{Owner: "b", Priority: First},
			want: -1,
		},
		"after wins over priority": {
			a:    Record{Owner: "a", Priority: First, After: []string{"b"}},
			b:    Record{Owner: "b", Priority: Last},
			want: 1,
		},
		"higher priority first": {
			a:    Record{Owner: "a", Priority: High},
			b:    Record{Owner: "b", Priority: Low},
			want: -1,
		},
		"lower priority last": {
			a:    Record{Owner: "a", Priority: Low},
			b:    Record{Owner: "b", Priority: High},
			want: 1,
		},
		"tie broken by index": {
			a:    Record{Owner: "a", Priority: Normal, Index: 2},
			b:    Record{Owner: "b", Priority: Normal, Index: 1},
			want: 1,
		},
		"identical": {
			a:    Record{Owner: "a", Priority: Normal, Index: 1},
			b:    Record{Owner: "a", Priority: Normal, Index: 1},
			want: 0,
		},
		"hint naming another owner": {
			a:    Record{Owner: "a", Priority: Normal, Index: 1, Before: []string{"c"}},
			b:    Record{Owner: "b", Priority: Normal, Index: 2},
			want: -1,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, compareRecords(tc.a, tc.b))
		})
	}
}

func TestSortRecords(t *testing.T) {
	t.Run("before overrides insertion order", func(t *testing.T) {
		records := []Record{
			{Owner: "a", Priority: 0, Index: 1},
			{Owner: "b", Priority: 10, Index: 2, Before: []string{"a"}},
		}
		assert.Equal(t, []string{"b", "a"}, owners(sortRecords(records)))
	})

	t.Run("priority then index", func(t *testing.T) {
		records := []Record{
			{Owner: "a", Priority: Normal, Index: 1},
			{Owner: "b", Priority: High, Index: 2},
			{Owner: "c", Priority: Normal, Index: 3},
			{Owner: "d", Priority: Last, Index: 4},
			{Owner: "e", Priority: First, Index: 5},
		}
		assert.Equal(t, []string{"e", "b", "a", "c", "d"}, owners(sortRecords(records)))
	})

	t.Run("after overrides priority", func(t *testing.T) {
		records := []Record{
			{Owner: "a", Priority: Low, Index: 1},
			{Owner: "b", Priority: High, Index: 2, After: []string{"a"}},
		}
		assert.Equal(t, []string{"a", "b"}, owners(sortRecords(records)))
	})

	t.Run("input untouched", func(t *testing.T) {
		records := []Record{
			{Owner: "a", Priority: Low, Index: 1},
			{Owner: "b", Priority: High, Index: 2},
		}
		sortRecords(records)
		assert.Equal(t, []string{"a", "b"}, owners(records))
	})

	t.Run("deterministic with cycles", func(t *testing.T) {
		records := []Record{
			{Owner: "a", Index: 1, Before: []string{"b"}},
			{Owner: "b", Index: 2, Before: []string{"c"}},
			{Owner: "c", Index: 3, Before: []string{"a"}},
		}
		first := owners(sortRecords(records))
		for range 10 {
			assert.Equal(t, first, owners(sortRecords(records)))
		}
	})
}

func TestSet_Cycles(t *testing.T) {
	assert := assert.New(t)

	s := NewSet()
	s.Add(Prefix, mustRecord(t, hookA, "a", WithBefore("b")))
	s.Add(Prefix, mustRecord(t, hookB, "b", WithAfter("c")))
	s.Add(Prefix, mustRecord(t, hookC, "c", WithAfter("a")))
	assert.Empty(s.Cycles(Postfix))

	// a -> b, c -> b, a -> c: no cycle
	assert.Empty(s.Cycles(Prefix))

	s.Add(Postfix, mustRecord(t, hookA, "a", WithBefore("b")))
	s.Add(Postfix, mustRecord(t, hookB, "b", WithBefore("c")))
	s.Add(Postfix, mustRecord(t, hookC, "c", WithBefore("a", "missing")))
	assert.Equal([][]string{{"a", "b", "c"}}, s.Cycles(Postfix))
}
