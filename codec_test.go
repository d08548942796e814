package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testSet(t *testing.T) *Set {
	t.Helper()
	s := NewSet()
	s.Add(Prefix, mustRecord(t, hookA, "a", WithPriority(High), WithBefore("b")))
	s.Add(Prefix, mustRecord(t, hookB, "b", WithPriority(-5)))
	s.Add(Postfix, mustRecord(t, hookC, "c", WithAfter("a", "b")))
	s.Add(Rewrite, mustRecord(t, rewriteA, "a"))
	return s
}

func testResolver(t *testing.T) MapResolver {
	m, err := Functions(hookA, hookB, hookC, rewriteA)
	require.NoError(t, err)
	return m
}

func TestMarshalSet(t *testing.T) {
	assert := assert.New(t)

	set := testSet(t)
	set.RemoveRecord(Prefix, mustRecord(t, hookA, "a").Handle)
	set.Add(Prefix, mustRecord(t, hookA, "a", WithPriority(High), WithBefore("b")))

	b, err := MarshalSet(set)
	require.NoError(t, err)

	got, err := UnmarshalSet(b, testResolver(t))
	require.NoError(t, err)

	for kind := Prefix; kind <= Rewrite; kind++ {
		want := set.Records(kind)
		have := got.Records(kind)
		require.Len(t, have, len(want), kind.String())
		for i := range want {
			assert.Equal(want[i].Index, have[i].Index)
			assert.Equal(want[i].Owner, have[i].Owner)
			assert.Equal(want[i].Priority, have[i].Priority)
			assert.Equal(want[i].Before, have[i].Before)
			assert.Equal(want[i].After, have[i].After)
			assert.Equal(want[i].Handle, have[i].Handle)
			assert.True(have[i].fits(kind))
		}
	}

	// Indexes keep counting from where the encoded set left off
	assert.Equal(4, got.Add(Prefix, mustRecord(t, hookC, "c")))
}

func TestMarshalSet_Empty(t *testing.T) {
	b, err := MarshalSet(NewSet())
	require.NoError(t, err)

	got, err := UnmarshalSet(b, MapResolver{})
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestUnmarshalSet_UnknownFields(t *testing.T) {
	b, err := MarshalSet(testSet(t))
	require.NoError(t, err)

	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)
	b = protowire.AppendTag(b, 100, protowire.BytesType)
	b = protowire.AppendString(b, "ignored")

	got, err := UnmarshalSet(b, testResolver(t))
	require.NoError(t, err)
	assert.Equal(t, 4, got.Len())
}

func TestUnmarshalSet_Errors(t *testing.T) {
	valid, err := MarshalSet(testSet(t))
	require.NoError(t, err)

	setWithType := func(name string) []byte {
		b := protowire.AppendTag(nil, setFieldType, protowire.BytesType)
		return protowire.AppendString(b, name)
	}
	withRecord := func(b []byte, rec []byte) []byte {
		b = protowire.AppendTag(b, setFieldPrefix, protowire.BytesType)
		return protowire.AppendBytes(b, rec)
	}
	record := marshalRecord(mustRecord(t, hookA, "a"))

	tests := map[string]struct {
		data     []byte
		resolver Resolver
		is       error
	}{
		"wrong set type": {
			data: setWithType("intercept.Other"),
			is:   ErrDeserializationTypeMismatch,
		},
		"missing set type": {
			data: withRecord(nil, record),
			is:   ErrDeserializationTypeMismatch,
		},
		"set type as varint": {
			data: protowire.AppendVarint(protowire.AppendTag(nil, setFieldType, protowire.VarintType), 1),
			is:   ErrDeserializationTypeMismatch,
		},
		"record as varint": {
			data: protowire.AppendVarint(protowire.AppendTag(setWithType(setTypeName), setFieldPostfix, protowire.VarintType), 1),
			is:   ErrDeserializationTypeMismatch,
		},
		"wrong record type": {
			data: withRecord(setWithType(setTypeName), protowire.AppendString(protowire.AppendTag(nil, recFieldType, protowire.BytesType), "intercept.Set")),
			is:   ErrDeserializationTypeMismatch,
		},
		"priority as string": {
			data: withRecord(setWithType(setTypeName), protowire.AppendString(protowire.AppendTag(record, recFieldPriority, protowire.BytesType), "high")),
			is:   ErrDeserializationTypeMismatch,
		},
		"repeated record": {
			data: withRecord(withRecord(setWithType(setTypeName), record), record),
			is:   ErrDeserializationTypeMismatch,
		},
		"unknown symbol": {
			data:     valid,
			resolver: MapResolver{},
			is:       ErrUnknownSymbol,
		},
		"hook bound to rewrite": {
			data: valid,
			resolver: MapResolver{
				funcName(reflectPC(hookA)):    hookA,
				funcName(reflectPC(hookB)):    hookB,
				funcName(reflectPC(hookC)):    hookC,
				funcName(reflectPC(rewriteA)): hookA,
			},
			is: ErrDeserializationTypeMismatch,
		},
		"resolved to a non-interceptor": {
			data: valid,
			resolver: MapResolver{
				funcName(reflectPC(hookA)):    double,
				funcName(reflectPC(hookB)):    hookB,
				funcName(reflectPC(hookC)):    hookC,
				funcName(reflectPC(rewriteA)): rewriteA,
			},
			is: ErrInvalidInterceptorTarget,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			resolver := tc.resolver
			if resolver == nil {
				resolver = testResolver(t)
			}
			set, err := UnmarshalSet(tc.data, resolver)
			assert.ErrorIs(t, err, tc.is)
			assert.Nil(t, set)
		})
	}

	t.Run("truncated", func(t *testing.T) {
		_, err := UnmarshalSet(valid[:len(valid)-3], testResolver(t))
		assert.Error(t, err)
	})
}

func TestFunctions(t *testing.T) {
	m, err := Functions(hookA)
	require.NoError(t, err)

	fn, err := m.Resolve(funcName(reflectPC(hookA)))
	assert.NoError(t, err)
	assert.Equal(t, reflectPC(hookA), reflectPC(fn))

	_, err = Functions(42)
	assert.ErrorIs(t, err, ErrInvalidInterceptorTarget)
}

func TestRegistry_Metadata(t *testing.T) {
	assert := assert.New(t)
	r, _, _ := newTestRegistry(t)

	set := NewSet()
	set.Add(Prefix, mustRecord(t, hookA, "a"))
	set.Add(Postfix, mustRecord(t, hookB, "b"))
	require.NoError(t, r.Apply(double, set))

	b, err := r.SerializeMetadata(double)
	require.NoError(t, err)

	require.NoError(t, r.Restore(double))
	assert.Equal(State{}, r.State(double))

	loaded, err := r.DeserializeMetadata(b, testResolver(t))
	require.NoError(t, err)
	require.NoError(t, r.Apply(double, loaded))
	assert.Equal(State{Patched: true, Prefixes: 1, Postfixes: 1}, r.State(double))
	assert.Equal([]string{"a", "b"}, r.Owners(double))

	// An unpatched target serializes as an empty set
	b, err = r.SerializeMetadata(negate)
	require.NoError(t, err)
	empty, err := r.DeserializeMetadata(b, MapResolver{})
	require.NoError(t, err)
	assert.True(empty.Empty())
}
