package intercept

import (
	"reflect"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Type names written ahead of each message. Decoding only accepts these.
const (
	setTypeName    = "intercept.Set"
	recordTypeName = "intercept.Record"
)

const (
	setFieldType     protowire.Number = 1
	setFieldPrefix   protowire.Number = 2
	setFieldPostfix  protowire.Number = 3
	setFieldRewrite  protowire.Number = 4
	recFieldType     protowire.Number = 1
	recFieldIndex    protowire.Number = 2
	recFieldOwner    protowire.Number = 3
	recFieldPriority protowire.Number = 4
	recFieldBefore   protowire.Number = 5
	recFieldAfter    protowire.Number = 6
	recFieldName     protowire.Number = 7
)

var setKindFields = map[protowire.Number]Kind{
	setFieldPrefix:  Prefix,
	setFieldPostfix: Postfix,
	setFieldRewrite: Rewrite,
}

// Resolver finds a function by its runtime symbol name. Function pointers
// aren't portable between processes, so persisted records are bound back to
// code by name.
type Resolver interface {
	Resolve(name string) (any, error)
}

// MapResolver resolves names from a map.
type MapResolver map[string]any

func (m MapResolver) Resolve(name string) (any, error) {
	fn, ok := m[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSymbol, "%q", name)
	}
	return fn, nil
}

// Functions returns a MapResolver for fns keyed by their symbol names.
func Functions(fns ...any) (MapResolver, error) {
	m := MapResolver{}
	for _, fn := range fns {
		h, err := handleOf(reflect.ValueOf(fn))
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidInterceptorTarget, "%v", err)
		}
		m[h.Name] = fn
	}
	return m, nil
}

// MarshalSet encodes set's records. Interceptor functions are stored by
// name.
func MarshalSet(set *Set) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, setFieldType, protowire.BytesType)
	b = protowire.AppendString(b, setTypeName)

	for _, field := range []protowire.Number{setFieldPrefix, setFieldPostfix, setFieldRewrite} {
		for _, rec := range set.Records(setKindFields[field]) {
			if rec.Handle.Name == "" {
				return nil, errors.Wrapf(ErrInvalidInterceptorTarget, "record %s has no name", rec)
			}
			b = protowire.AppendTag(b, field, protowire.BytesType)
			b = protowire.AppendBytes(b, marshalRecord(rec))
		}
	}
	return b, nil
}

func marshalRecord(rec Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, recFieldType, protowire.BytesType)
	b = protowire.AppendString(b, recordTypeName)
	b = protowire.AppendTag(b, recFieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(rec.Index)))
	b = protowire.AppendTag(b, recFieldOwner, protowire.BytesType)
	b = protowire.AppendString(b, rec.Owner)
	b = protowire.AppendTag(b, recFieldPriority, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(rec.Priority)))
	for _, o := range rec.Before {
		b = protowire.AppendTag(b, recFieldBefore, protowire.BytesType)
		b = protowire.AppendString(b, o)
	}
	for _, o := range rec.After {
		b = protowire.AppendTag(b, recFieldAfter, protowire.BytesType)
		b = protowire.AppendString(b, o)
	}
	b = protowire.AppendTag(b, recFieldName, protowire.BytesType)
	b = protowire.AppendString(b, rec.Handle.Name)
	return b
}

// UnmarshalSet decodes a set written by MarshalSet, binding each record to
// the function resolve returns for its name. Nothing is returned if any
// part of the input is malformed.
func UnmarshalSet(b []byte, resolve Resolver) (*Set, error) {
	set := NewSet()
	var typeName string

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case setFieldType:
			s, n, err := consumeString(num, typ, v)
			typeName = s
			return n, err
		case setFieldPrefix, setFieldPostfix, setFieldRewrite:
			if typ != protowire.BytesType {
				return 0, typeMismatch(num, typ)
			}
			raw, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			rec, err := unmarshalRecord(raw, resolve)
			if err != nil {
				return 0, err
			}
			kind := setKindFields[num]
			list := set.list(kind)
			*list = append(*list, rec)
			if rec.Index > set.last[kind] {
				set.last[kind] = rec.Index
			}
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decoding set")
	}
	if typeName != setTypeName {
		return nil, errors.Wrapf(ErrDeserializationTypeMismatch, "decoding set: type %q", typeName)
	}

	for kind := Prefix; kind <= Rewrite; kind++ {
		for _, rec := range set.Records(kind) {
			if !rec.fits(kind) {
				return nil, errors.Wrapf(ErrDeserializationTypeMismatch, "decoding set: %s is not a %v", rec.Handle, kind)
			}
		}
		if rec, ok := set.duplicate(kind); ok {
			return nil, errors.Wrapf(ErrDeserializationTypeMismatch, "decoding set: %s appears twice as a %v", rec.Handle, kind)
		}
	}
	return set, nil
}

func unmarshalRecord(b []byte, resolve Resolver) (Record, error) {
	var (
		typeName, owner, name string
		index, priority       int64
		before, after         []string
	)

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case recFieldType:
			s, n, err := consumeString(num, typ, v)
			typeName = s
			return n, err
		case recFieldOwner:
			s, n, err := consumeString(num, typ, v)
			owner = s
			return n, err
		case recFieldName:
			s, n, err := consumeString(num, typ, v)
			name = s
			return n, err
		case recFieldBefore:
			s, n, err := consumeString(num, typ, v)
			before = append(before, s)
			return n, err
		case recFieldAfter:
			s, n, err := consumeString(num, typ, v)
			after = append(after, s)
			return n, err
		case recFieldIndex:
			i, n, err := consumeInt(num, typ, v)
			index = i
			return n, err
		case recFieldPriority:
			i, n, err := consumeInt(num, typ, v)
			priority = i
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return Record{}, err
	}
	if typeName != recordTypeName {
		return Record{}, errors.Wrapf(ErrDeserializationTypeMismatch, "record type %q", typeName)
	}

	fn, err := resolve.Resolve(name)
	if err != nil {
		return Record{}, err
	}
	rec, err := NewRecord(fn, owner, WithPriority(int(priority)), WithBefore(before...), WithAfter(after...))
	if err != nil {
		return Record{}, errors.Wrapf(err, "binding %q", name)
	}
	rec.Index = int(index)
	return rec, nil
}

// consumeFields calls field for each field in b. field returns the number of
// value bytes it consumed, or -1 to skip an unknown field.
func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, typeMismatch(num, typ)
	}
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return s, n, nil
}

func consumeInt(num protowire.Number, typ protowire.Type, b []byte) (int64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, typeMismatch(num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return protowire.DecodeZigZag(v), n, nil
}

func typeMismatch(num protowire.Number, typ protowire.Type) error {
	return errors.Wrapf(ErrDeserializationTypeMismatch, "field %d has wire type %d", num, typ)
}

// SerializeMetadata encodes target's interceptor set.
func (r *Registry) SerializeMetadata(target any) ([]byte, error) {
	set := r.Info(target)
	if set == nil {
		set = NewSet()
	}
	return MarshalSet(set)
}

// DeserializeMetadata decodes a set written by SerializeMetadata. Pass the
// result to Apply to install it.
func (r *Registry) DeserializeMetadata(b []byte, resolve Resolver) (*Set, error) {
	return UnmarshalSet(b, resolve)
}
