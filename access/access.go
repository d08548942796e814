// Package access builds fast accessors for struct fields, property-style
// methods and constructors.
//
// Field accessors resolve the field's offset once and read or write through
// it directly, so unexported fields work too.
package access

import (
	"reflect"
	"unsafe"

	"github.com/pkg/errors"
)

// ErrMissingDefaultConstructor is returned when a type has no zero-argument
// way to construct a usable value.
var ErrMissingDefaultConstructor = errors.New("missing default constructor")

// Getter reads a value from obj.
type Getter func(obj any) any

// Setter writes value into obj, which must be a pointer.
type Setter func(obj, value any)

// Constructor returns a new value.
type Constructor func() any

func structType(t reflect.Type) (reflect.Type, error) {
	if t == nil {
		return nil, errors.New("nil type")
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, errors.Errorf("%v is not a struct", t)
	}
	return t, nil
}

func field(t reflect.Type, name string) (reflect.Type, reflect.StructField, error) {
	st, err := structType(t)
	if err != nil {
		return nil, reflect.StructField{}, err
	}
	f, ok := st.FieldByName(name)
	if !ok {
		return nil, reflect.StructField{}, errors.Errorf("%v has no field %s", st, name)
	}
	if len(f.Index) > 1 {
		// Promoted through an embedded struct. Only embedding by value
		// keeps the offset fixed.
		cur := st
		f.Offset = 0
		for i, idx := range f.Index {
			sf := cur.Field(idx)
			if i < len(f.Index)-1 && sf.Type.Kind() == reflect.Pointer {
				return nil, reflect.StructField{}, errors.Errorf("%v.%s is promoted through a pointer", st, name)
			}
			f.Offset += sf.Offset
			cur = sf.Type
		}
	}
	return st, f, nil
}

// base returns the address of the struct obj holds or points to.
func base(st reflect.Type, obj any, writable bool) (unsafe.Pointer, error) {
	v := reflect.ValueOf(obj)
	switch {
	case v.Kind() == reflect.Pointer && v.Type().Elem() == st:
		if v.IsNil() {
			return nil, errors.Errorf("nil %v", v.Type())
		}
		return v.UnsafePointer(), nil
	case !writable && v.IsValid() && v.Type() == st:
		cp := reflect.New(st)
		cp.Elem().Set(v)
		return cp.UnsafePointer(), nil
	}
	return nil, errors.Errorf("expected *%v, got %T", st, obj)
}

// FieldGetter returns a Getter for the named field of t. The getter accepts
// a t or a pointer to one.
func FieldGetter(t reflect.Type, name string) (Getter, error) {
	st, f, err := field(t, name)
	if err != nil {
		return nil, errors.Wrap(err, "field getter")
	}
	return func(obj any) any {
		p, err := base(st, obj, false)
		if err != nil {
			panic(errors.Wrapf(err, "get %s", f.Name))
		}
		return reflect.NewAt(f.Type, unsafe.Add(p, f.Offset)).Elem().Interface()
	}, nil
}

// FieldSetter returns a Setter for the named field of t.
func FieldSetter(t reflect.Type, name string) (Setter, error) {
	st, f, err := field(t, name)
	if err != nil {
		return nil, errors.Wrap(err, "field setter")
	}
	return func(obj, value any) {
		p, err := base(st, obj, true)
		if err != nil {
			panic(errors.Wrapf(err, "set %s", f.Name))
		}
		dst := reflect.NewAt(f.Type, unsafe.Add(p, f.Offset)).Elem()
		if value == nil {
			dst.SetZero()
			return
		}
		dst.Set(reflect.ValueOf(value))
	}, nil
}

// PropertyGetter returns a Getter that calls the method name on obj. The
// method must take no arguments and return one value.
func PropertyGetter(t reflect.Type, name string) (Getter, error) {
	m, ok := t.MethodByName(name)
	if !ok {
		return nil, errors.Errorf("property getter: %v has no method %s", t, name)
	}
	if m.Type.NumIn() != 1 || m.Type.NumOut() != 1 {
		return nil, errors.Errorf("property getter: %v.%s is not a getter", t, name)
	}
	return func(obj any) any {
		return m.Func.Call([]reflect.Value{reflect.ValueOf(obj)})[0].Interface()
	}, nil
}

// PropertySetter returns a Setter that calls the method name on obj with
// the value. The method must take one argument and return nothing.
func PropertySetter(t reflect.Type, name string) (Setter, error) {
	m, ok := t.MethodByName(name)
	if !ok {
		return nil, errors.Errorf("property setter: %v has no method %s", t, name)
	}
	if m.Type.NumIn() != 2 || m.Type.NumOut() != 0 {
		return nil, errors.Errorf("property setter: %v.%s is not a setter", t, name)
	}
	in := m.Type.In(1)
	return func(obj, value any) {
		v := reflect.Zero(in)
		if value != nil {
			v = reflect.ValueOf(value)
		}
		m.Func.Call([]reflect.Value{reflect.ValueOf(obj), v})
	}, nil
}

// FirstFieldGetter returns a Getter for the first of names that t has as a
// field.
func FirstFieldGetter(t reflect.Type, names ...string) (Getter, error) {
	st, err := structType(t)
	if err != nil {
		return nil, errors.Wrap(err, "field getter")
	}
	for _, name := range names {
		if _, ok := st.FieldByName(name); ok {
			return FieldGetter(st, name)
		}
	}
	return nil, errors.Errorf("field getter: %v has none of the fields %v", st, names)
}

// NewConstructor returns a Constructor for t. Pointer types produce a
// pointer to a new zero value; maps, channels and slices are made empty
// rather than nil. Interfaces, functions and unsafe pointers have nothing
// to construct and fail with ErrMissingDefaultConstructor.
func NewConstructor(t reflect.Type) (Constructor, error) {
	if t == nil {
		return nil, errors.Wrap(ErrMissingDefaultConstructor, "nil type")
	}

	switch t.Kind() {
	case reflect.Interface, reflect.Func, reflect.UnsafePointer, reflect.Invalid:
		return nil, errors.Wrapf(ErrMissingDefaultConstructor, "%v", t)
	case reflect.Pointer:
		elem := t.Elem()
		if elem.Kind() == reflect.Interface || elem.Kind() == reflect.Func {
			return nil, errors.Wrapf(ErrMissingDefaultConstructor, "%v", t)
		}
		return func() any {
			return reflect.New(elem).Interface()
		}, nil
	case reflect.Map:
		return func() any {
			return reflect.MakeMap(t).Interface()
		}, nil
	case reflect.Chan:
		return func() any {
			return reflect.MakeChan(t, 0).Interface()
		}, nil
	case reflect.Slice:
		return func() any {
			return reflect.MakeSlice(t, 0, 0).Interface()
		}, nil
	}

	return func() any {
		return reflect.New(t).Elem().Interface()
	}, nil
}
