package intercept

import (
	"fmt"
	"reflect"
)

// Call is a single invocation of an intercepted function as seen by its
// prefixes and postfixes. A new Call is created for each invocation, so
// hooks may keep per-call data in it without locking.
type Call struct {
	target  Handle
	typ     reflect.Type
	args    []reflect.Value
	results []reflect.Value
	skipped bool
	state   map[string]any
}

func newCall(target Handle, typ reflect.Type, args []reflect.Value) *Call {
	return &Call{
		target: target,
		typ:    typ,
		args:   args,
	}
}

// Target identifies the intercepted function.
func (c *Call) Target() Handle {
	return c.target
}

// NumArgs returns the number of arguments. A variadic function's trailing
// arguments count as one slice argument.
func (c *Call) NumArgs() int {
	return len(c.args)
}

// Arg returns argument i.
func (c *Call) Arg(i int) any {
	return c.args[i].Interface()
}

// SetArg replaces argument i. It only has an effect on the original when
// called from a prefix. SetArg panics if v cannot be assigned to the
// argument's type.
func (c *Call) SetArg(i int, v any) {
	c.args[i] = assignable(c.typ.In(i), v, "argument", i)
}

// NumResults returns the number of results.
func (c *Call) NumResults() int {
	return c.typ.NumOut()
}

// Result returns result i. Before the original has run, or if it was
// skipped and no result was set, it returns the zero value.
func (c *Call) Result(i int) any {
	c.ensureResults()
	return c.results[i].Interface()
}

// SetResult replaces result i. SetResult panics if v cannot be assigned to
// the result's type.
func (c *Call) SetResult(i int, v any) {
	c.ensureResults()
	c.results[i] = assignable(c.typ.Out(i), v, "result", i)
}

// Skip short-circuits the call: remaining prefixes and the original are
// skipped, postfixes still run.
func (c *Call) Skip() {
	c.skipped = true
}

// Skipped reports whether a prefix skipped the original.
func (c *Call) Skipped() bool {
	return c.skipped
}

// Set stores a value for later hooks in the same call.
func (c *Call) Set(key string, v any) {
	if c.state == nil {
		c.state = map[string]any{}
	}
	c.state[key] = v
}

// Get returns a value stored by Set.
func (c *Call) Get(key string) (any, bool) {
	v, ok := c.state[key]
	return v, ok
}

func (c *Call) ensureResults() {
	if c.results != nil {
		return
	}
	c.results = make([]reflect.Value, c.typ.NumOut())
	for i := range c.results {
		c.results[i] = reflect.Zero(c.typ.Out(i))
	}
}

// assignable converts v to a value of type t.
func assignable(t reflect.Type, v any, what string, i int) reflect.Value {
	if v == nil {
		switch t.Kind() {
		case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice, reflect.UnsafePointer:
			return reflect.Zero(t)
		}
		panic(fmt.Sprintf("intercept: cannot use nil as %s %d of type %v", what, i, t))
	}

	rv := reflect.ValueOf(v)
	if !rv.Type().AssignableTo(t) {
		panic(fmt.Sprintf("intercept: cannot use %v as %s %d of type %v", rv.Type(), what, i, t))
	}

	out := reflect.New(t).Elem()
	out.Set(rv)
	return out
}
