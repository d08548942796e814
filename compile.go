package intercept

import (
	"fmt"
	"reflect"
)

// chain is a compiled interceptor set for one target.
type chain struct {
	target    Handle
	typ       reflect.Type
	prefixes  []Record
	postfixes []Record
	rewrites  []Record

	// effective is the original after rewrites, relocated so it can run
	// while the target's entry holds a detour.
	effective reflect.Value
	// routine is what the detour jumps to.
	routine reflect.Value
}

// compile builds the composed routine for target from set. The target's
// instructions are read through snap so a detour already in place is never
// compiled into the effective original.
func compile(p Platform, target reflect.Value, h Handle, set *Set, snap *Snapshot) (*chain, error) {
	c := &chain{
		target:    h,
		typ:       target.Type(),
		prefixes:  set.Sorted(Prefix),
		postfixes: set.Sorted(Postfix),
		rewrites:  set.Sorted(Rewrite),
	}

	body, err := p.Disassemble(snap.Addr, snap.Original)
	if err != nil {
		return nil, fmt.Errorf("disassembling %s: %w", h, err)
	}

	for _, rec := range c.rewrites {
		next, err := rec.rewrite(body.Clone())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRewriteFailure, rec, err)
		}
		if err := next.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRewriteFailure, rec, err)
		}
		body = next
	}

	effective, err := p.AllocateExecutable(body, c.typ)
	if err != nil {
		if len(c.rewrites) > 0 {
			return nil, fmt.Errorf("%w: %s: %w", ErrRewriteFailure, h, err)
		}
		return nil, fmt.Errorf("relocating %s: %w", h, err)
	}
	if effective.Kind() != reflect.Func || effective.Type() != c.typ {
		p.Release(effective)
		err := fmt.Errorf("not a function, kind: %v", effective.Kind())
		if effective.Kind() == reflect.Func {
			err = fmt.Errorf("signature changed: %w", diffFuncs(target, effective).Error())
		}
		if len(c.rewrites) > 0 {
			return nil, fmt.Errorf("%w: %s: %w", ErrRewriteFailure, h, err)
		}
		return nil, fmt.Errorf("relocating %s: %w", h, err)
	}
	c.effective = effective

	c.routine = reflect.MakeFunc(c.typ, c.invoke)
	return c, nil
}

// invoke runs one call through the chain.
func (c *chain) invoke(args []reflect.Value) []reflect.Value {
	call := newCall(c.target, c.typ, args)

	for _, rec := range c.prefixes {
		rec.hook(call)
		if call.skipped {
			break
		}
	}

	if !call.skipped {
		if c.typ.IsVariadic() {
			call.results = c.effective.CallSlice(call.args)
		} else {
			call.results = c.effective.Call(call.args)
		}
	}
	call.ensureResults()

	for _, rec := range c.postfixes {
		rec.hook(call)
	}

	return call.results
}

func (c *chain) counts() (prefixes, postfixes, rewrites int) {
	return len(c.prefixes), len(c.postfixes), len(c.rewrites)
}
