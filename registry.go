package intercept

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
)

// Registry tracks the interceptors attached to each target and keeps the
// targets' entry points patched to match.
//
// Operations on one target are serialized; operations on different targets
// do not contend with each other. Calling a patched target never takes a
// lock.
type Registry struct {
	platform   Platform
	log        log.Interface
	warnCycles bool

	mu      sync.RWMutex
	targets map[uintptr]*patch
}

// patch is the per-target state. It lives in the registry from the first
// registration until the target is restored.
type patch struct {
	mu     sync.Mutex
	target reflect.Value
	handle Handle
	set    *Set
	snap   *Snapshot
	chain  *chain

	// removed is set once the patch has left the registry. A caller that
	// finds it set after locking must look the target up again.
	removed bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. The default is the apex/log package logger.
func WithLogger(l log.Interface) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// WithConfig applies cfg's registry settings.
func WithConfig(cfg Config) Option {
	return func(r *Registry) {
		r.warnCycles = cfg.WarnCycles
		symbols.resize(cfg.NameCache)
	}
}

// NewRegistry returns an empty registry that patches through p.
func NewRegistry(p Platform, opts ...Option) *Registry {
	r := &Registry{
		platform:   p,
		log:        log.Log,
		warnCycles: true,
		targets:    map[uintptr]*patch{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State describes a target's current patch.
type State struct {
	Patched   bool
	Prefixes  int
	Postfixes int
	Rewrites  int
}

func (s State) String() string {
	if !s.Patched {
		return "unpatched"
	}
	return fmt.Sprintf("patched(prefixes=%d, postfixes=%d, rewrites=%d)", s.Prefixes, s.Postfixes, s.Rewrites)
}

// Selector picks records to unregister: either every record of an owner or
// one specific interceptor.
type Selector struct {
	owner string
	fn    any
}

// ByOwner selects every record registered by owner. AnyOwner selects all
// records.
func ByOwner(owner string) Selector {
	return Selector{owner: owner}
}

// ByRecord selects the record for the interceptor fn.
func ByRecord(fn any) Selector {
	return Selector{fn: fn}
}

// Register adds rec to target's interceptors of kind and patches target. It
// returns the record's index.
//
// If the target cannot be patched the registration is rolled back and the
// target is left as it was.
func (r *Registry) Register(target any, kind Kind, rec Record) (int, error) {
	if !kind.valid() {
		return 0, fmt.Errorf("invalid kind %v", kind)
	}
	if !rec.fits(kind) {
		return 0, fmt.Errorf("%w: %s cannot be used as a %v", ErrInvalidInterceptorTarget, rec.Handle, kind)
	}

	var index int
	err := r.mutate(target, true, func(set *Set) {
		index = set.Add(kind, rec)
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// Prefix registers fn as a prefix of target.
func (r *Registry) Prefix(target any, owner string, fn Hook, opts ...RecordOption) (int, error) {
	return r.add(target, Prefix, fn, owner, opts)
}

// Postfix registers fn as a postfix of target.
func (r *Registry) Postfix(target any, owner string, fn Hook, opts ...RecordOption) (int, error) {
	return r.add(target, Postfix, fn, owner, opts)
}

// Rewrite registers fn as a rewrite of target.
func (r *Registry) Rewrite(target any, owner string, fn Rewriter, opts ...RecordOption) (int, error) {
	return r.add(target, Rewrite, fn, owner, opts)
}

func (r *Registry) add(target any, kind Kind, fn any, owner string, opts []RecordOption) (int, error) {
	rec, err := NewRecord(fn, owner, opts...)
	if err != nil {
		return 0, err
	}
	return r.Register(target, kind, rec)
}

// Unregister removes the records of kind matched by sel. Removing records
// that aren't registered is not an error. When the last record of target is
// removed, the target is restored.
func (r *Registry) Unregister(target any, kind Kind, sel Selector) error {
	if !kind.valid() {
		return fmt.Errorf("invalid kind %v", kind)
	}

	var h Handle
	if sel.fn != nil {
		var err error
		h, err = handleOf(reflect.ValueOf(sel.fn))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInterceptorTarget, err)
		}
	}

	return r.mutate(target, false, func(set *Set) {
		if sel.fn != nil {
			set.RemoveRecord(kind, h)
		} else {
			set.RemoveOwner(kind, sel.owner)
		}
	})
}

// UnregisterAll removes the interceptor fn from every kind of target.
func (r *Registry) UnregisterAll(target any, fn any) error {
	h, err := handleOf(reflect.ValueOf(fn))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInterceptorTarget, err)
	}
	return r.mutate(target, false, func(set *Set) {
		set.RemoveAll(h)
	})
}

// Unpatch removes every record owner registered on target. AnyOwner removes
// all of them.
func (r *Registry) Unpatch(target any, owner string) error {
	return r.mutate(target, false, func(set *Set) {
		for kind := Prefix; kind <= Rewrite; kind++ {
			set.RemoveOwner(kind, owner)
		}
	})
}

// Restore removes every interceptor from target and restores its original
// entry bytes.
func (r *Registry) Restore(target any) error {
	return r.Unpatch(target, AnyOwner)
}

// Apply replaces target's interceptors with set, for instance one loaded
// with DeserializeMetadata.
func (r *Registry) Apply(target any, set *Set) error {
	for kind := Prefix; kind <= Rewrite; kind++ {
		for _, rec := range set.Records(kind) {
			if !rec.fits(kind) {
				return fmt.Errorf("%w: %s cannot be used as a %v", ErrInvalidInterceptorTarget, rec.Handle, kind)
			}
		}
		if rec, ok := set.duplicate(kind); ok {
			return fmt.Errorf("%w: %s is registered twice as a %v", ErrInvalidInterceptorTarget, rec.Handle, kind)
		}
	}
	return r.mutate(target, !set.Empty(), func(current *Set) {
		*current = *set.Clone()
	})
}

// State returns target's current state.
func (r *Registry) State(target any) State {
	p := r.peek(target)
	if p == nil {
		return State{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.chain == nil {
		return State{}
	}
	s := State{Patched: true}
	s.Prefixes, s.Postfixes, s.Rewrites = p.chain.counts()
	return s
}

// Info returns a copy of target's interceptor set, or nil if it has none.
func (r *Registry) Info(target any) *Set {
	p := r.peek(target)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removed {
		return nil
	}
	return p.set.Clone()
}

// Owners returns the owners with interceptors on target.
func (r *Registry) Owners(target any) []string {
	if set := r.Info(target); set != nil {
		return set.Owners()
	}
	return nil
}

// Targets returns the handles of every target with interceptors.
func (r *Registry) Targets() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]Handle, 0, len(r.targets))
	for _, p := range r.targets {
		handles = append(handles, p.handle)
	}
	slices.SortFunc(handles, func(a, b Handle) int {
		switch {
		case a.PC < b.PC:
			return -1
		case a.PC > b.PC:
			return 1
		}
		return 0
	})
	return handles
}

// Original returns target's effective original: the function as it behaves
// after rewrites but without prefixes and postfixes. It is only available
// while target is patched.
func (r *Registry) Original(target any) (reflect.Value, bool) {
	p := r.peek(target)
	if p == nil {
		return reflect.Value{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chain == nil {
		return reflect.Value{}, false
	}
	return p.chain.effective, true
}

// Routine returns the composed routine installed for target.
func (r *Registry) Routine(target any) (reflect.Value, bool) {
	p := r.peek(target)
	if p == nil {
		return reflect.Value{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chain == nil {
		return reflect.Value{}, false
	}
	return p.chain.routine, true
}

// Close restores every target.
func (r *Registry) Close() error {
	r.mu.RLock()
	targets := make([]reflect.Value, 0, len(r.targets))
	for _, p := range r.targets {
		targets = append(targets, p.target)
	}
	r.mu.RUnlock()

	// Every target is restored even if one fails; the first error is
	// returned.
	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			return r.Restore(t.Interface())
		})
	}
	return g.Wait()
}

// OriginalFunc is a typed form of Registry.Original. If fn isn't patched, fn
// is returned.
func OriginalFunc[T any](r *Registry, fn T) T {
	orig, ok := r.Original(fn)
	if !ok {
		return fn
	}
	return orig.Interface().(T)
}

func targetValue(target any) (reflect.Value, error) {
	fn := reflect.ValueOf(target)
	if fn.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%w: not a function, kind: %v", ErrUnresolvableTarget, fn.Kind())
	}
	if fn.IsNil() {
		return reflect.Value{}, fmt.Errorf("%w: nil function", ErrUnresolvableTarget)
	}
	return fn, nil
}

// peek returns the patch for target without creating one.
func (r *Registry) peek(target any) *patch {
	fn, err := targetValue(target)
	if err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targets[fn.Pointer()]
}

// acquire returns target's patch, locked. If create is false and the target
// has no patch, acquire returns nil.
func (r *Registry) acquire(fn reflect.Value, create bool) *patch {
	key := fn.Pointer()
	for {
		r.mu.RLock()
		p := r.targets[key]
		r.mu.RUnlock()

		if p == nil {
			if !create {
				return nil
			}
			r.mu.Lock()
			if p = r.targets[key]; p == nil {
				p = &patch{
					target: fn,
					handle: Handle{PC: key, Name: funcName(key)},
					set:    NewSet(),
				}
				r.targets[key] = p
			}
			r.mu.Unlock()
		}

		p.mu.Lock()
		if !p.removed {
			return p
		}
		p.mu.Unlock()
	}
}

// discard removes p from the registry. p must be locked.
func (r *Registry) discard(p *patch) {
	p.removed = true
	r.mu.Lock()
	if r.targets[p.handle.PC] == p {
		delete(r.targets, p.handle.PC)
	}
	r.mu.Unlock()
}

// mutate applies change to a copy of target's set and brings the target's
// entry point in line with the result. On failure the set and the entry
// point are left as they were.
func (r *Registry) mutate(target any, create bool, change func(*Set)) error {
	fn, err := targetValue(target)
	if err != nil {
		if create {
			return err
		}
		return nil
	}

	p := r.acquire(fn, create)
	if p == nil {
		return nil
	}
	defer p.mu.Unlock()

	next := p.set.Clone()
	change(next)

	// Unchanged; the installed chain stays.
	if p.chain != nil && next.Equal(p.set) {
		p.set = next
		return nil
	}

	if next.Empty() {
		err = r.uninstall(p)
		if err == nil {
			p.set = next
			r.discard(p)
		}
		return err
	}

	err = r.install(p, next)
	if err != nil && p.chain == nil && p.set.Empty() {
		r.discard(p)
	}
	return err
}

// install compiles set and points p's entry at the result. The original
// entry bytes are captured only on the first install; later installs reuse
// that snapshot so they never capture a detour.
func (r *Registry) install(p *patch, set *Set) error {
	ctx := r.log.WithFields(log.Fields{
		"target":    p.handle.String(),
		"prefixes":  len(set.Prefixes),
		"postfixes": len(set.Postfixes),
		"rewrites":  len(set.Rewrites),
	})

	snap := p.snap
	if snap == nil {
		addr, err := r.platform.LocateEntry(p.target)
		if err != nil {
			if !errors.Is(err, ErrUnresolvableTarget) {
				err = fmt.Errorf("%w: %w", ErrUnresolvableTarget, err)
			}
			ctx.WithError(err).Debug("unable to locate entry")
			return err
		}
		snap, err = takeSnapshot(r.platform, addr)
		if err != nil {
			return fmt.Errorf("reading entry of %s: %w", p.handle, err)
		}
	}

	if r.warnCycles {
		for kind := Prefix; kind <= Rewrite; kind++ {
			for _, cycle := range set.Cycles(kind) {
				ctx.WithFields(log.Fields{
					"kind":   kind.String(),
					"owners": cycle,
				}).Warn("before/after hints form a cycle")
			}
		}
	}

	c, err := compile(r.platform, p.target, p.handle, set, snap)
	if err != nil {
		ctx.WithError(err).Debug("compile failed")
		return err
	}

	code, err := r.platform.Detour(snap.Addr, c.routine)
	if err == nil && len(code) > len(snap.Original) {
		err = fmt.Errorf("detour is %d bytes, snapshot holds %d", len(code), len(snap.Original))
	}
	if err == nil {
		err = r.platform.WriteBytes(snap.Addr, code)
	}
	if err != nil {
		r.platform.Release(c.effective)
		ctx.WithError(err).Debug("detour failed")
		return fmt.Errorf("patching %s: %w", p.handle, err)
	}

	// The previous chain may still be running on other goroutines, so its
	// memory is kept.
	p.set, p.snap, p.chain = set, snap, c
	ctx.Debug("installed")
	return nil
}

// uninstall writes p's snapshot back over its entry.
func (r *Registry) uninstall(p *patch) error {
	if p.snap == nil {
		return nil
	}

	if err := p.snap.restore(r.platform); err != nil {
		return fmt.Errorf("restoring %s: %w", p.handle, err)
	}
	p.snap, p.chain = nil, nil

	r.log.WithField("target", p.handle.String()).Debug("restored")
	return nil
}
