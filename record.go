package intercept

import (
	"fmt"
	"reflect"
	"slices"
)

// Kind selects which chain of a target an interceptor joins.
type Kind int

const (
	// Prefix interceptors run before the original and may rewrite its
	// arguments or skip it.
	Prefix Kind = iota
	// Postfix interceptors run after the original and may rewrite its
	// results.
	Postfix
	// Rewrite interceptors transform the original's instructions before
	// the chain is compiled.
	Rewrite
)

func (k Kind) String() string {
	switch k {
	case Prefix:
		return "prefix"
	case Postfix:
		return "postfix"
	case Rewrite:
		return "rewrite"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) valid() bool {
	return k >= Prefix && k <= Rewrite
}

// Common priorities. Higher priorities run earlier.
const (
	Last             = 0
	VeryLow          = 100
	Low              = 200
	LowerThanNormal  = 300
	Normal           = 400
	HigherThanNormal = 500
	High             = 600
	VeryHigh         = 700
	First            = 800
)

// Hook is the signature of prefix and postfix interceptors.
type Hook func(*Call)

// Rewriter is the signature of rewrite interceptors. It receives the
// current instruction sequence and returns the replacement.
type Rewriter func(Body) (Body, error)

// Record describes a single interceptor. Two records are the same record if
// their handles have the same PC.
type Record struct {
	// Index is assigned when the record is added to a Set.
	Index    int
	Owner    string
	Priority int
	Before   []string
	After    []string
	Handle   Handle

	hook    Hook
	rewrite Rewriter
}

// RecordOption configures a Record created by NewRecord.
type RecordOption func(*Record)

// WithPriority sets the record's priority. The default is Normal.
func WithPriority(priority int) RecordOption {
	return func(r *Record) {
		r.Priority = priority
	}
}

// WithBefore lists owners this record must run ahead of.
func WithBefore(owners ...string) RecordOption {
	return func(r *Record) {
		r.Before = append(r.Before, owners...)
	}
}

// WithAfter lists owners this record must run behind.
func WithAfter(owners ...string) RecordOption {
	return func(r *Record) {
		r.After = append(r.After, owners...)
	}
}

// NewRecord creates a record for fn, which must be a Hook or a Rewriter (or
// an unnamed func with the same signature).
//
// fn must have a stable identity. Functions built with reflect.MakeFunc all
// share one entry point, so they are rejected with
// ErrInvalidInterceptorTarget. Wrap them in a named function instead.
func NewRecord(fn any, owner string, opts ...RecordOption) (Record, error) {
	r := Record{
		Owner:    owner,
		Priority: Normal,
	}

	switch f := fn.(type) {
	case Hook:
		r.hook = f
	case func(*Call):
		r.hook = f
	case Rewriter:
		r.rewrite = f
	case func(Body) (Body, error):
		r.rewrite = f
	default:
		if fn == nil {
			return Record{}, fmt.Errorf("%w: nil interceptor", ErrInvalidInterceptorTarget)
		}
		return Record{}, fmt.Errorf("%w: unsupported interceptor type %T", ErrInvalidInterceptorTarget, fn)
	}

	handle, err := handleOf(reflect.ValueOf(fn))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidInterceptorTarget, err)
	}
	r.Handle = handle

	for _, opt := range opts {
		opt(&r)
	}
	r.Before = slices.Clone(r.Before)
	r.After = slices.Clone(r.After)

	return r, nil
}

// Same reports whether r and other refer to the same interceptor.
func (r Record) Same(other Record) bool {
	return r.Handle.PC == other.Handle.PC
}

func (r Record) fits(kind Kind) bool {
	switch kind {
	case Prefix, Postfix:
		return r.hook != nil
	case Rewrite:
		return r.rewrite != nil
	}
	return false
}

func (r Record) clone() Record {
	r.Before = slices.Clone(r.Before)
	r.After = slices.Clone(r.After)
	return r
}

func (r Record) String() string {
	return fmt.Sprintf("%s#%d(%s, priority %d)", r.Owner, r.Index, r.Handle, r.Priority)
}
