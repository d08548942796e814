package intercept

import "errors"

var (
	// ErrInvalidInterceptorTarget is returned when an interceptor function
	// has no stable identity or an unsupported signature.
	ErrInvalidInterceptorTarget = errors.New("invalid interceptor target")

	// ErrUnresolvableTarget is returned when a target has no patchable
	// entry point.
	ErrUnresolvableTarget = errors.New("unresolvable target")

	// ErrRewriteFailure is returned when a rewrite interceptor fails or
	// produces instructions that cannot be compiled.
	ErrRewriteFailure = errors.New("rewrite failure")

	// ErrDeserializationTypeMismatch is returned when persisted metadata
	// contains an unexpected type.
	ErrDeserializationTypeMismatch = errors.New("deserialization type mismatch")

	// ErrUnknownSymbol is returned when persisted metadata names a function
	// the resolver cannot find.
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrUnsupportedPlatform is returned by the native platform on systems
	// it cannot patch.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)
