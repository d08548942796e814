// Intercept calls to Go functions at runtime
//
// A target function is patched with a short detour at its entry that sends
// every call through a composed routine: prefix interceptors run first, then
// the original (possibly rewritten by rewrite interceptors), then postfix
// interceptors. Interceptors are registered by owner, ordered by priority and
// before/after hints, and removed by owner or by identity. When the last one
// is removed the entry bytes are put back exactly as they were.
//
// Limitations:
//   - Only supports linux on amd64 and arm64
//   - Relies on internal Go APIs that can break at any time
//   - Targets must not be inlined; mark them //go:noinline
//   - Closures and method values can't be targets
//   - The relocated original is unknown to the runtime, so a panic or stack
//     growth inside it can crash the program. Small leaf functions are safe.
//   - The detour write is not atomic. Don't patch a function other
//     goroutines are calling.
//   - Compiled routines are never freed.
package intercept
