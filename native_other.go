//go:build !linux || !(amd64 || arm64)

package intercept

import "reflect"

type nativePlatform struct{}

// Native returns the platform for the running process. Patching is only
// implemented for linux on amd64 and arm64; elsewhere every operation fails
// with ErrUnsupportedPlatform.
func Native(Config) Platform {
	return nativePlatform{}
}

func (nativePlatform) LocateEntry(reflect.Value) (uintptr, error) {
	return 0, ErrUnsupportedPlatform
}

func (nativePlatform) ReadBytes(uintptr, int) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

func (nativePlatform) WriteBytes(uintptr, []byte) error {
	return ErrUnsupportedPlatform
}

func (nativePlatform) DetourSize() int {
	return 0
}

func (nativePlatform) Detour(uintptr, reflect.Value) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

func (nativePlatform) Disassemble(uintptr, []byte) (Body, error) {
	return nil, ErrUnsupportedPlatform
}

func (nativePlatform) AllocateExecutable(Body, reflect.Type) (reflect.Value, error) {
	return reflect.Value{}, ErrUnsupportedPlatform
}

func (nativePlatform) Release(reflect.Value) {}
