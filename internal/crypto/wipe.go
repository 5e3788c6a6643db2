package crypto

import "runtime"

// Wipe zeroes the provided buffer. Best effort: the write is kept out of
// inlining range so the compiler does not elide it.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
