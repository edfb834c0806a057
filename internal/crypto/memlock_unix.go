//go:build linux || darwin

package crypto

import "golang.org/x/sys/unix"

// LockBuffer pins a buffer holding key material into RAM so it cannot be
// swapped to disk. Best-effort: failure (e.g. RLIMIT_MEMLOCK) is reported but
// callers proceed without the pin.
func LockBuffer(b []byte) error { return unix.Mlock(b) }

// UnlockBuffer releases a pin taken by LockBuffer.
func UnlockBuffer(b []byte) error { return unix.Munlock(b) }
