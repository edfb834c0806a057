//go:build !linux && !darwin

package crypto

// LockBuffer is a no-op on platforms without mlock.
func LockBuffer(b []byte) error { return nil }

// UnlockBuffer is a no-op on platforms without mlock.
func UnlockBuffer(b []byte) error { return nil }
