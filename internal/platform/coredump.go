// Package platform holds the small OS-level hardening hooks the daemon
// applies at startup.
package platform

import "golang.org/x/sys/unix"

// DisableCoreDumps zeroes RLIMIT_CORE so a crash can never write the master
// key's pages, or decrypted record plaintext, into a core file on disk.
func DisableCoreDumps() error {
	var rlim unix.Rlimit
	rlim.Cur = 0
	rlim.Max = 0
	return unix.Setrlimit(unix.RLIMIT_CORE, &rlim)
}
