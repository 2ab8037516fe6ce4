//go:build !windows

package supervisor

import "syscall"

// killGroup force-kills the process group rooted at pid. If the group signal
// fails (the child may have changed its own group) the process itself is
// signaled directly.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGKILL)
}

// processExists checks whether a process with the given pid is alive.
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
