//go:build linux

package sched

import "golang.org/x/sys/unix"

// pinThread binds the calling thread to the given CPU. The caller
// must already hold runtime.LockOSThread.
func pinThread(cpu int) error {
	var mask unix.CPUSet
	mask.Set(cpu)
	return unix.SchedSetaffinity(0, &mask)
}
