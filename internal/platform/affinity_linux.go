//go:build linux

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Pin binds the calling OS thread to cpu. The caller must hold the thread
// with runtime.LockOSThread.
func Pin(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin to cpu %d: %w", cpu, err)
	}
	return nil
}

// OnlineCPUs counts the CPUs this process may run on.
func OnlineCPUs() (int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, fmt.Errorf("read affinity: %w", err)
	}
	return set.Count(), nil
}
