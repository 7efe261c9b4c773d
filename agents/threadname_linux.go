//go:build linux

package agents

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// setThreadName labels the current OS thread so the reactor workers are
// identifiable in ps / proc. The goroutine is locked to its thread for the
// lifetime of the run loop.
func setThreadName(name string) {
	runtime.LockOSThread()

	// comm is limited to 16 bytes including the terminator
	buf := make([]byte, 0, 16)
	if len(name) > 15 {
		name = name[:15]
	}
	buf = append(buf, name...)
	buf = append(buf, 0)

	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0); err != nil {
		debugf("prctl(PR_SET_NAME, %q) failed: %v", name, err)
	}
}
