//go:build linux

package yieldloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// threadCPUTime returns the user plus system CPU time consumed by the calling
// OS thread. Run locks the loop goroutine to its thread, so on the loop this
// is the loop's own CPU time.
func threadCPUTime() (time.Duration, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_THREAD, &ru); err != nil {
		return 0, false
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), true
}
