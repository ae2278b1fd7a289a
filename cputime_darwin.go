//go:build darwin

package yieldloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// threadCPUTime falls back to process CPU time, darwin has no per-thread
// rusage.
func threadCPUTime() (time.Duration, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), true
}
