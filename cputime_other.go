//go:build !linux && !darwin

package yieldloop

import (
	"time"
)

func threadCPUTime() (time.Duration, bool) {
	return 0, false
}
