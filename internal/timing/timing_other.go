//go:build !linux

package timing

import (
	"time"
)

var base = time.Now()

func monotonic() uint64 {
	return uint64(time.Since(base))
}
