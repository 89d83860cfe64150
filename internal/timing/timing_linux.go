//go:build linux

package timing

import (
	"golang.org/x/sys/unix"
)

func monotonic() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// POSIX requires the monotonic clock; failure here means the
		// process state is beyond repair.
		panic(err)
	}
	return uint64(ts.Nano())
}
