//go:build linux

package preempt

import (
	"golang.org/x/sys/unix"
)

// maskAllSignals blocks every signal on the calling thread so the kernel
// never targets it for delivery. Must run with the goroutine locked to
// its OS thread.
func maskAllSignals() error {
	var all unix.Sigset_t
	for i := range all.Val {
		all.Val[i] = ^all.Val[i]
	}
	return unix.PthreadSigmask(unix.SIG_SETMASK, &all, nil)
}
