// Package timing provides the monotonic clock used to account for time
// spent in the world-coordination protocol.
package timing

// Monotonic returns the current reading of the system monotonic clock in
// nanoseconds. The zero point is unspecified; only differences between
// readings are meaningful.
func Monotonic() uint64 {
	return monotonic()
}

// A Stopwatch measures elapsed monotonic time.
type Stopwatch struct {
	start uint64
}

// Start returns a running Stopwatch.
func Start() Stopwatch {
	return Stopwatch{start: monotonic()}
}

// Elapsed returns the nanoseconds since the Stopwatch was started.
func (s Stopwatch) Elapsed() uint64 {
	return monotonic() - s.start
}
