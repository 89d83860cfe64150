//go:build !linux

package preempt

// Platforms without per-thread signal masking leave delivery to the Go
// runtime's own signal handling.
func maskAllSignals() error {
	return nil
}
