package training

import (
	"fmt"
)

// ConfigurationError reports missing or invalid run parameters. It is
// surfaced before any epoch runs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// NumericDivergenceError reports a non-finite training loss. It is not
// caught internally: the run aborts rather than keep stepping on garbage
// gradients.
type NumericDivergenceError struct {
	Epoch int
	Batch int
	Value float64
}

func (e *NumericDivergenceError) Error() string {
	return fmt.Sprintf("non-finite loss %v at epoch %d batch %d", e.Value, e.Epoch, e.Batch)
}

// RunError tags a failure with the state-machine phase it occurred in and
// the last epoch whose checkpoint is known to be on disk, so the operator
// knows the safe resume point.
type RunError struct {
	Phase              Phase
	LastPersistedEpoch int
	Err                error
}

func (e *RunError) Error() string {
	if e.LastPersistedEpoch < 0 {
		return fmt.Sprintf("training failed during %s (no checkpoint persisted yet): %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("training failed during %s (last persisted epoch: %d): %v", e.Phase, e.LastPersistedEpoch, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
