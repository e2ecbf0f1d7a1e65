package executor

import "fmt"

// StageError wraps a pipeline failure with the stage it occurred in and
// whether a delayed retry can plausibly succeed. Transient conditions (RPC
// hiccups, simulation or broadcast failures, on-chain reverts against moving
// state) are retryable; business rejections (preflight, price protection)
// are not — their answer will not change in sixty seconds.
type StageError struct {
	Stage     string
	Err       error
	Retryable bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func retryable(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err, Retryable: true}
}

func permanent(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err, Retryable: false}
}
