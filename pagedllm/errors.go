package pagedllm

import (
	"errors"
	"fmt"
)

// ErrOutOfBlocks is returned by the block pool when an allocation cannot
// be satisfied. It is recoverable: the scheduler responds by preempting
// running sequences, and it is never surfaced to a caller directly.
var ErrOutOfBlocks = errors.New("out of cache blocks")

// ErrQueueFull is returned by Submit when the bounded request channel is
// saturated. Callers are expected to retry or shed load.
var ErrQueueFull = errors.New("request queue is full")

// ErrEngineClosed is returned by Submit after the engine has stopped
// admitting new sequences (drain or shutdown).
var ErrEngineClosed = errors.New("engine is not accepting requests")

// ExecutionError wraps a failure reported by the execution backend for a
// whole batch. Every sequence in the errored batch receives a terminal
// outcome; the scheduling loop itself survives.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution backend failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports an invalid engine configuration detected at
// startup, e.g. a block pool too small to hold a single maximal sequence.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}
