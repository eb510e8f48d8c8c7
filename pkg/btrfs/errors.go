package btrfs

import (
	"errors"
	"fmt"
	"time"
)

// ProbeError reports that the current filesystem state could not be read.
// Probe output is never partially trusted: any parse failure or missing
// validator-critical field is fatal to the call that needed it.
type ProbeError struct {
	FilesystemID string
	Reason       string
	Err          error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s: %s: %v", e.FilesystemID, e.Reason, e.Err)
	}
	return fmt.Sprintf("probe %s: %s", e.FilesystemID, e.Reason)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ExecutionError reports that a mutation step failed after commands were
// issued. Side effects may be partial; the caller must re-probe.
type ExecutionError struct {
	Stage string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute stage %q: %v", e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports that a long-running step did not complete in the
// allotted window. The underlying kernel operation may still be running.
type TimeoutError struct {
	Stage   string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %q did not complete within %s; operation may still be running", e.Stage, e.Elapsed)
}

// ErrBusy is returned when a concurrent mutation holds the filesystem lock.
// Requests are never queued behind it.
var ErrBusy = errors.New("a structural mutation is already in progress on this filesystem")
