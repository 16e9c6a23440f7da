// Copyright © 2018 The ELPS authors

package debugger

import "errors"

var (
	// ErrThreadNotFound is returned when no active session owns a thread id.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrNotSuspended is returned by operations that require a suspended
	// thread.
	ErrNotSuspended = errors.New("thread is not suspended")
	// ErrFrameNotFound is returned when a frame id does not name a visible
	// service scope of the thread.
	ErrFrameNotFound = errors.New("stack frame not found")
	// ErrStaleReference is returned when a variables reference no longer
	// resolves, typically because every session ended since it was issued.
	ErrStaleReference = errors.New("stale variables reference")
	// ErrInvalidFilter is returned for a variables filter other than
	// "indexed" or "named".
	ErrInvalidFilter = errors.New("invalid variables filter")
	// ErrInvalidValue is returned when a value cannot be decoded or
	// assigned.
	ErrInvalidValue = errors.New("invalid value")
	// ErrNotMutable is returned by SetVariable when the referenced value
	// does not support assignment.
	ErrNotMutable = errors.New("value is not mutable")
	// ErrEvaluationDropped completes an evaluation whose command was
	// overwritten before the owning thread serviced it.
	ErrEvaluationDropped = errors.New("evaluation superseded by another command")
	// ErrNoEvaluator is returned when the host did not supply an Evaluator.
	ErrNoEvaluator = errors.New("no evaluator configured")
)
