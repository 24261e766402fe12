package model

import "errors"

// THROTTLED and CONDITION are distinguishable outcomes, not incidental
// failures: callers branch on them.
var (
	// ErrThrottled marks a transient backpressure outcome; retry with jittered
	// exponential backoff.
	ErrThrottled = errors.New("throttled")

	// ErrCondition marks a failed conditional predicate on a state table
	// operation (already claimed, cancelled, finished, or otherwise raced).
	ErrCondition = errors.New("condition failed")

	// ErrNotFound marks a missing row or blob key.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a submission whose session_id already has rows:
	// duplicate submit is rejected, not merged.
	ErrConflict = errors.New("conflict")
)
