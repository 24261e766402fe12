// Package model defines the task row shape shared by the state table, task
// queue, submitter, agent and reclaimer.
package model

import (
	"hash/fnv"
	"math/rand/v2"
	"time"
)

// LogicalState is the task's state independent of its partition suffix.
type LogicalState string

const (
	StatePending      LogicalState = "PENDING"
	StateProcessing   LogicalState = "PROCESSING"
	StateFinished     LogicalState = "FINISHED"
	StateFailed       LogicalState = "FAILED"
	StateCancelled    LogicalState = "CANCELLED"
	StateRetrying     LogicalState = "RETRYING" // transient; never a stored value, see DESIGN.md
	StateInconsistent LogicalState = "INCONSISTENT"
)

// OwnerNone is the sentinel task_owner value for an unleased task.
const OwnerNone = "NONE"

// Task is the authoritative per-task row held by the state table.
type Task struct {
	TaskID                      string
	SessionID                   string
	ParentSessionID             string
	State                       LogicalState
	Partition                   int
	Owner                       string
	QueueHandle                 string
	HeartbeatExpirationEpochSec int64
	Retries                     int
	Priority                    int
	SubmissionEpochMillis       int64
	CompletionEpochMillis       int64
	Definition                  []byte // inline payload, or a blob-store key when indirected
}

// StoredState concatenates the logical state with the partition suffix, the
// single string persisted in the state table's primary and secondary
// indexes. Implementations must read/write this composite rather than the
// logical state alone, or the expiry index loses its per-partition scan
// shape.
func StoredState(state LogicalState, partition int) string {
	return string(state) + "-" + itoa(partition)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Partition derives the state-table partition for a session id: P is fixed
// for the lifetime of a store and chosen by the caller.
func Partition(sessionID string, numPartitions int) int {
	if numPartitions <= 0 {
		numPartitions = 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(numPartitions))
}

// TaskID builds the deterministic task id for a session: session id plus
// positional index.
func TaskID(sessionID string, index int) string {
	return sessionID + "_" + itoa(index)
}

// JitteredExpiry biases a lease expiry by up to jitterFraction of ttl so that
// a batch of tasks claimed at the same instant doesn't all expire in the same
// reclaimer sweep. The jitter is symmetric around ttl: the returned duration
// is in [ttl*(1-f), ttl*(1+f)).
func JitteredExpiry(ttl time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return ttl
	}
	if jitterFraction > 1 {
		jitterFraction = 1
	}
	spread := float64(ttl) * jitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	d := time.Duration(float64(ttl) + offset)
	if d < 0 {
		d = 0
	}
	return d
}

// BackoffJitter returns a sleep duration uniformly distributed in
// [base, 2*base), used when an agent finds the queue empty.
func BackoffJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base + time.Duration(rand.Int64N(int64(base)))
}

// BlobKey returns the blob-store key for a task's role-suffixed artifact.
func BlobKey(taskID, suffix string) string {
	return taskID + "-" + suffix
}

// SessionPayloadKey returns the blob-store key for a submission's whole-batch
// envelope.
func SessionPayloadKey(sessionID string) string {
	return sessionID + "-payload"
}
