package jobs

import (
	"encoding/json"
	"math"
	"time"
)

// Field is one optional column of a partial update. A zero Field leaves the
// column untouched; Set writes Value, which may itself be a nil pointer to
// write SQL NULL.
type Field[T any] struct {
	Set   bool
	Value T
}

// Some returns a Field that writes v.
func Some[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: v}
}

// Null returns a Field that clears a nullable column.
func Null[T any]() Field[T] {
	var zero T
	return Field[T]{Set: true, Value: zero}
}

// TimePtr is a small helper for Some(&t) at call sites.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// JobUpdate is a partial update of a job row.
type JobUpdate struct {
	Status          Field[Status]
	Progress        Field[int]
	ProgressDetails Field[json.RawMessage]
	Output          Field[json.RawMessage]
	Error           Field[*JobError]
	Attempts        Field[int]
	NextRunAt       Field[*time.Time]
	StartedAt       Field[*time.Time]
	CompletedAt     Field[*time.Time]
}

// Empty reports whether the update touches no column.
func (u JobUpdate) Empty() bool {
	return !u.Status.Set && !u.Progress.Set && !u.ProgressDetails.Set && !u.Output.Set &&
		!u.Error.Set && !u.Attempts.Set && !u.NextRunAt.Set && !u.StartedAt.Set && !u.CompletedAt.Set
}

// ItemUpdate is a partial update of an item row.
type ItemUpdate struct {
	Status      Field[ItemStatus]
	Output      Field[json.RawMessage]
	Error       Field[*ItemError]
	Attempts    Field[int]
	CompletedAt Field[*time.Time]
}

// ItemPatch pairs an item id with its update for batch writes.
type ItemPatch struct {
	ID   string
	Data ItemUpdate
}

// CompletedItem builds the update recording a successful item.
func CompletedItem(output json.RawMessage, at time.Time) ItemUpdate {
	return ItemUpdate{
		Status:      Some(ItemCompleted),
		Output:      Some(output),
		Error:       Null[*ItemError](),
		CompletedAt: Some(TimePtr(at)),
	}
}

// FailedItem builds the update recording a failed item.
func FailedItem(itemErr *ItemError, at time.Time) ItemUpdate {
	return ItemUpdate{
		Status:      Some(ItemFailed),
		Error:       Some(itemErr),
		CompletedAt: Some(TimePtr(at)),
	}
}

const (
	backoffBaseSeconds = 10
	backoffMaxSeconds  = 1800
)

// Backoff returns the delay before a job that has been claimed attempts
// times may be claimed again: min(10 * 2^(attempts-1), 1800) seconds.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	secs := float64(backoffBaseSeconds) * math.Pow(2, float64(attempts-1))
	if secs > backoffMaxSeconds {
		secs = backoffMaxSeconds
	}
	return time.Duration(secs) * time.Second
}
