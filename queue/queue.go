// Package queue implements the durable, at-least-once conversion job queue.
package queue

import (
	"context"
	"errors"
	"time"

	"gifconv/models"
)

var (
	// ErrNoJob is returned by Fetch when the poll window elapsed without work.
	ErrNoJob = errors.New("no job available")
	// ErrUnavailable wraps broker connectivity failures.
	ErrUnavailable = errors.New("queue unavailable")
)

// Broker is the contract between job submission, the worker pool and the
// underlying message store.
type Broker interface {
	// Enqueue persists d before returning.
	Enqueue(ctx context.Context, d models.JobDescriptor) (models.JobHandle, error)
	// Fetch blocks until a job is leased to the caller or the poll window ends.
	Fetch(ctx context.Context) (*Delivery, error)
	// Ack removes a finished job.
	Ack(ctx context.Context, d *Delivery) error
	// Retry redelivers the job with the next attempt number after delay.
	Retry(ctx context.Context, d *Delivery, delay time.Duration) error
	// Discard removes the job with no further attempts and keeps it in the
	// failed set for inspection.
	Discard(ctx context.Context, d *Delivery, reason string) error
	// Touch extends the in-flight lease of d.
	Touch(ctx context.Context, d *Delivery) error
	Close() error
}

// Delivery is one leased attempt at a job.
type Delivery struct {
	ID         string
	Descriptor models.JobDescriptor
	// Attempt is 1-based.
	Attempt    int
	EnqueuedAt time.Time

	raw string
	tag uint64
}

// envelope is the wire form stored by the brokers.
type envelope struct {
	ID         string               `json:"id"`
	Descriptor models.JobDescriptor `json:"descriptor"`
	Attempt    int                  `json:"attempt"`
	EnqueuedAt time.Time            `json:"enqueuedAt"`
	Reason     string               `json:"reason,omitempty"`
}

func (d *Delivery) envelope() envelope {
	return envelope{ID: d.ID, Descriptor: d.Descriptor, Attempt: d.Attempt, EnqueuedAt: d.EnqueuedAt}
}

// RetryPolicy bounds attempts and spaces retries exponentially.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Delay returns the wait before the attempt following attempt:
// BaseDelay * 2^(attempt-1), capped at MaxDelay when set.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether no attempt may follow attempt.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
