package queue

import (
	"fmt"
	"math"
	"time"
)

// BackoffType selects how the delay before a retry grows
type BackoffType string

const (
	BackoffNone        BackoffType = "none"
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes the delay applied between attempts
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// DelayFor returns the wait before the next attempt after attemptsMade
// attempts have failed
func (b Backoff) DelayFor(attemptsMade int) time.Duration {
	switch b.Type {
	case BackoffFixed:
		return b.Delay
	case BackoffExponential:
		if attemptsMade < 1 {
			attemptsMade = 1
		}
		return time.Duration(float64(b.Delay) * math.Pow(2, float64(attemptsMade-1)))
	default:
		return 0
	}
}

// Options controls retries and retention of a single job
type Options struct {
	Attempts         int
	Backoff          Backoff
	RemoveOnComplete bool
	RemoveOnFail     bool
}

// Policy is the per-queue runtime configuration
type Policy struct {
	Queue       string
	Concurrency int
	Options     Options
}

var policies = map[string]Policy{
	QueueCRMPush: {
		Queue:       QueueCRMPush,
		Concurrency: 5,
		Options: Options{
			Attempts:         3,
			Backoff:          Backoff{Type: BackoffExponential, Delay: 2000 * time.Millisecond},
			RemoveOnComplete: true,
		},
	},
	QueueAppointmentReminders: {
		Queue:       QueueAppointmentReminders,
		Concurrency: 10,
		Options: Options{
			Attempts:         2,
			Backoff:          Backoff{Type: BackoffFixed, Delay: 5000 * time.Millisecond},
			RemoveOnComplete: true,
		},
	},
	QueueInventoryImport: {
		Queue:       QueueInventoryImport,
		Concurrency: 2,
		Options: Options{
			Attempts: 1,
			Backoff:  Backoff{Type: BackoffNone},
		},
	},
}

// Page sizes of job listings
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Queues lists every known queue in a stable order
func Queues() []string {
	return []string{QueueCRMPush, QueueAppointmentReminders, QueueInventoryImport}
}

// IsKnownQueue reports whether queueName has a built-in policy
func IsKnownQueue(queueName string) bool {
	_, ok := policies[queueName]
	return ok
}

// PolicyFor returns the built-in policy of a queue
func PolicyFor(queueName string) (Policy, error) {
	p, ok := policies[queueName]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	return p, nil
}

// DefaultOptions returns the job options of a queue's policy
func DefaultOptions(queueName string) (Options, error) {
	p, err := PolicyFor(queueName)
	if err != nil {
		return Options{}, err
	}
	return p.Options, nil
}
