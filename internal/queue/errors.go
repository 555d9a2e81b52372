package queue

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotClaimable is returned when a job is not in a state that allows the transition
	ErrJobNotClaimable = errors.New("job is not in a claimable state")

	// ErrAttemptSuperseded is returned when an outcome is recorded for an attempt
	// that no longer owns the job
	ErrAttemptSuperseded = errors.New("job attempt is no longer active")

	// ErrJobNotFinished is returned when removing a job that is still waiting,
	// active or delayed
	ErrJobNotFinished = errors.New("job has not finished")

	// ErrRetryNotPublished is returned by Retry when the job was parked as
	// delayed but its delayed delivery could not be published. The record
	// stays delayed until FindOverdue reports it.
	ErrRetryNotPublished = errors.New("retry recorded but delivery not published")

	// ErrUnknownQueue is returned for a queue name outside the known set
	ErrUnknownQueue = errors.New("unknown queue")
)
