package jobs

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/cuongbtq/dealer-jobs/internal/queue"
	"github.com/cuongbtq/dealer-jobs/internal/worker/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodePayload unmarshals and validates a job payload. Any problem is an
// ErrInvalidPayload so the job fails without retry.
func decodePayload(job *queue.Job, v any) error {
	if err := job.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

func isFinalAttempt(job *queue.Job) bool {
	return job.AttemptsMade >= job.Opts.Attempts
}
