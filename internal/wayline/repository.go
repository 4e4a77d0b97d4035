package wayline

import (
	"context"

	"github.com/pkg/errors"
)

// ErrJobNotFound is returned by Repository lookups for unknown job ids.
var ErrJobNotFound = errors.New("wayline job not found")

// Repository is the narrow durable-storage contract for job records. The
// core never goes past it into storage specifics.
type Repository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Update(ctx context.Context, job *Job) error
}
