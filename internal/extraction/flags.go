package extraction

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/cache"
)

// DefaultFlagTTL bounds how long an unobserved cancellation request lingers.
const DefaultFlagTTL = 24 * time.Hour

// CancelFlags stores cancellation requests in the cache under cancel:<jobId>.
type CancelFlags struct {
	cache cache.Client
	ttl   time.Duration
}

// NewCancelFlags creates cache-backed flags. A non-positive ttl uses DefaultFlagTTL.
func NewCancelFlags(c cache.Client, ttl time.Duration) *CancelFlags {
	if ttl <= 0 {
		ttl = DefaultFlagTTL
	}
	return &CancelFlags{cache: c, ttl: ttl}
}

func flagKey(jobID uuid.UUID) string {
	return cache.Key("cancel", jobID.String())
}

// Raise requests cancellation of a job.
func (f *CancelFlags) Raise(ctx context.Context, jobID uuid.UUID) error {
	return f.cache.Set(ctx, flagKey(jobID), []byte("1"), f.ttl)
}

// IsRaised reports whether cancellation was requested.
func (f *CancelFlags) IsRaised(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return cache.Exists(ctx, f.cache, flagKey(jobID))
}

// Clear removes the flag.
func (f *CancelFlags) Clear(ctx context.Context, jobID uuid.UUID) error {
	return f.cache.Delete(ctx, flagKey(jobID))
}
