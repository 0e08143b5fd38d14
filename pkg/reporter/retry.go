package reporter

import (
	"errors"
	"fmt"
	"time"

	"github.com/trungminhnguyen/zuul/pkg/providers/github"
)

// ErrUnresolvedMerge is returned when a merge still fails with a retryable
// error after every attempt of the policy.
var ErrUnresolvedMerge = errors.New("merge failure could not be resolved")

// RetryPolicy bounds how a platform merge is retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Retryable   func(error) bool
	// Sleep defaults to time.Sleep. Tests replace it.
	Sleep func(time.Duration)
}

// DefaultRetryPolicy retries a mergeability conflict once after delay.
func DefaultRetryPolicy(delay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Backoff:     func(int) time.Duration { return delay },
		Retryable:   IsMergeFailure,
	}
}

// IsMergeFailure reports whether err is the transient merge class.
func IsMergeFailure(err error) bool {
	var mf *github.MergeFailure
	return errors.As(err, &mf)
}

// Do runs fn until it succeeds, fails with a non-retryable error or runs out
// of attempts. Exhaustion is reported as ErrUnresolvedMerge.
func (p RetryPolicy) Do(fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt < attempts && p.Backoff != nil {
			sleep(p.Backoff(attempt))
		}
	}
	return fmt.Errorf("%w: %v", ErrUnresolvedMerge, err)
}
