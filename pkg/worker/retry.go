package worker

import "context"

// RetryDecision defines whether a message should be retried or Nacked.
type RetryDecision struct {
	Retry bool
	Nack  bool
}

// RetryPolicy decides what happens to a message whose job could not be
// decoded or whose result could not be delivered. Handler errors are not
// retried here; they complete the job with an exception result.
type RetryPolicy interface {
	OnError(ctx context.Context, job *Job, err error) RetryDecision
}

// NoRetry acknowledges the message and drops it.
type NoRetry struct{}

func (NoRetry) OnError(ctx context.Context, job *Job, err error) RetryDecision {
	return RetryDecision{}
}

// Redeliver nacks the message so the broker hands it out again. Decode
// failures are still dropped since redelivery cannot fix them.
type Redeliver struct{}

func (Redeliver) OnError(ctx context.Context, job *Job, err error) RetryDecision {
	if job == nil {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Nack: true}
}
