package worker

import "context"

// Listener provides hooks into the worker's lifecycle for logging, metrics, etc.
type Listener struct {
	// OnStart is called when the worker starts.
	OnStart func(ctx context.Context)
	// OnExit is called when the worker exits.
	OnExit func(ctx context.Context)
	// OnJobStart is called before a decoded job is dispatched.
	OnJobStart func(ctx context.Context, job *Job)
	// OnJobFinish is called with the completion signal of every dispatched job.
	OnJobFinish func(ctx context.Context, job *Job, result Result)
	// OnError is called for decode and result delivery failures. job is nil
	// when the message could not be decoded.
	OnError func(ctx context.Context, job *Job, err error)
}
