package worker

import "context"

// Handler executes a job and returns the data reported back to the submitter.
type Handler func(ctx context.Context, job *Job) (interface{}, error)

// Middleware is a function that wraps a handler to add functionality.
type Middleware func(Handler) Handler
