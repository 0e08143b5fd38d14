package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/trungminhnguyen/zuul/internal"
)

// Worker pulls jobs from its topics and executes them one at a time.
// Throughput scales by running more worker processes against the same queue.
type Worker struct {
	subscriber message.Subscriber
	codec      Codec
	retry      RetryPolicy
	logger     Logger
	topics     []string
	timeout    time.Duration
	results    ResultPublisher

	handlers   map[string]Handler
	middleware []Middleware
	listeners  []Listener
}

// New creates a new Worker with the given options.
func New(opts ...Option) *Worker {
	w := &Worker{
		codec:    DefaultCodec{},
		retry:    NoRetry{},
		logger:   defaultWorkerLogger,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers a handler for a job name.
func (w *Worker) Handle(name string, h Handler) {
	if h == nil || name == "" {
		return
	}
	w.handlers[name] = h
}

type delivery struct {
	topic string
	msg   *message.Message
}

// Run subscribes to the configured topics and processes jobs sequentially
// until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if w.subscriber == nil {
		return errors.New("subscriber is required")
	}
	if len(w.topics) == 0 {
		return errors.New("at least one topic is required")
	}

	w.notifyStart(ctx)
	defer w.notifyExit(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deliveries := make(chan delivery)
	var wg sync.WaitGroup
	for _, topic := range unique(w.topics) {
		msgs, err := w.subscriber.Subscribe(ctx, topic)
		if err != nil {
			w.notifyError(ctx, nil, err)
			cancel()
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(topic string, ch <-chan *message.Message) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					select {
					case deliveries <- delivery{topic: topic, msg: msg}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(topic, msgs)
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case d := <-deliveries:
			w.handleMessage(ctx, d.topic, d.msg)
		}
	}
}

// Close gracefully shuts down the worker and its subscriber.
func (w *Worker) Close() error {
	if w.subscriber == nil {
		return nil
	}
	return w.subscriber.Close()
}

func (w *Worker) handleMessage(ctx context.Context, topic string, msg *message.Message) {
	job, err := w.codec.Decode(topic, msg)
	if err != nil {
		w.logger.Printf("decode failed topic=%s: %v", topic, err)
		w.notifyError(ctx, nil, err)
		w.settle(ctx, msg, nil, err)
		return
	}

	if reqID := job.Metadata["request_id"]; reqID != "" {
		w.logger.Printf("request_id=%s topic=%s job=%s id=%s", reqID, topic, job.Name, job.ID)
	}

	result := w.Process(ctx, job)
	if w.results != nil {
		if err := w.results.PublishResult(ctx, job, result); err != nil {
			w.logger.Printf("result delivery failed job=%s id=%s: %v", job.Name, job.ID, err)
			w.notifyError(ctx, job, err)
			w.settle(ctx, msg, job, err)
			return
		}
	}
	msg.Ack()
}

func (w *Worker) settle(ctx context.Context, msg *message.Message, job *Job, err error) {
	decision := w.retry.OnError(ctx, job, err)
	if decision.Retry || decision.Nack {
		msg.Nack()
		return
	}
	msg.Ack()
}

// Process dispatches one job and converts its outcome into a completion
// signal. It never returns without a result: unknown names fail, handler
// errors and panics become exceptions carrying the diagnostic text.
func (w *Worker) Process(ctx context.Context, job *Job) Result {
	w.notifyJobStart(ctx, job)
	result := w.dispatch(ctx, job)
	internal.IncJob(job.Name, string(result.Status))
	if result.Status != StatusComplete {
		w.logger.Printf("job=%s id=%s status=%s error=%s", job.Name, job.ID, result.Status, result.Error)
	}
	w.notifyJobFinish(ctx, job, result)
	return result
}

func (w *Worker) dispatch(ctx context.Context, job *Job) Result {
	result := Result{JobID: job.ID, Name: job.Name}

	handler, ok := w.handlers[job.Name]
	if !ok {
		result.Status = StatusFail
		result.Error = fmt.Sprintf("%v: %s", ErrUnsupportedJob, job.Name)
		return result
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	data, err := invoke(ctx, w.wrap(handler), job)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("job %s: %w", job.Name, ctx.Err())
	}
	if err != nil {
		result.Status = StatusException
		result.Error = err.Error()
		return result
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			result.Status = StatusException
			result.Error = fmt.Sprintf("encode result: %v", err)
			return result
		}
		result.Data = raw
	}
	result.Status = StatusComplete
	return result
}

func invoke(ctx context.Context, h Handler, job *Job) (data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, job)
}

func (w *Worker) wrap(h Handler) Handler {
	wrapped := h
	for i := len(w.middleware) - 1; i >= 0; i-- {
		wrapped = w.middleware[i](wrapped)
	}
	return wrapped
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func (w *Worker) notifyStart(ctx context.Context) {
	for _, listener := range w.listeners {
		if listener.OnStart != nil {
			listener.OnStart(ctx)
		}
	}
}

func (w *Worker) notifyExit(ctx context.Context) {
	for _, listener := range w.listeners {
		if listener.OnExit != nil {
			listener.OnExit(ctx)
		}
	}
}

func (w *Worker) notifyJobStart(ctx context.Context, job *Job) {
	for _, listener := range w.listeners {
		if listener.OnJobStart != nil {
			listener.OnJobStart(ctx, job)
		}
	}
}

func (w *Worker) notifyJobFinish(ctx context.Context, job *Job, result Result) {
	for _, listener := range w.listeners {
		if listener.OnJobFinish != nil {
			listener.OnJobFinish(ctx, job, result)
		}
	}
}

func (w *Worker) notifyError(ctx context.Context, job *Job, err error) {
	for _, listener := range w.listeners {
		if listener.OnError != nil {
			listener.OnError(ctx, job, err)
		}
	}
}
