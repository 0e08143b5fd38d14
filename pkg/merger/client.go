package merger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/trungminhnguyen/zuul/internal"
	"github.com/trungminhnguyen/zuul/pkg/worker"
)

// JobError is a job that completed with a fail or exception signal.
type JobError struct {
	Name   string
	Status worker.Status
	Detail string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s %s: %s", e.Name, e.Status, e.Detail)
}

// Client submits jobs to merge workers and waits for their results.
type Client struct {
	publisher  internal.Publisher
	subscriber message.Subscriber
	jobsTopic  string
	replyTopic string
	logger     *log.Logger

	startMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan worker.Result
	started bool
}

// NewClient builds a client. Results are read from replyTopic, which should
// be private to this client.
func NewClient(publisher internal.Publisher, subscriber message.Subscriber, jobsTopic, replyTopic string, logger *log.Logger) *Client {
	if logger == nil {
		logger = internal.NewLogger("merger-client")
	}
	return &Client{
		publisher:  publisher,
		subscriber: subscriber,
		jobsTopic:  jobsTopic,
		replyTopic: replyTopic,
		logger:     logger,
		pending:    make(map[string]chan worker.Result),
	}
}

// Start subscribes to the reply topic. Results are routed until ctx ends.
// A failed subscription leaves the client unstarted so Start can be retried.
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		return nil
	}

	msgs, err := c.subscriber.Subscribe(ctx, c.replyTopic)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go func() {
		for msg := range msgs {
			c.route(msg)
		}
	}()
	return nil
}

func (c *Client) route(msg *message.Message) {
	defer msg.Ack()
	var result worker.Result
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		c.logger.Printf("discarding undecodable result: %v", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[result.JobID]
	delete(c.pending, result.JobID)
	c.mu.Unlock()
	if !ok {
		c.logger.Printf("discarding result for unknown job %s", result.JobID)
		return
	}
	ch <- result
}

// Merge asks for a speculative merge of items.
func (c *Client) Merge(ctx context.Context, items []MergeItem) (MergeResult, error) {
	var out MergeResult
	err := c.submit(ctx, JobMerge, MergeArgs{Items: items}, &out)
	return out, err
}

// Update asks for the mirror of project to be created or refreshed.
func (c *Client) Update(ctx context.Context, connection, project, url string) (UpdateResult, error) {
	var out UpdateResult
	err := c.submit(ctx, JobUpdate, UpdateArgs{Connection: connection, Project: project, URL: url}, &out)
	return out, err
}

// Submit sends an arbitrary job and decodes its data into out.
func (c *Client) Submit(ctx context.Context, name string, args, out interface{}) error {
	return c.submit(ctx, name, args, out)
}

func (c *Client) submit(ctx context.Context, name string, args, out interface{}) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return errors.New("merger client is not started")
	}

	job, err := worker.NewJob(name, args, c.replyTopic)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	ch := make(chan worker.Result, 1)
	c.mu.Lock()
	c.pending[job.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, job.ID)
		c.mu.Unlock()
	}()

	env := internal.Envelope{
		ID:       job.ID,
		Payload:  payload,
		Metadata: map[string]string{"job_name": name, "reply_to": c.replyTopic},
	}
	if err := c.publisher.Publish(ctx, c.jobsTopic, env); err != nil {
		return fmt.Errorf("submit %s: %w", name, err)
	}

	select {
	case result := <-ch:
		if result.Status != worker.StatusComplete {
			return &JobError{Name: name, Status: result.Status, Detail: result.Error}
		}
		if out == nil {
			return nil
		}
		return result.Decode(out)
	case <-ctx.Done():
		return ctx.Err()
	}
}
