package worker

import (
	"context"

	"github.com/trungminhnguyen/zuul/internal"
)

// ResultPublisher delivers completion signals to submitters.
type ResultPublisher interface {
	PublishResult(ctx context.Context, job *Job, result Result) error
}

// TopicResultPublisher publishes each result to the job's reply topic, or to
// a default topic when the job names none.
type TopicResultPublisher struct {
	publisher    internal.Publisher
	defaultTopic string
}

func NewResultPublisher(publisher internal.Publisher, defaultTopic string) *TopicResultPublisher {
	return &TopicResultPublisher{publisher: publisher, defaultTopic: defaultTopic}
}

func (p *TopicResultPublisher) PublishResult(ctx context.Context, job *Job, result Result) error {
	topic := job.ReplyTo
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return nil
	}
	env, err := internal.NewEnvelope(result, map[string]string{
		"job_id":   result.JobID,
		"job_name": result.Name,
		"status":   string(result.Status),
	})
	if err != nil {
		return err
	}
	return p.publisher.Publish(ctx, topic, env)
}
