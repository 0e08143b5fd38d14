package worker

import (
	"encoding/json"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Codec is an interface for decoding messages from a message broker into a Job.
type Codec interface {
	// Decode transforms a Watermill message into a Job.
	Decode(topic string, msg *message.Message) (*Job, error)
}

// DefaultCodec decodes a JSON job payload. The message UUID stands in for a
// missing job id and the "job_name" metadata for a missing name.
type DefaultCodec struct{}

// Decode unmarshals a Watermill message into a Job.
func (DefaultCodec) Decode(topic string, msg *message.Message) (*Job, error) {
	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return nil, err
	}

	metadata := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		metadata[key] = value
	}

	if job.ID == "" {
		job.ID = msg.UUID
	}
	if job.Name == "" {
		job.Name = msg.Metadata.Get("job_name")
	}
	if job.Name == "" {
		return nil, errors.New("job name is missing")
	}
	job.Topic = topic
	job.Metadata = metadata
	return &job, nil
}
