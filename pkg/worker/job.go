package worker

import (
	"encoding/json"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnsupportedJob is reported when no handler is registered for a job name.
var ErrUnsupportedJob = errors.New("unsupported job")

// Job is one unit of work pulled from the queue.
type Job struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// ReplyTo names the topic the result is published to. Empty means the
	// worker's default results topic.
	ReplyTo string `json:"reply_to,omitempty"`

	Topic    string            `json:"-"`
	Metadata map[string]string `json:"-"`
}

// NewJob encodes args under a fresh job id.
func NewJob(name string, args interface{}, replyTo string) (*Job, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return &Job{ID: watermill.NewUUID(), Name: name, Arguments: raw, ReplyTo: replyTo}, nil
}

// Decode unmarshals the job arguments into v.
func (j *Job) Decode(v interface{}) error {
	if len(j.Arguments) == 0 {
		return errors.New("job has no arguments")
	}
	return json.Unmarshal(j.Arguments, v)
}

// Status is the completion signal of a job.
type Status string

const (
	// StatusComplete means the handler returned data. A merge conflict is a
	// complete job with merged=false.
	StatusComplete Status = "complete"
	// StatusFail means the worker refused the job, e.g. an unknown name.
	StatusFail Status = "fail"
	// StatusException means the handler errored or panicked.
	StatusException Status = "exception"
)

// Result is published once per processed job.
type Result struct {
	JobID  string          `json:"job_id"`
	Name   string          `json:"name"`
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Decode unmarshals the result data into v.
func (r Result) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return errors.New("result has no data")
	}
	return json.Unmarshal(r.Data, v)
}
