package worker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
)

// MiddlewareFromWatermill runs a watermill handler middleware around a job
// handler. The middleware sees the job arguments as the message payload and
// the job metadata as message metadata.
func MiddlewareFromWatermill(m message.HandlerMiddleware) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, job *Job) (interface{}, error) {
			msg := message.NewMessage(job.ID, message.Payload(job.Arguments))
			for key, value := range job.Metadata {
				msg.Metadata.Set(key, value)
			}
			msg.SetContext(ctx)

			var data interface{}
			wrapped := m(func(msg *message.Message) ([]*message.Message, error) {
				var err error
				data, err = next(msg.Context(), job)
				return nil, err
			})
			_, err := wrapped(msg)
			return data, err
		}
	}
}
