package webhook

import (
	"context"
	"log"
	"time"

	"github.com/trungminhnguyen/zuul/internal"
)

// Scheduler accepts trigger events. AddEvent does not report failures back to
// the delivery; the caller has already acknowledged the platform.
type Scheduler interface {
	AddEvent(event internal.TriggerEvent)
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(event internal.TriggerEvent)

func (f SchedulerFunc) AddEvent(event internal.TriggerEvent) {
	f(event)
}

// PublishingScheduler forwards every event to the scheduler topic and to any
// extra topics selected by the routing rules.
type PublishingScheduler struct {
	publisher internal.Publisher
	topic     string
	rules     *internal.RuleEngine
	logger    *log.Logger
	timeout   time.Duration
}

func NewPublishingScheduler(publisher internal.Publisher, topic string, rules *internal.RuleEngine, logger *log.Logger) *PublishingScheduler {
	if logger == nil {
		logger = internal.NewLogger("scheduler")
	}
	return &PublishingScheduler{
		publisher: publisher,
		topic:     topic,
		rules:     rules,
		logger:    logger,
		timeout:   5 * time.Second,
	}
}

func (s *PublishingScheduler) AddEvent(event internal.TriggerEvent) {
	env, err := internal.NewEnvelope(event, map[string]string{
		"connection": event.ConnectionName,
		"event_type": string(event.Type),
		"project":    event.ProjectName,
	})
	if err != nil {
		s.logger.Printf("encode event failed: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, s.topic, env); err != nil {
		s.logger.Printf("publish %s failed: %v", s.topic, err)
	}
	for _, match := range s.rules.Evaluate(event) {
		if match.Topic == s.topic {
			continue
		}
		if err := s.publisher.PublishForDrivers(ctx, match.Topic, env, match.Drivers); err != nil {
			s.logger.Printf("publish %s failed: %v", match.Topic, err)
		}
	}
}
