package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamaqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
)

type subscriberFactory func(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error)

var subscriberDrivers = map[string]subscriberFactory{
	"gochannel": newGoChannelSubscriber,
	"amqp":      newAMQPSubscriber,
	"nats":      newNATSSubscriber,
	"kafka":     newKafkaSubscriber,
	"sql":       newSQLSubscriber,
}

// Broker connections are retried while the broker comes up.
var (
	subscribeAttempts = 10
	subscribeDelay    = 2 * time.Second
)

func isSubscriberDriverSupported(driver string) bool {
	_, ok := subscriberDrivers[strings.ToLower(strings.TrimSpace(driver))]
	return ok
}

// BuildSubscriber creates the job subscriber. With several drivers the
// deliveries of all of them are merged and tagged with a "driver" metadata key.
func BuildSubscriber(cfg SubscriberConfig) (message.Subscriber, error) {
	logger := watermill.NewStdLogger(false, false)
	applySubscriberDefaults(&cfg)

	drivers := append([]string{cfg.Driver}, cfg.Drivers...)
	drivers = uniqueStrings(drivers)
	if len(drivers) == 0 {
		drivers = []string{"gochannel"}
	}
	if len(drivers) == 1 {
		return buildSubscriber(cfg, logger, drivers[0])
	}

	multi := &multiSubscriber{bufferSize: cfg.GoChannel.OutputChannelBuffer}
	for _, driver := range drivers {
		sub, err := buildSubscriber(cfg, logger, driver)
		if err != nil {
			logger.Error("subscriber init failed, skipping driver", err, watermill.LogFields{"driver": driver})
			continue
		}
		multi.subscribers = append(multi.subscribers, namedSubscriber{driver: driver, sub: sub})
	}
	if len(multi.subscribers) == 0 {
		return nil, errors.New("no subscriber driver could be initialized")
	}
	return multi, nil
}

func buildSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter, driver string) (message.Subscriber, error) {
	factory, ok := subscriberDrivers[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported subscriber driver: %s", driver)
	}
	if driver == "gochannel" {
		return factory(cfg, logger)
	}

	var lastErr error
	for i := 0; i < subscribeAttempts; i++ {
		sub, err := factory(cfg, logger)
		if err == nil {
			return sub, nil
		}
		var cfgErr configError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		lastErr = err
		time.Sleep(subscribeDelay)
	}
	return nil, fmt.Errorf("%s subscriber: %w", driver, lastErr)
}

// configError marks a settings problem that retrying cannot fix.
type configError string

func (e configError) Error() string { return string(e) }

func newGoChannelSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            cfg.GoChannel.OutputChannelBuffer,
		Persistent:                     cfg.GoChannel.Persistent,
		BlockPublishUntilSubscriberAck: cfg.GoChannel.BlockPublishUntilSubscriberAck,
	}, logger), nil
}

func newAMQPSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if cfg.AMQP.URL == "" {
		return nil, configError("amqp url is required")
	}
	var amqpCfg wmamaqp.Config
	switch strings.ToLower(cfg.AMQP.Mode) {
	case "", "durable_queue":
		amqpCfg = wmamaqp.NewDurableQueueConfig(cfg.AMQP.URL)
	case "nondurable_queue":
		amqpCfg = wmamaqp.NewNonDurableQueueConfig(cfg.AMQP.URL)
	case "durable_pubsub":
		amqpCfg = wmamaqp.NewDurablePubSubConfig(cfg.AMQP.URL, wmamaqp.GenerateQueueNameTopicNameWithSuffix(defaultConsumerGroup))
	case "nondurable_pubsub":
		amqpCfg = wmamaqp.NewNonDurablePubSubConfig(cfg.AMQP.URL, wmamaqp.GenerateQueueNameTopicNameWithSuffix(defaultConsumerGroup))
	default:
		return nil, configError("unsupported amqp mode: " + cfg.AMQP.Mode)
	}
	return wmamaqp.NewSubscriber(amqpCfg, logger)
}

func newNATSSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
		return nil, configError("nats cluster_id and client_id are required")
	}
	natsCfg := wmnats.StreamingSubscriberConfig{
		ClusterID:   cfg.NATS.ClusterID,
		ClientID:    cfg.NATS.ClientID,
		QueueGroup:  cfg.NATS.QueueGroup,
		DurableName: cfg.NATS.Durable,
		Unmarshaler: wmnats.GobMarshaler{},
	}
	if cfg.NATS.URL != "" {
		natsCfg.StanOptions = append(natsCfg.StanOptions, stan.NatsURL(cfg.NATS.URL))
	}
	return wmnats.NewStreamingSubscriber(natsCfg, logger)
}

func newKafkaSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, configError("kafka brokers are required")
	}
	return wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
		Brokers:       cfg.Kafka.Brokers,
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
	}, nil, wmkafka.DefaultMarshaler{}, logger)
}

func newSQLSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if cfg.SQL.Driver == "" || cfg.SQL.DSN == "" {
		return nil, configError("sql driver and dsn are required")
	}
	var (
		schema  wmsql.SchemaAdapter
		offsets wmsql.OffsetsAdapter
	)
	switch strings.ToLower(cfg.SQL.Dialect) {
	case "postgres", "postgresql":
		schema, offsets = wmsql.DefaultPostgreSQLSchema{}, wmsql.DefaultPostgreSQLOffsetsAdapter{}
	case "mysql":
		schema, offsets = wmsql.DefaultMySQLSchema{}, wmsql.DefaultMySQLOffsetsAdapter{}
	default:
		return nil, configError("unsupported sql dialect: " + cfg.SQL.Dialect)
	}

	db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, err
	}
	sub, err := wmsql.NewSubscriber(db, wmsql.SubscriberConfig{
		ConsumerGroup:    cfg.SQL.ConsumerGroup,
		SchemaAdapter:    schema,
		OffsetsAdapter:   offsets,
		InitializeSchema: cfg.SQL.InitializeSchema,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &closingSubscriber{Subscriber: sub, closeFn: db.Close}, nil
}

// closingSubscriber closes the database handle after its subscriber.
type closingSubscriber struct {
	message.Subscriber
	closeFn func() error
}

func (c *closingSubscriber) Close() error {
	return errors.Join(c.Subscriber.Close(), c.closeFn())
}

type namedSubscriber struct {
	driver string
	sub    message.Subscriber
}

type multiSubscriber struct {
	subscribers []namedSubscriber
	bufferSize  int64
}

func (m *multiSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	buffer := m.bufferSize
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan *message.Message, buffer)

	var wg sync.WaitGroup
	for _, entry := range m.subscribers {
		ch, err := entry.sub.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s via %s: %w", topic, entry.driver, err)
		}
		wg.Add(1)
		go func(driver string, ch <-chan *message.Message) {
			defer wg.Done()
			for msg := range ch {
				msg.Metadata.Set("driver", driver)
				select {
				case out <- msg:
				case <-ctx.Done():
					msg.Nack()
					return
				}
			}
		}(entry.driver, ch)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (m *multiSubscriber) Close() error {
	var errs []error
	for _, entry := range m.subscribers {
		errs = append(errs, entry.sub.Close())
	}
	return errors.Join(errs...)
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
