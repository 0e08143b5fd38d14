package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamaqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
)

// Envelope is one message handed to a transport: trigger events, merger jobs,
// job results and report requests all travel as JSON envelopes.
type Envelope struct {
	ID       string
	Payload  []byte
	Metadata map[string]string
}

// NewEnvelope encodes v as JSON under a fresh message id.
func NewEnvelope(v interface{}, metadata map[string]string) (Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: watermill.NewUUID(), Payload: payload, Metadata: metadata}, nil
}

type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	PublishForDrivers(ctx context.Context, topic string, env Envelope, drivers []string) error
	Close() error
}

type watermillPublisher struct {
	publisher message.Publisher
	closeFn   func() error
	attempts  int
	delay     time.Duration
}

// NewWatermillPublisher wraps an already built watermill publisher, e.g. a
// gochannel shared with an in-process subscriber.
func NewWatermillPublisher(pub message.Publisher) Publisher {
	return &watermillPublisher{publisher: pub, attempts: 1}
}

// PublisherFactory opens one watermill transport. closeFn, when set, runs
// after the publisher is closed.
type PublisherFactory func(cfg WatermillConfig, logger watermill.LoggerAdapter) (pub message.Publisher, closeFn func() error, err error)

var publisherFactories = map[string]PublisherFactory{
	"gochannel": buildGoChannelPublisher,
	"kafka":     buildKafkaPublisher,
	"nats":      buildNATSPublisher,
	"amqp":      buildAMQPPublisher,
	"sql":       buildSQLPublisher,
	"http":      buildHTTPPublisher,
}

// RegisterPublisherDriver adds or replaces a transport by name.
func RegisterPublisherDriver(name string, factory PublisherFactory) {
	if name == "" || factory == nil {
		return
	}
	publisherFactories[strings.ToLower(name)] = factory
}

// errPublisherConfig marks settings that no amount of reconnecting fixes.
var errPublisherConfig = errors.New("invalid publisher config")

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errPublisherConfig, fmt.Sprintf(format, args...))
}

// NewPublisher opens every configured driver and fans envelopes out to all of
// them. A driver that cannot be opened is logged and left out; it is an error
// only when none can.
func NewPublisher(cfg WatermillConfig) (Publisher, error) {
	logger := watermill.NewStdLogger(false, false)

	drivers := cfg.Drivers
	if len(drivers) == 0 && cfg.Driver != "" {
		drivers = []string{cfg.Driver}
	}
	if len(drivers) == 0 {
		drivers = []string{"gochannel"}
	}

	mux := &publisherMux{publishers: make(map[string]Publisher, len(drivers))}
	for _, driver := range drivers {
		key := strings.ToLower(strings.TrimSpace(driver))
		if _, dup := mux.publishers[key]; dup {
			continue
		}
		pub, err := retryBuild(func() (Publisher, error) {
			return openPublisher(cfg, key, logger)
		})
		if err != nil {
			logger.Error("publisher init failed, skipping driver", err, watermill.LogFields{"driver": key})
			continue
		}
		mux.publishers[key] = pub
		mux.defaultDrivers = append(mux.defaultDrivers, key)
	}
	if len(mux.publishers) == 0 {
		return nil, errors.New("no publishers available")
	}
	return mux, nil
}

func openPublisher(cfg WatermillConfig, driver string, logger watermill.LoggerAdapter) (Publisher, error) {
	if driver == "riverqueue" {
		return newRiverQueuePublisher(cfg.RiverQueue)
	}
	factory, ok := publisherFactories[driver]
	if !ok {
		return nil, configErrorf("unsupported watermill driver: %s", driver)
	}
	pub, closeFn, err := factory(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &watermillPublisher{
		publisher: pub,
		closeFn:   closeFn,
		attempts:  cfg.PublishRetry.Attempts,
		delay:     time.Duration(cfg.PublishRetry.DelayMS) * time.Millisecond,
	}, nil
}

// Broker connections are retried while the broker comes up.
var (
	buildAttempts = 10
	buildDelay    = 2 * time.Second
)

func retryBuild[T any](build func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < buildAttempts; i++ {
		built, err := build()
		if err == nil {
			return built, nil
		}
		if errors.Is(err, errPublisherConfig) {
			return zero, err
		}
		lastErr = err
		if i+1 < buildAttempts {
			time.Sleep(buildDelay)
		}
	}
	return zero, lastErr
}

func (w *watermillPublisher) Publish(ctx context.Context, topic string, env Envelope) error {
	id := env.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	attempts := w.attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		msg := message.NewMessage(id, env.Payload)
		for key, value := range env.Metadata {
			msg.Metadata.Set(key, value)
		}
		msg.SetContext(ctx)
		if err = w.publisher.Publish(topic, msg); err == nil {
			return nil
		}
		if i+1 < attempts {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(w.delay):
			}
		}
	}
	return err
}

func (w *watermillPublisher) Close() error {
	if w.publisher == nil {
		return nil
	}
	err := w.publisher.Close()
	if w.closeFn != nil {
		return errors.Join(err, w.closeFn())
	}
	return err
}

func (w *watermillPublisher) PublishForDrivers(ctx context.Context, topic string, env Envelope, drivers []string) error {
	return w.Publish(ctx, topic, env)
}

type publisherMux struct {
	publishers     map[string]Publisher
	defaultDrivers []string
}

func (m *publisherMux) Publish(ctx context.Context, topic string, env Envelope) error {
	return m.PublishForDrivers(ctx, topic, env, nil)
}

func (m *publisherMux) PublishForDrivers(ctx context.Context, topic string, env Envelope, drivers []string) error {
	targets := drivers
	if len(targets) == 0 {
		targets = m.defaultDrivers
	}

	var err error
	for _, driver := range targets {
		pub, ok := m.publishers[strings.ToLower(driver)]
		if !ok {
			err = errors.Join(err, fmt.Errorf("unknown driver %s", driver))
			continue
		}
		if publishErr := pub.Publish(ctx, topic, env); publishErr != nil {
			IncPublishError(strings.ToLower(driver))
			err = errors.Join(err, fmt.Errorf("%s: %w", driver, publishErr))
		}
	}
	return err
}

func (m *publisherMux) Close() error {
	var err error
	for _, pub := range m.publishers {
		err = errors.Join(err, pub.Close())
	}
	return err
}

func buildGoChannelPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	return gochannel.NewGoChannel(gochannel.Config(cfg.GoChannel), logger), nil, nil
}

func buildKafkaPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil, configErrorf("kafka brokers are required")
	}
	pub, err := wmkafka.NewPublisher(cfg.Kafka.Brokers, wmkafka.DefaultMarshaler{}, nil, logger)
	return pub, nil, err
}

func buildNATSPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
		return nil, nil, configErrorf("nats cluster_id and client_id are required")
	}
	var opts []stan.Option
	if cfg.NATS.URL != "" {
		opts = append(opts, stan.NatsURL(cfg.NATS.URL))
	}
	pub, err := wmnats.NewStreamingPublisher(wmnats.StreamingPublisherConfig{
		ClusterID:   cfg.NATS.ClusterID,
		ClientID:    cfg.NATS.ClientID,
		StanOptions: opts,
		Marshaler:   wmnats.GobMarshaler{},
	}, logger)
	return pub, nil, err
}

func buildAMQPPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if cfg.AMQP.URL == "" {
		return nil, nil, configErrorf("amqp url is required")
	}
	var amqpCfg wmamaqp.Config
	switch strings.ToLower(cfg.AMQP.Mode) {
	case "", "durable_queue":
		amqpCfg = wmamaqp.NewDurableQueueConfig(cfg.AMQP.URL)
	case "nondurable_queue":
		amqpCfg = wmamaqp.NewNonDurableQueueConfig(cfg.AMQP.URL)
	case "durable_pubsub":
		amqpCfg = wmamaqp.NewDurablePubSubConfig(cfg.AMQP.URL, nil)
	case "nondurable_pubsub":
		amqpCfg = wmamaqp.NewNonDurablePubSubConfig(cfg.AMQP.URL, nil)
	default:
		return nil, nil, configErrorf("unsupported amqp mode: %s", cfg.AMQP.Mode)
	}
	pub, err := wmamaqp.NewPublisher(amqpCfg, logger)
	return pub, nil, err
}

// buildSQLPublisher stores messages in a table of the configured database.
// Both lib/pq ("postgres") and go-sql-driver ("mysql") are registered.
func buildSQLPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if cfg.SQL.Driver == "" || cfg.SQL.DSN == "" {
		return nil, nil, configErrorf("sql driver and dsn are required")
	}
	var schema wmsql.SchemaAdapter
	switch strings.ToLower(cfg.SQL.Dialect) {
	case "postgres", "postgresql":
		schema = wmsql.DefaultPostgreSQLSchema{}
	case "mysql":
		schema = wmsql.DefaultMySQLSchema{}
	default:
		return nil, nil, configErrorf("unsupported sql dialect: %s", cfg.SQL.Dialect)
	}
	db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, nil, err
	}
	pub, err := wmsql.NewPublisher(db, wmsql.PublisherConfig{
		SchemaAdapter:        schema,
		AutoInitializeSchema: cfg.SQL.AutoInitializeSchema || cfg.SQL.InitializeSchema,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return pub, db.Close, nil
}

// buildHTTPPublisher POSTs each message either to the topic itself
// (topic_url) or to base_url/<topic>.
func buildHTTPPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if _, err := httpTargetURL(cfg.HTTP, "probe"); err != nil {
		return nil, nil, configErrorf("%v", err)
	}
	pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*http.Request, error) {
			target, err := httpTargetURL(cfg.HTTP, topic)
			if err != nil {
				return nil, err
			}
			return wmhttp.DefaultMarshalMessageFunc(target, msg)
		},
	}, logger)
	return pub, nil, err
}

func httpTargetURL(cfg HTTPConfig, topic string) (string, error) {
	if topic == "" {
		return "", errors.New("http target topic is empty")
	}
	switch strings.ToLower(cfg.Mode) {
	case "topic_url":
		return topic, nil
	case "base_url":
		if cfg.BaseURL == "" {
			return "", errors.New("http base_url is required for base_url mode")
		}
		return strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(topic, "/"), nil
	default:
		return "", fmt.Errorf("unsupported http mode: %s", cfg.Mode)
	}
}
