package worker

import (
	"strings"

	"github.com/trungminhnguyen/zuul/internal"
)

// defaultConsumerGroup is shared by every worker process so that each job is
// handed to exactly one of them.
const defaultConsumerGroup = "zuul"

// SubscriberConfig selects the broker(s) jobs are consumed from.
type SubscriberConfig struct {
	Driver  string
	Drivers []string

	GoChannel GoChannelConfig
	Kafka     KafkaConfig
	NATS      NATSConfig
	AMQP      AMQPConfig
	SQL       SQLConfig
}

type GoChannelConfig struct {
	OutputChannelBuffer            int64
	Persistent                     bool
	BlockPublishUntilSubscriberAck bool
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// NATSConfig configures a NATS streaming subscription. Workers join
// QueueGroup so a job is delivered to one member only.
type NATSConfig struct {
	ClusterID  string
	ClientID   string
	URL        string
	QueueGroup string
	Durable    string
}

// AMQPConfig picks the queue layout; the default durable queue makes worker
// processes compete for jobs.
type AMQPConfig struct {
	URL  string
	Mode string
}

type SQLConfig struct {
	Driver           string
	DSN              string
	Dialect          string
	ConsumerGroup    string
	InitializeSchema bool
}

// SubscriberConfigFrom derives the consuming side of the shared watermill
// section. Publish-only drivers (http, riverqueue) are skipped.
func SubscriberConfigFrom(cfg internal.WatermillConfig) SubscriberConfig {
	out := SubscriberConfig{
		GoChannel: GoChannelConfig(cfg.GoChannel),
		Kafka:     KafkaConfig{Brokers: cfg.Kafka.Brokers},
		NATS:      NATSConfig{ClusterID: cfg.NATS.ClusterID, URL: cfg.NATS.URL},
		AMQP:      AMQPConfig(cfg.AMQP),
		SQL: SQLConfig{
			Driver:           cfg.SQL.Driver,
			DSN:              cfg.SQL.DSN,
			Dialect:          cfg.SQL.Dialect,
			InitializeSchema: cfg.SQL.InitializeSchema || cfg.SQL.AutoInitializeSchema,
		},
	}
	if cfg.NATS.ClientID != "" {
		// a publisher and a subscriber may not share a streaming client id
		out.NATS.ClientID = cfg.NATS.ClientID + "-worker"
	}
	if isSubscriberDriverSupported(cfg.Driver) {
		out.Driver = strings.ToLower(cfg.Driver)
	}
	for _, driver := range cfg.Drivers {
		if isSubscriberDriverSupported(driver) {
			out.Drivers = append(out.Drivers, strings.ToLower(driver))
		}
	}
	applySubscriberDefaults(&out)
	return out
}

func applySubscriberDefaults(cfg *SubscriberConfig) {
	if cfg.Driver == "" && len(cfg.Drivers) == 0 {
		cfg.Driver = "gochannel"
	}
	if cfg.GoChannel.OutputChannelBuffer == 0 {
		cfg.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.NATS.QueueGroup == "" {
		cfg.NATS.QueueGroup = defaultConsumerGroup
	}
	if cfg.NATS.Durable == "" {
		cfg.NATS.Durable = defaultConsumerGroup
	}
	if cfg.SQL.ConsumerGroup == "" {
		cfg.SQL.ConsumerGroup = defaultConsumerGroup
	}
}
