package internal

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the configuration shared by the gate server and the merge worker.
type Config struct {
	// Server holds HTTP listener configuration.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		MaxConnections int    `yaml:"max_connections"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
	} `yaml:"server"`
	// Connections maps a connection name to its hosting platform settings.
	Connections map[string]ConnectionConfig `yaml:"connections"`
	// Watermill holds configuration for the message transport.
	Watermill WatermillConfig `yaml:"watermill"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Merger    MergerConfig    `yaml:"merger"`
	Reporter  ReporterConfig  `yaml:"reporter"`
	Status    StatusConfig    `yaml:"status"`
}

// ConnectionConfig describes one GitHub connection.
type ConnectionConfig struct {
	Driver       string `yaml:"driver"`
	APIToken     string `yaml:"api_token"`
	WebhookToken string `yaml:"webhook_token"`
	SSHKey       string `yaml:"sshkey"`
	BaseURL      string `yaml:"base_url"`
	GitHost      string `yaml:"git_host"`
	Path         string `yaml:"path"`
}

// WatermillConfig holds the configuration for Watermill, which handles messaging.
type WatermillConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	RiverQueue   RiverQueueConfig   `yaml:"riverqueue"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig holds configuration for the NATS pub/sub.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RiverQueueConfig holds configuration for inserting merger jobs into River.
type RiverQueueConfig struct {
	Driver      string   `yaml:"driver"`
	DSN         string   `yaml:"dsn"`
	Table       string   `yaml:"table"`
	Queue       string   `yaml:"queue"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// SchedulerConfig controls how trigger events reach the scheduler.
type SchedulerConfig struct {
	Topic string `yaml:"topic"`
	Rules []Rule `yaml:"rules"`
}

// MergerConfig holds the merge worker settings.
type MergerConfig struct {
	GitDir       string `yaml:"git_dir"`
	GitUserEmail string `yaml:"git_user_email"`
	GitUserName  string `yaml:"git_user_name"`
	ZuulURL      string `yaml:"zuul_url"`
	JobsTopic    string `yaml:"jobs_topic"`
	ResultsTopic string `yaml:"results_topic"`
	JobTimeoutMS int64  `yaml:"job_timeout_ms"`
	// Redeliver nacks failed jobs so the broker hands them out again
	// instead of dropping them.
	Redeliver bool `yaml:"redeliver"`
	// Backend selects the job source: "watermill" or "river".
	Backend string `yaml:"backend"`
	River   struct {
		DSN   string `yaml:"dsn"`
		Queue string `yaml:"queue"`
	} `yaml:"river"`
}

// JobTimeout returns the execution ceiling for a single job.
func (c MergerConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMS) * time.Millisecond
}

// ReporterConfig controls the report-job consumer of the gate server.
type ReporterConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Topic        string `yaml:"topic"`
	RetryDelayMS int64  `yaml:"retry_delay_ms"`
	// StatusURL is attached to commit statuses; defaults to merger.zuul_url.
	StatusURL string `yaml:"status_url"`
}

// RetryDelay returns the pause before a failed merge is retried.
func (c ReporterConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// StatusConfig controls the gate status surface.
type StatusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ExpiryMS  int64  `yaml:"expiry_ms"`
	SourceURL string `yaml:"source_url"`
}

// Expiry returns the freshness window of the cached snapshot.
func (c StatusConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryMS) * time.Millisecond
}

// LoadConfig loads the configuration from a YAML file.
// It expands environment variables, applies defaults, and validates rules.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg)
	normalized, err := normalizeRules(cfg.Scheduler.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Scheduler.Rules = normalized
	if err := validateConnections(cfg.Connections); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8001
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 5 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	for name, conn := range cfg.Connections {
		if conn.Driver == "" {
			conn.Driver = "github"
		}
		if conn.Path == "" {
			conn.Path = "/connection/" + name + "/payload"
		}
		if conn.GitHost == "" {
			conn.GitHost = "github.com"
		}
		cfg.Connections[name] = conn
	}
	if cfg.Watermill.Driver == "" {
		cfg.Watermill.Driver = "gochannel"
	}
	if cfg.Watermill.GoChannel.OutputChannelBuffer == 0 {
		cfg.Watermill.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Watermill.HTTP.Mode == "" {
		cfg.Watermill.HTTP.Mode = "topic_url"
	}
	if cfg.Watermill.RiverQueue.Table == "" {
		cfg.Watermill.RiverQueue.Table = "river_job"
	}
	if cfg.Watermill.RiverQueue.Queue == "" {
		cfg.Watermill.RiverQueue.Queue = "merger"
	}
	if cfg.Watermill.RiverQueue.MaxAttempts == 0 {
		cfg.Watermill.RiverQueue.MaxAttempts = 1
	}
	if cfg.Watermill.PublishRetry.Attempts == 0 {
		cfg.Watermill.PublishRetry.Attempts = 3
	}
	if cfg.Watermill.PublishRetry.DelayMS == 0 {
		cfg.Watermill.PublishRetry.DelayMS = 500
	}
	if cfg.Scheduler.Topic == "" {
		cfg.Scheduler.Topic = "zuul.trigger"
	}
	if cfg.Merger.GitDir == "" {
		cfg.Merger.GitDir = "/var/lib/zuul/git"
	}
	if cfg.Merger.JobsTopic == "" {
		cfg.Merger.JobsTopic = "zuul.merger.jobs"
	}
	if cfg.Merger.ResultsTopic == "" {
		cfg.Merger.ResultsTopic = "zuul.merger.results"
	}
	if cfg.Merger.JobTimeoutMS == 0 {
		cfg.Merger.JobTimeoutMS = int64((10 * time.Minute) / time.Millisecond)
	}
	if cfg.Merger.Backend == "" {
		cfg.Merger.Backend = "watermill"
	}
	if cfg.Merger.River.Queue == "" {
		cfg.Merger.River.Queue = cfg.Watermill.RiverQueue.Queue
	}
	if cfg.Reporter.Topic == "" {
		cfg.Reporter.Topic = "zuul.reports"
	}
	if cfg.Merger.River.DSN == "" {
		cfg.Merger.River.DSN = cfg.Watermill.RiverQueue.DSN
	}
	if cfg.Reporter.StatusURL == "" {
		cfg.Reporter.StatusURL = cfg.Merger.ZuulURL
	}
	if cfg.Reporter.RetryDelayMS == 0 {
		cfg.Reporter.RetryDelayMS = 2000
	}
	if cfg.Status.ExpiryMS == 0 {
		cfg.Status.ExpiryMS = 1000
	}
}

func validateConnections(connections map[string]ConnectionConfig) error {
	paths := make(map[string]string, len(connections))
	for name, conn := range connections {
		if strings.ToLower(conn.Driver) != "github" {
			return fmt.Errorf("connection %s: unsupported driver %q", name, conn.Driver)
		}
		if other, ok := paths[conn.Path]; ok {
			return fmt.Errorf("connection %s: path %s already used by %s", name, conn.Path, other)
		}
		paths[conn.Path] = name
	}
	return nil
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		rule.Emit = strings.TrimSpace(rule.Emit)
		if rule.When == "" || rule.Emit == "" {
			return nil, fmt.Errorf("rule %d is missing when or emit", i)
		}
		if len(rule.Drivers) > 0 {
			drivers := make([]string, 0, len(rule.Drivers))
			for _, driver := range rule.Drivers {
				trimmed := strings.TrimSpace(driver)
				if trimmed != "" {
					drivers = append(drivers, trimmed)
				}
			}
			rule.Drivers = drivers
		}
		out = append(out, rule)
	}
	return out, nil
}
