package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// RiverJobKind is the River kind merger jobs are inserted under. The River
// worker registers the same kind.
const RiverJobKind = "zuul.job"

// riverQueuePublisher inserts job envelopes straight into River's job table,
// so submitters do not need a River client of their own.
type riverQueuePublisher struct {
	db  *sql.DB
	cfg RiverQueueConfig
}

func newRiverQueuePublisher(cfg RiverQueueConfig) (*riverQueuePublisher, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	if cfg.DSN == "" {
		return nil, configErrorf("riverqueue dsn is required")
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &riverQueuePublisher{db: db, cfg: cfg}, nil
}

// Publish inserts one available job. The envelope payload becomes the job args.
func (p *riverQueuePublisher) Publish(ctx context.Context, topic string, env Envelope) error {
	if !json.Valid(env.Payload) {
		return fmt.Errorf("riverqueue: payload for %s is not json", topic)
	}

	metadata := make(map[string]string, len(env.Metadata)+2)
	for key, value := range env.Metadata {
		metadata[key] = value
	}
	metadata["topic"] = topic
	if env.ID != "" {
		metadata["message_id"] = env.ID
	}
	metadataPayload, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	table := strings.TrimSpace(p.cfg.Table)
	if table == "" {
		table = "river_job"
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (args, kind, max_attempts, metadata, priority, queue, scheduled_at, state, tags)
VALUES ($1, $2, $3, $4, $5, $6, now(), 'available', $7)`,
		table,
	)

	priority := p.cfg.Priority
	if priority <= 0 {
		priority = 1
	}
	_, err = p.db.ExecContext(
		ctx,
		query,
		string(env.Payload),
		RiverJobKind,
		p.cfg.MaxAttempts,
		string(metadataPayload),
		priority,
		p.cfg.Queue,
		pq.Array(p.cfg.Tags),
	)
	return err
}

func (p *riverQueuePublisher) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *riverQueuePublisher) PublishForDrivers(ctx context.Context, topic string, env Envelope, drivers []string) error {
	return p.Publish(ctx, topic, env)
}
