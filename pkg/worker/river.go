package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/trungminhnguyen/zuul/internal"
)

// RiverJobArgs is the River form of a Job. Its fields match the JSON the
// riverqueue publisher inserts.
type RiverJobArgs struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	ReplyTo   string          `json:"reply_to,omitempty"`
}

func (RiverJobArgs) Kind() string { return internal.RiverJobKind }

// RiverConfig selects the database and queue a RiverRunner works.
type RiverConfig struct {
	DSN   string
	Queue string
}

type riverJobWorker struct {
	river.WorkerDefaults[RiverJobArgs]
	worker *Worker
}

// Work runs the job through the worker's dispatcher. Fail and exception
// results cancel the River job so the error is recorded without retries.
func (r *riverJobWorker) Work(ctx context.Context, rj *river.Job[RiverJobArgs]) error {
	job := &Job{
		ID:        rj.Args.ID,
		Name:      rj.Args.Name,
		Arguments: rj.Args.Arguments,
		ReplyTo:   rj.Args.ReplyTo,
		Topic:     rj.Queue,
		Metadata:  map[string]string{"river_job_id": strconv.FormatInt(rj.ID, 10)},
	}
	if job.ID == "" {
		job.ID = strconv.FormatInt(rj.ID, 10)
	}

	result := r.worker.Process(ctx, job)
	if r.worker.results != nil {
		if err := r.worker.results.PublishResult(ctx, job, result); err != nil {
			return fmt.Errorf("deliver result of %s: %w", job.ID, err)
		}
	}
	if result.Status != StatusComplete {
		return river.JobCancel(fmt.Errorf("%s: %s", result.Status, result.Error))
	}
	return nil
}

// RiverRunner feeds River jobs into a Worker, one at a time.
type RiverRunner struct {
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
	logger Logger
}

func NewRiverRunner(ctx context.Context, cfg RiverConfig, w *Worker) (*RiverRunner, error) {
	if cfg.DSN == "" {
		return nil, errors.New("river dsn is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = river.QueueDefault
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, &riverJobWorker{worker: w}); err != nil {
		pool.Close()
		return nil, err
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		Queues: map[string]river.QueueConfig{
			queue: {MaxWorkers: 1},
		},
		Workers: workers,
		// The worker applies its own job timeout.
		JobTimeout: -1,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("river client: %w", err)
	}
	return &RiverRunner{pool: pool, client: client, logger: w.logger}, nil
}

// Run starts the River client and blocks until ctx is canceled.
func (r *RiverRunner) Run(ctx context.Context) error {
	defer r.pool.Close()
	if err := r.client.Start(ctx); err != nil {
		return fmt.Errorf("river start: %w", err)
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.client.Stop(stopCtx); err != nil {
		r.logger.Printf("river stop: %v", err)
		return err
	}
	return nil
}
