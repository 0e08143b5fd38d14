package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/trungminhnguyen/zuul/internal"
	"github.com/trungminhnguyen/zuul/pkg/merger"
	"github.com/trungminhnguyen/zuul/pkg/worker"
)

func main() {
	logger := internal.NewLogger("merger")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds, err := merger.CredentialsFromConfig(config.Connections)
	if err != nil {
		logger.Fatalf("credentials: %v", err)
	}
	engine, err := merger.NewEngine(merger.EngineConfig{
		GitDir:    config.Merger.GitDir,
		UserName:  config.Merger.GitUserName,
		UserEmail: config.Merger.GitUserEmail,
	}, creds, internal.NewLogger("merger/git"))
	if err != nil {
		logger.Fatalf("git engine: %v", err)
	}

	publisher, err := internal.NewPublisher(config.Watermill)
	if err != nil {
		logger.Fatalf("publisher: %v", err)
	}
	defer publisher.Close()

	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithJobTimeout(config.Merger.JobTimeout()),
		worker.WithRetry(retryPolicy(config.Merger)),
		worker.WithResultPublisher(worker.NewResultPublisher(publisher, config.Merger.ResultsTopic)),
		worker.WithListener(worker.Listener{
			OnStart: func(context.Context) { logger.Printf("merger started git_dir=%s", config.Merger.GitDir) },
			OnExit:  func(context.Context) { logger.Printf("merger stopped") },
			OnJobFinish: func(_ context.Context, job *worker.Job, result worker.Result) {
				logger.Printf("job id=%s name=%s status=%s", job.ID, job.Name, result.Status)
			},
		}),
	}

	switch config.Merger.Backend {
	case "river":
		w := worker.New(opts...)
		merger.NewServer(engine, config.Merger.ZuulURL, logger).Register(w)
		runner, err := worker.NewRiverRunner(ctx, worker.RiverConfig{
			DSN:   config.Merger.River.DSN,
			Queue: config.Merger.River.Queue,
		}, w)
		if err != nil {
			logger.Fatalf("river: %v", err)
		}
		logger.Printf("consuming river queue %s", config.Merger.River.Queue)
		if err := runner.Run(ctx); err != nil {
			logger.Fatalf("river: %v", err)
		}
	default:
		subscriber, err := worker.BuildSubscriber(worker.SubscriberConfigFrom(config.Watermill))
		if err != nil {
			logger.Fatalf("subscriber: %v", err)
		}
		opts = append(opts, worker.WithSubscriber(subscriber), worker.WithTopics(config.Merger.JobsTopic))
		w := worker.New(opts...)
		defer w.Close()
		merger.NewServer(engine, config.Merger.ZuulURL, logger).Register(w)
		logger.Printf("consuming %s", config.Merger.JobsTopic)
		if err := w.Run(ctx); err != nil {
			logger.Fatalf("worker: %v", err)
		}
	}
}

func retryPolicy(cfg internal.MergerConfig) worker.RetryPolicy {
	if cfg.Redeliver {
		return worker.Redeliver{}
	}
	return worker.NoRetry{}
}
