package main

import (
	"context"
	"expvar"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/trungminhnguyen/zuul/internal"
	"github.com/trungminhnguyen/zuul/pkg/api"
	"github.com/trungminhnguyen/zuul/pkg/providers/github"
	"github.com/trungminhnguyen/zuul/pkg/reporter"
	"github.com/trungminhnguyen/zuul/pkg/webhook"
	"github.com/trungminhnguyen/zuul/pkg/worker"
)

func main() {
	logger := internal.NewLogger("server")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rules, err := internal.NewRuleEngine(config.Scheduler.Rules, internal.NewLogger("rules"))
	if err != nil {
		logger.Fatalf("compile rules: %v", err)
	}

	publisher, err := internal.NewPublisher(config.Watermill)
	if err != nil {
		logger.Fatalf("publisher: %v", err)
	}
	defer publisher.Close()

	scheduler := webhook.NewPublishingScheduler(publisher, config.Scheduler.Topic, rules, internal.NewLogger("scheduler"))
	mux := http.NewServeMux()
	reporters := make(map[string]*reporter.Reporter, len(config.Connections))

	for name, conn := range config.Connections {
		connection, err := github.NewConnection(ctx, github.Config{
			Name:    name,
			Token:   conn.APIToken,
			BaseURL: conn.BaseURL,
			GitHost: conn.GitHost,
			SSHKey:  conn.SSHKey,
		}, internal.NewLogger("github/"+name))
		if err != nil {
			logger.Fatalf("connection %s: %v", name, err)
		}

		hookLogger := internal.NewLogger("webhook/" + name)
		handler, err := webhook.NewGitHubHandler(
			conn.WebhookToken,
			webhook.NewNormalizer(name, connection, hookLogger),
			scheduler,
			hookLogger,
			config.Server.MaxBodyBytes,
		)
		if err != nil {
			logger.Fatalf("github handler %s: %v", name, err)
		}
		mux.Handle(conn.Path, internal.NewRateLimitHandler(handler, config.Server.RateLimitRPS, config.Server.RateLimitBurst, 0))
		if conn.WebhookToken == "" {
			logger.Printf("connection %s has no webhook_token, signatures are not checked", name)
		}
		logger.Printf("github webhook %s enabled on %s", name, conn.Path)

		reporters[name] = reporter.New(connection, reporter.DefaultRetryPolicy(config.Reporter.RetryDelay()), internal.NewLogger("reporter/"+name))
	}

	if config.Status.Enabled {
		cache := api.NewStatusCache(api.RemoteSnapshot(nil, config.Status.SourceURL), config.Status.Expiry(), internal.NewLogger("status"))
		status := api.NewStatusHandler(cache, internal.NewLogger("status"))
		mux.Handle("/status", status)
		mux.Handle("/status.json", status)
		mux.Handle("/status/", status)
		logger.Printf("status enabled, source %s", config.Status.SourceURL)
	}

	if config.Server.MetricsEnabled {
		mux.Handle(config.Server.MetricsPath, expvar.Handler())
		logger.Printf("metrics enabled on %s", config.Server.MetricsPath)
	}

	var reportWorker *worker.Worker
	if config.Reporter.Enabled {
		subscriber, err := worker.BuildSubscriber(worker.SubscriberConfigFrom(config.Watermill))
		if err != nil {
			logger.Fatalf("report subscriber: %v", err)
		}
		reportWorker = worker.New(
			worker.WithSubscriber(subscriber),
			worker.WithTopics(config.Reporter.Topic),
			worker.WithLogger(internal.NewLogger("reporter")),
			worker.WithResultPublisher(worker.NewResultPublisher(publisher, config.Reporter.Topic+".results")),
		)
		reporter.NewJobHandler(reporters, config.Reporter.StatusURL).Register(reportWorker)
		go func() {
			if err := reportWorker.Run(ctx); err != nil {
				logger.Printf("report worker: %v", err)
			}
		}()
		logger.Printf("report jobs consumed from %s", config.Reporter.Topic)
	}

	addr := ":" + strconv.Itoa(config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       time.Duration(config.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(config.Server.WriteTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(config.Server.IdleTimeoutMS) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(config.Server.ReadHeaderMS) * time.Millisecond,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	if config.Server.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, config.Server.MaxConnections)
	}

	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	if reportWorker != nil {
		if err := reportWorker.Close(); err != nil {
			logger.Printf("report worker close: %v", err)
		}
	}
}
