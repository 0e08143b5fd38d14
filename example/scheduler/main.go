// Command scheduler is a stand-in for the gate scheduler. It consumes trigger
// events, asks the merge workers for a speculative merge of every opened or
// updated pull request and reports the outcome back through report jobs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/trungminhnguyen/zuul/internal"
	"github.com/trungminhnguyen/zuul/pkg/merger"
	"github.com/trungminhnguyen/zuul/pkg/providers/github"
	"github.com/trungminhnguyen/zuul/pkg/reporter"
	"github.com/trungminhnguyen/zuul/pkg/worker"
)

const pipeline = "check"

// triggerCodec turns every trigger event envelope into a "trigger" job.
type triggerCodec struct{}

func (triggerCodec) Decode(topic string, msg *message.Message) (*worker.Job, error) {
	if !json.Valid(msg.Payload) {
		return nil, fmt.Errorf("trigger event %s is not json", msg.UUID)
	}
	return &worker.Job{
		ID:        msg.UUID,
		Name:      "trigger",
		Arguments: json.RawMessage(msg.Payload),
		Topic:     topic,
		Metadata:  msg.Metadata,
	}, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to app config")
	flag.Parse()

	log.SetPrefix("zuul/scheduler-example ")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	publisher, err := internal.NewPublisher(cfg.Watermill)
	if err != nil {
		log.Fatalf("publisher: %v", err)
	}
	defer publisher.Close()

	sub, err := worker.BuildSubscriber(worker.SubscriberConfigFrom(cfg.Watermill))
	if err != nil {
		log.Fatalf("subscriber: %v", err)
	}

	connections := make(map[string]*github.Connection, len(cfg.Connections))
	for name, conn := range cfg.Connections {
		connections[name], err = github.NewConnection(ctx, github.Config{
			Name: name, Token: conn.APIToken, BaseURL: conn.BaseURL, GitHost: conn.GitHost, SSHKey: conn.SSHKey,
		}, nil)
		if err != nil {
			log.Fatalf("connection %s: %v", name, err)
		}
	}

	client := merger.NewClient(publisher, sub, cfg.Merger.JobsTopic, "zuul.merger.replies."+watermill.NewShortUUID(), nil)
	if err := client.Start(ctx); err != nil {
		log.Fatalf("merger client: %v", err)
	}

	report := func(ctx context.Context, connection string, action reporter.Action, change *internal.Change, message string) error {
		job, err := worker.NewJob(reporter.JobReport, reporter.ReportArgs{
			Connection: connection,
			Pipeline:   pipeline,
			Action:     action,
			Change:     *change,
			Message:    message,
			Config:     reporter.Config{Comment: true, Status: true},
		}, "")
		if err != nil {
			return err
		}
		env, err := internal.NewEnvelope(job, map[string]string{"job_name": job.Name})
		if err != nil {
			return err
		}
		return publisher.Publish(ctx, cfg.Reporter.Topic, env)
	}

	// Changes stay cached only while a merge for them is in flight.
	var activeMu sync.Mutex
	active := make(map[string]map[*internal.Change]int, len(connections))
	track := func(connection string, change *internal.Change) func() {
		activeMu.Lock()
		if active[connection] == nil {
			active[connection] = make(map[*internal.Change]int)
		}
		active[connection][change]++
		activeMu.Unlock()
		return func() {
			activeMu.Lock()
			defer activeMu.Unlock()
			if active[connection][change]--; active[connection][change] <= 0 {
				delete(active[connection], change)
			}
			relevant := make([]*internal.Change, 0, len(active[connection]))
			for c := range active[connection] {
				relevant = append(relevant, c)
			}
			connections[connection].MaintainCache(relevant)
		}
	}

	wk := worker.New(
		worker.WithSubscriber(sub),
		worker.WithTopics(cfg.Scheduler.Topic),
		worker.WithCodec(triggerCodec{}),
		worker.WithListener(worker.Listener{
			OnStart: func(ctx context.Context) { log.Println("scheduler started") },
			OnExit:  func(ctx context.Context) { log.Println("scheduler stopped") },
			OnError: func(ctx context.Context, job *worker.Job, err error) {
				log.Printf("scheduler error: %v", err)
			},
		}),
	)

	wk.Handle("trigger", func(ctx context.Context, job *worker.Job) (interface{}, error) {
		var event internal.TriggerEvent
		if err := job.Decode(&event); err != nil {
			return nil, err
		}
		if event.Type != internal.EventPROpen && event.Type != internal.EventPRChange {
			return nil, nil
		}
		conn, ok := connections[event.ConnectionName]
		if !ok {
			return nil, fmt.Errorf("unknown connection %q", event.ConnectionName)
		}
		change, err := conn.GetChange(ctx, event)
		if err != nil {
			return nil, err
		}
		defer track(event.ConnectionName, change)()
		if err := report(ctx, event.ConnectionName, reporter.ActionStart, change, ""); err != nil {
			return nil, err
		}

		result, err := client.Merge(ctx, []merger.MergeItem{{
			Connection: event.ConnectionName,
			Project:    change.Project,
			URL:        conn.GitURL(change.Project),
			Branch:     change.Branch,
			Refspec:    change.Refspec,
			Number:     change.Number,
			Patchset:   change.Patchset,
		}})
		if err != nil {
			return nil, err
		}
		if !result.Merged {
			return nil, report(ctx, event.ConnectionName, reporter.ActionMergeFailure, change, "This change does not merge cleanly.")
		}
		log.Printf("change %s merged speculatively as %s", change.ID(), result.Commit)
		return result, report(ctx, event.ConnectionName, reporter.ActionSuccess, change, "Speculative merge succeeded.")
	})

	if err := wk.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
