package reporter

import (
	"context"
	"fmt"

	"github.com/trungminhnguyen/zuul/internal"
	"github.com/trungminhnguyen/zuul/pkg/worker"
)

// JobReport is the job name of a report request.
const JobReport = "report"

// ReportArgs is the argument payload of a report job.
type ReportArgs struct {
	Connection string          `json:"connection"`
	Pipeline   string          `json:"pipeline"`
	Action     Action          `json:"action"`
	Change     internal.Change `json:"change"`
	Message    string          `json:"message,omitempty"`
	Config     Config          `json:"config"`
}

// ReportResult is returned once every enabled side effect has run.
type ReportResult struct {
	Reported bool `json:"reported"`
	Merged   bool `json:"merged"`
}

// JobHandler applies report jobs with the reporter of their connection.
type JobHandler struct {
	reporters map[string]*Reporter
	statusURL string
}

// NewJobHandler builds a handler. statusURL is used for commit statuses when
// a job does not name one.
func NewJobHandler(reporters map[string]*Reporter, statusURL string) *JobHandler {
	return &JobHandler{reporters: reporters, statusURL: statusURL}
}

func (h *JobHandler) Register(w *worker.Worker) {
	w.Handle(JobReport, h.Handle)
}

func (h *JobHandler) Handle(ctx context.Context, job *worker.Job) (interface{}, error) {
	var args ReportArgs
	if err := job.Decode(&args); err != nil {
		return nil, fmt.Errorf("decode report arguments: %w", err)
	}
	reporter, ok := h.reporters[args.Connection]
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", args.Connection)
	}
	if args.Config.StatusURL == "" {
		args.Config.StatusURL = h.statusURL
	}
	change := args.Change
	if err := reporter.Report(ctx, args.Pipeline, args.Action, args.Config, &change, args.Message); err != nil {
		return nil, err
	}
	return ReportResult{Reported: true, Merged: change.IsMerged}, nil
}
