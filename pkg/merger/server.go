package merger

import (
	"context"
	"fmt"
	"log"

	"github.com/trungminhnguyen/zuul/internal"
	"github.com/trungminhnguyen/zuul/pkg/worker"
)

// Server exposes the engine as merge and update job handlers.
type Server struct {
	engine  *Engine
	zuulURL string
	logger  *log.Logger
}

func NewServer(engine *Engine, zuulURL string, logger *log.Logger) *Server {
	if logger == nil {
		logger = internal.NewLogger("merger")
	}
	return &Server{engine: engine, zuulURL: zuulURL, logger: logger}
}

// Register installs the job handlers on w. Any other job name is failed by
// the worker as unsupported.
func (s *Server) Register(w *worker.Worker) {
	w.Handle(JobMerge, s.Merge)
	w.Handle(JobUpdate, s.Update)
}

func (s *Server) Merge(ctx context.Context, job *worker.Job) (interface{}, error) {
	var args MergeArgs
	if err := job.Decode(&args); err != nil {
		return nil, fmt.Errorf("decode merge arguments: %w", err)
	}
	s.logger.Printf("merge job id=%s items=%d", job.ID, len(args.Items))

	commit, merged, err := s.engine.MergeChanges(ctx, args.Items)
	if err != nil {
		return nil, err
	}
	result := MergeResult{Merged: merged, ZuulURL: s.zuulURL}
	if merged {
		result.Commit = commit
	}
	return result, nil
}

func (s *Server) Update(ctx context.Context, job *worker.Job) (interface{}, error) {
	var args UpdateArgs
	if err := job.Decode(&args); err != nil {
		return nil, fmt.Errorf("decode update arguments: %w", err)
	}
	s.logger.Printf("update job id=%s project=%s", job.ID, args.Project)

	if err := s.engine.UpdateRepo(ctx, args.Connection, args.Project, args.URL); err != nil {
		return nil, err
	}
	return UpdateResult{Updated: true, ZuulURL: s.zuulURL}, nil
}
