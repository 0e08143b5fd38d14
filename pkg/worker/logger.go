package worker

import "github.com/trungminhnguyen/zuul/internal"

type Logger interface {
	Printf(format string, args ...interface{})
}

var defaultWorkerLogger Logger = internal.NewLogger("worker")
