package internal

import "expvar"

var (
	requestsTotal   = expvar.NewMap("zuul_webhook_requests_total")
	rejectedTotal   = expvar.NewMap("zuul_webhook_rejected_total")
	droppedTotal    = expvar.NewMap("zuul_webhook_dropped_total")
	faultsTotal     = expvar.NewMap("zuul_webhook_faults_total")
	publishErrors   = expvar.NewMap("zuul_publish_errors_total")
	jobsTotal       = expvar.NewMap("zuul_jobs_total")
	statusRefreshes = expvar.NewMap("zuul_status_refreshes_total")
)

func IncRequest(connection string) {
	requestsTotal.Add(connection, 1)
}

// IncRejected counts deliveries answered with a 4xx, keyed by reason.
func IncRejected(reason string) {
	rejectedTotal.Add(reason, 1)
}

func IncDropped(eventName string) {
	droppedTotal.Add(eventName, 1)
}

func IncFault(eventName string) {
	faultsTotal.Add(eventName, 1)
}

func IncPublishError(driver string) {
	publishErrors.Add(driver, 1)
}

// IncJob counts finished jobs keyed by "<name>.<status>".
func IncJob(name, status string) {
	jobsTotal.Add(name+"."+status, 1)
}

func IncStatusRefresh(outcome string) {
	statusRefreshes.Add(outcome, 1)
}
