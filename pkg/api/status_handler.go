package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"time"

	"github.com/trungminhnguyen/zuul/internal"
)

type route struct {
	pattern *regexp.Regexp
	handle  func(w http.ResponseWriter, r *http.Request, match []string)
}

// StatusHandler serves the gate snapshot over HTTP:
//
//	/status, /status.json     the full snapshot
//	/status/change/<n>,<p>    the entries of one change
type StatusHandler struct {
	cache  *StatusCache
	logger *log.Logger
	routes []route
}

func NewStatusHandler(cache *StatusCache, logger *log.Logger) *StatusHandler {
	if logger == nil {
		logger = internal.NewLogger("status")
	}
	h := &StatusHandler{cache: cache, logger: logger}
	h.Register(`^/(status\.json|status)$`, h.status)
	h.Register(`^/status/change/(\d+,\w+)$`, h.change)
	return h
}

// Register appends a route. Routes are tried in registration order.
func (h *StatusHandler) Register(pattern string, handle func(http.ResponseWriter, *http.Request, []string)) {
	h.routes = append(h.routes, route{pattern: regexp.MustCompile(pattern), handle: handle})
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	for _, rt := range h.routes {
		if match := rt.pattern.FindStringSubmatch(r.URL.Path); match != nil {
			rt.handle(w, r, match)
			return
		}
	}
	http.NotFound(w, r)
}

func (h *StatusHandler) status(w http.ResponseWriter, r *http.Request, _ []string) {
	blob, at, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	h.write(w, r, blob, at)
}

func (h *StatusHandler) change(w http.ResponseWriter, r *http.Request, match []string) {
	blob, at, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	changes, err := ChangesByID(blob, match[1])
	if err != nil {
		h.logger.Printf("decode snapshot: %v", err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	if len(changes) == 0 {
		h.cacheHeaders(w, at)
		http.NotFound(w, r)
		return
	}
	body, err := json.Marshal(changes)
	if err != nil {
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	h.write(w, r, body, at)
}

func (h *StatusHandler) snapshot(w http.ResponseWriter, r *http.Request) ([]byte, time.Time, bool) {
	blob, at, err := h.cache.Snapshot(r.Context())
	if err != nil {
		h.logger.Printf("status unavailable: %v", err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return nil, time.Time{}, false
	}
	return blob, at, true
}

func (h *StatusHandler) write(w http.ResponseWriter, r *http.Request, body []byte, at time.Time) {
	h.cacheHeaders(w, at)
	if notModified(r, at) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func (h *StatusHandler) cacheHeaders(w http.ResponseWriter, at time.Time) {
	expiry := h.cache.expiry
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(expiry/time.Second)))
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.Header().Set("Expires", at.Add(expiry).UTC().Format(http.TimeFormat))
}

func notModified(r *http.Request, at time.Time) bool {
	since := r.Header.Get("If-Modified-Since")
	if since == "" {
		return false
	}
	t, err := http.ParseTime(since)
	if err != nil {
		return false
	}
	return !at.Truncate(time.Second).After(t)
}
