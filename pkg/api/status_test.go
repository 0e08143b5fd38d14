package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const snapshotJSON = `{"pipelines":[
 {"name":"check","change_queues":[{"name":"org/repo","heads":[[{"id":"7,abc","project":"org/repo"},{"id":"8,def"}]]}]},
 {"name":"gate","change_queues":[{"name":"org/repo","heads":[[{"id":"7,abc","project":"org/repo","pipeline":"gate"}]]}]}
]}`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingSource struct {
	calls atomic.Int32
	body  func(n int32) ([]byte, error)
}

func (s *countingSource) Snapshot(context.Context) ([]byte, error) {
	n := s.calls.Add(1)
	return s.body(n)
}

func newTestCache(source SnapshotFunc, clock *fakeClock) *StatusCache {
	cache := NewStatusCache(source, time.Second, log.New(io.Discard, "", 0))
	cache.now = clock.Now
	return cache
}

func versioned(n int32) ([]byte, error) {
	return []byte(fmt.Sprintf(`{"pipelines":[],"version":%d}`, n)), nil
}

func TestSnapshotServedFromCacheWithinExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	source := &countingSource{body: versioned}
	cache := newTestCache(source.Snapshot, clock)

	first, _, err := cache.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	clock.Advance(500 * time.Millisecond)
	second, _, _ := cache.Snapshot(context.Background())
	if string(first) != string(second) || source.calls.Load() != 1 {
		t.Fatalf("expected cached blob, got %s then %s after %d calls", first, second, source.calls.Load())
	}

	clock.Advance(time.Second)
	third, at, _ := cache.Snapshot(context.Background())
	if string(third) == string(first) || source.calls.Load() != 2 {
		t.Fatalf("expected recomputed snapshot, got %s", third)
	}
	if !at.Equal(clock.Now()) {
		t.Fatalf("capture time not updated")
	}
}

func TestConcurrentExpiredReadersRefreshOnce(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	release := make(chan struct{})
	source := &countingSource{body: func(n int32) ([]byte, error) {
		<-release
		return versioned(n)
	}}
	cache := newTestCache(source.Snapshot, clock)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blob, _, err := cache.Snapshot(context.Background())
			if err == nil {
				results[i] = string(blob)
			}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if source.calls.Load() != 1 {
		t.Fatalf("expected a single recomputation, got %d", source.calls.Load())
	}
	for _, r := range results {
		if r != results[0] {
			t.Fatalf("readers saw different snapshots: %v", results)
		}
	}
}

func TestSnapshotServesStaleOnError(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	source := &countingSource{body: func(n int32) ([]byte, error) {
		if n == 1 {
			return versioned(n)
		}
		return nil, errors.New("scheduler unavailable")
	}}
	cache := newTestCache(source.Snapshot, clock)

	first, at, _ := cache.Snapshot(context.Background())
	clock.Advance(2 * time.Second)
	second, secondAt, err := cache.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("expected stale snapshot, got %v", err)
	}
	if string(second) != string(first) || !secondAt.Equal(at) {
		t.Fatalf("expected the previous snapshot to be served")
	}
}

func TestSnapshotErrorWithoutCache(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(func(context.Context) ([]byte, error) {
		return nil, errors.New("scheduler unavailable")
	}, clock)
	if _, _, err := cache.Snapshot(context.Background()); err == nil {
		t.Fatalf("expected error")
	}

	cache = newTestCache(func(context.Context) ([]byte, error) {
		return []byte("not json"), nil
	}, clock)
	if _, _, err := cache.Snapshot(context.Background()); err == nil {
		t.Fatalf("expected invalid snapshot to be rejected")
	}
}

func TestChangesByID(t *testing.T) {
	changes, err := ChangesByID([]byte(snapshotJSON), "7,abc")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected two entries, got %d", len(changes))
	}
	var gate map[string]string
	_ = json.Unmarshal(changes[1], &gate)
	if gate["pipeline"] != "gate" {
		t.Fatalf("entries out of order: %s", changes[1])
	}
	none, _ := ChangesByID([]byte(snapshotJSON), "9,zzz")
	if len(none) != 0 {
		t.Fatalf("expected no match")
	}
}

func newStatusServer(t *testing.T, clock *fakeClock, source *countingSource) *httptest.Server {
	t.Helper()
	cache := newTestCache(source.Snapshot, clock)
	server := httptest.NewServer(NewStatusHandler(cache, log.New(io.Discard, "", 0)))
	t.Cleanup(server.Close)
	return server
}

func get(t *testing.T, url string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestStatusRoutes(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	source := &countingSource{body: func(int32) ([]byte, error) { return []byte(snapshotJSON), nil }}
	server := newStatusServer(t, clock, source)

	for _, path := range []string{"/status", "/status.json"} {
		resp, body := get(t, server.URL+path, nil)
		if resp.StatusCode != http.StatusOK || body != snapshotJSON {
			t.Fatalf("%s: unexpected response %d %q", path, resp.StatusCode, body)
		}
		if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("missing CORS header")
		}
		if resp.Header.Get("Cache-Control") != "public, max-age=1" {
			t.Fatalf("unexpected cache control %q", resp.Header.Get("Cache-Control"))
		}
		if resp.Header.Get("Last-Modified") != "Mon, 01 Jan 2024 12:00:00 GMT" {
			t.Fatalf("unexpected last modified %q", resp.Header.Get("Last-Modified"))
		}
		if resp.Header.Get("Expires") != "Mon, 01 Jan 2024 12:00:01 GMT" {
			t.Fatalf("unexpected expires %q", resp.Header.Get("Expires"))
		}
	}
	if source.calls.Load() != 1 {
		t.Fatalf("expected one snapshot for both reads, got %d", source.calls.Load())
	}

	resp, body := get(t, server.URL+"/status/change/7,abc", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change lookup: %d", resp.StatusCode)
	}
	var changes []map[string]string
	if err := json.Unmarshal([]byte(body), &changes); err != nil || len(changes) != 2 {
		t.Fatalf("unexpected change body %q (%v)", body, err)
	}

	resp, _ = get(t, server.URL+"/status/change/9,zzz", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown change, got %d", resp.StatusCode)
	}
	resp, _ = get(t, server.URL+"/status/other", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unrouted path, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header on 404")
	}
}

func TestStatusConditionalRequest(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	source := &countingSource{body: func(int32) ([]byte, error) { return []byte(snapshotJSON), nil }}
	server := newStatusServer(t, clock, source)

	resp, body := get(t, server.URL+"/status", http.Header{"If-Modified-Since": {"Mon, 01 Jan 2024 12:00:00 GMT"}})
	if resp.StatusCode != http.StatusNotModified || body != "" {
		t.Fatalf("expected 304, got %d %q", resp.StatusCode, body)
	}
	resp, _ = get(t, server.URL+"/status", http.Header{"If-Modified-Since": {"Mon, 01 Jan 2024 11:59:59 GMT"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for older timestamp, got %d", resp.StatusCode)
	}
}

func TestStatusUnavailable(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	source := &countingSource{body: func(int32) ([]byte, error) { return nil, errors.New("down") }}
	server := newStatusServer(t, clock, source)

	resp, _ := get(t, server.URL+"/status", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header on 500")
	}
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/status", nil)
	post, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", post.StatusCode)
	}
	if post.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header on 405")
	}
}

func TestRemoteSnapshot(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status.json" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, snapshotJSON)
	}))
	defer upstream.Close()

	blob, err := RemoteSnapshot(upstream.Client(), upstream.URL+"/status.json")(context.Background())
	if err != nil || string(blob) != snapshotJSON {
		t.Fatalf("unexpected snapshot %q (%v)", blob, err)
	}
	if _, err := RemoteSnapshot(upstream.Client(), upstream.URL+"/missing")(context.Background()); err == nil {
		t.Fatalf("expected error for non-200 source")
	}
}
