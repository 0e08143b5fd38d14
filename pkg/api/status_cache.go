package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/trungminhnguyen/zuul/internal"
)

// SnapshotFunc renders the current gate state as JSON.
type SnapshotFunc func(ctx context.Context) ([]byte, error)

// GateSnapshot is the pipeline -> change queue -> head -> change layout of a
// rendered snapshot. Change entries are kept verbatim.
type GateSnapshot struct {
	Pipelines []struct {
		Name         string `json:"name"`
		ChangeQueues []struct {
			Name  string              `json:"name"`
			Heads [][]json.RawMessage `json:"heads"`
		} `json:"change_queues"`
	} `json:"pipelines"`
}

// StatusCache holds one rendered snapshot and recomputes it when it is older
// than the expiry. A single refresh runs at a time; readers inside the
// freshness window never wait on it.
type StatusCache struct {
	source SnapshotFunc
	expiry time.Duration
	logger *log.Logger
	now    func() time.Time

	refresh    sync.Mutex
	mu         sync.RWMutex
	blob       []byte
	capturedAt time.Time
}

func NewStatusCache(source SnapshotFunc, expiry time.Duration, logger *log.Logger) *StatusCache {
	if logger == nil {
		logger = internal.NewLogger("status")
	}
	return &StatusCache{source: source, expiry: expiry, logger: logger, now: time.Now}
}

// Snapshot returns the cached blob and its capture time, recomputing it first
// when missing or expired. A failed recomputation serves the previous blob
// when there is one.
func (c *StatusCache) Snapshot(ctx context.Context) ([]byte, time.Time, error) {
	if blob, at, ok := c.fresh(); ok {
		return blob, at, nil
	}

	c.refresh.Lock()
	defer c.refresh.Unlock()
	if blob, at, ok := c.fresh(); ok {
		return blob, at, nil
	}

	blob, err := c.source(ctx)
	if err == nil && !json.Valid(blob) {
		err = errors.New("snapshot is not valid JSON")
	}
	if err != nil {
		c.mu.RLock()
		stale, at := c.blob, c.capturedAt
		c.mu.RUnlock()
		if stale == nil {
			internal.IncStatusRefresh("error")
			return nil, time.Time{}, fmt.Errorf("format status: %w", err)
		}
		internal.IncStatusRefresh("stale")
		c.logger.Printf("status refresh failed, serving snapshot from %s: %v", at.Format(time.RFC3339), err)
		return stale, at, nil
	}

	// taken after rendering, which may outlast the expiry
	at := c.now()
	c.mu.Lock()
	c.blob, c.capturedAt = blob, at
	c.mu.Unlock()
	internal.IncStatusRefresh("ok")
	return blob, at, nil
}

func (c *StatusCache) fresh() ([]byte, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.blob == nil || c.now().Sub(c.capturedAt) > c.expiry {
		return nil, time.Time{}, false
	}
	return c.blob, c.capturedAt, true
}

// ChangesByID walks a snapshot and returns every change entry whose id
// equals id, in snapshot order.
func ChangesByID(blob []byte, id string) ([]json.RawMessage, error) {
	var snapshot GateSnapshot
	if err := json.Unmarshal(blob, &snapshot); err != nil {
		return nil, err
	}
	matches := []json.RawMessage{}
	for _, pipeline := range snapshot.Pipelines {
		for _, queue := range pipeline.ChangeQueues {
			for _, head := range queue.Heads {
				for _, raw := range head {
					var change struct {
						ID string `json:"id"`
					}
					if err := json.Unmarshal(raw, &change); err != nil {
						continue
					}
					if change.ID == id {
						matches = append(matches, append(json.RawMessage(nil), raw...))
					}
				}
			}
		}
	}
	return matches, nil
}

// RemoteSnapshot reads the rendered gate state from the scheduler's status
// endpoint.
func RemoteSnapshot(client *http.Client, url string) SnapshotFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("snapshot source %s: status %d", url, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
}
