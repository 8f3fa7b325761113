package webhook

import (
	"strings"
	"sync"
	"time"

	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/metrics"
)

type pendingKey struct {
	vendor     string
	account    string
	entity     string
	externalID string
}

type pendingMark struct {
	req      registry.ResyncRequest
	markedAt time.Time
}

// Queue collects entities marked for re-sync by accepted webhooks. The
// webhook handler never re-fetches synchronously; the next sync run drains
// the queue. Duplicate marks collapse onto one entry, and marks older than
// the replay window are dropped on read so a replayed delivery cannot keep
// resurrecting stale entities.
type Queue struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	pending map[pendingKey]pendingMark
}

// NewQueue returns a queue whose marks never expire.
func NewQueue() *Queue {
	return NewExpiringQueue(0)
}

// NewExpiringQueue returns a queue that discards marks older than window.
// Zero means no expiry.
func NewExpiringQueue(window time.Duration) *Queue {
	return &Queue{window: window, pending: make(map[pendingKey]pendingMark)}
}

// Mark records one entity for a later asynchronous re-fetch.
func (q *Queue) Mark(vendor, account string, req registry.ResyncRequest) {
	vendor = strings.ToLower(strings.TrimSpace(vendor))
	entity := strings.ToLower(strings.TrimSpace(req.Entity))
	id := strings.TrimSpace(req.ExternalID)
	if vendor == "" || entity == "" || id == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	key := pendingKey{vendor: vendor, account: strings.TrimSpace(account), entity: entity, externalID: id}
	q.pending[key] = pendingMark{
		req:      registry.ResyncRequest{Entity: entity, ExternalID: id, Event: strings.TrimSpace(req.Event)},
		markedAt: q.clock(),
	}
	metrics.ResyncQueueDepth.WithLabelValues(vendor).Set(float64(q.depthLocked(vendor)))
}

// Drain removes and returns every live pending request for one
// (vendor, account).
func (q *Queue) Drain(vendor, account string) []registry.ResyncRequest {
	vendor = strings.ToLower(strings.TrimSpace(vendor))
	account = strings.TrimSpace(account)
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []registry.ResyncRequest
	for key, mark := range q.pending {
		if key.vendor != vendor || key.account != account {
			continue
		}
		delete(q.pending, key)
		if q.expired(mark) {
			continue
		}
		out = append(out, mark.req)
	}
	metrics.ResyncQueueDepth.WithLabelValues(vendor).Set(float64(q.depthLocked(vendor)))
	return out
}

// Depth reports the number of live pending entries for a vendor.
func (q *Queue) Depth(vendor string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked(strings.ToLower(strings.TrimSpace(vendor)))
}

func (q *Queue) depthLocked(vendor string) int {
	n := 0
	for key, mark := range q.pending {
		if key.vendor != vendor {
			continue
		}
		if q.expired(mark) {
			delete(q.pending, key)
			continue
		}
		n++
	}
	return n
}

func (q *Queue) expired(mark pendingMark) bool {
	return q.window > 0 && q.clock().Sub(mark.markedAt) > q.window
}

func (q *Queue) clock() time.Time {
	if q.now != nil {
		return q.now()
	}
	return time.Now()
}
