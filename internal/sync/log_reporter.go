package sync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ledgersync/ledgersync/internal/connectors/registry"
)

const (
	defaultProgressInterval = 5 * time.Second
	defaultProgressStep     = int64(100)
)

type logReporterKey struct {
	vendor  string
	account string
	stage   string
}

type logReporterState struct {
	lastLoggedAt      time.Time
	lastLoggedCurrent int64
}

// LogReporter logs activity events through slog. Per-record progress events
// are throttled; stage transitions, completions, and errors always log.
type LogReporter struct {
	Logger           *slog.Logger
	ProgressInterval time.Duration
	// ProgressStep is the record-count granularity for progress logs when the
	// total is unknown.
	ProgressStep int64

	mu    sync.Mutex
	state map[logReporterKey]logReporterState
}

func (r *LogReporter) Report(e registry.Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := e.At
	if now.IsZero() {
		now = time.Now()
	}

	attrs := []any{"vendor", e.Vendor}
	if e.Account != "" {
		attrs = append(attrs, "account", e.Account)
	}
	if e.Stage != "" {
		attrs = append(attrs, "stage", e.Stage)
	}
	if e.Current != 0 {
		attrs = append(attrs, "current", e.Current)
	}
	if e.Total > 0 {
		attrs = append(attrs, "total", e.Total)
	}

	message := e.Message
	if e.Err != nil {
		if message == "" {
			message = "sync failed"
		}
		attrs = append(attrs, "err", e.Err)
		logger.Error(message, attrs...)
		return
	}
	if message == "" {
		if !e.Done {
			return
		}
		message = "sync complete"
	}

	if !r.shouldLog(now, e) {
		return
	}
	logger.Info(message, attrs...)
}

func (r *LogReporter) shouldLog(now time.Time, e registry.Event) bool {
	if e.Done || e.Current == 0 {
		return true
	}

	interval := r.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	step := r.ProgressStep
	if step <= 0 {
		step = defaultProgressStep
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		r.state = make(map[logReporterKey]logReporterState)
	}
	key := logReporterKey{vendor: e.Vendor, account: e.Account, stage: e.Stage}
	state := r.state[key]
	if !state.lastLoggedAt.IsZero() &&
		now.Sub(state.lastLoggedAt) < interval &&
		e.Current < state.lastLoggedCurrent+step {
		return false
	}
	r.state[key] = logReporterState{lastLoggedAt: now, lastLoggedCurrent: e.Current}
	return true
}
