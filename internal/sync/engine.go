// Package sync provides the sweep engine that delivers queued reports to the backend.
package sync

import (
	"fmt"
	gosync "sync"
	"time"

	"github.com/jcastel/civisync/internal/backend"
	"github.com/jcastel/civisync/internal/logger"
	"github.com/jcastel/civisync/internal/store"
)

// Backoff describes the retry schedule for failed uploads.
type Backoff struct {
	// Base is the delay after the first failure.
	Base time.Duration
	// Cap is the maximum delay between attempts.
	Cap time.Duration
	// MaxAttempts dead-letters a report once reached. Zero means retry forever.
	MaxAttempts int
}

// Delay returns the wait before the next attempt given the number of
// failed attempts so far. Grows exponentially from Base up to Cap.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Stats summarizes one sweep.
type Stats struct {
	Attempted    int
	Delivered    int
	Failed       int
	DeadLettered int
}

// Engine sweeps the offline report queue and uploads each due report to
// the issue-submission API. Failures are isolated per report: one
// rejected upload never blocks its siblings.
type Engine struct {
	db      *store.DB
	client  *backend.Client
	backoff Backoff

	// sweepMu serializes sweeps so overlapping triggers cannot upload
	// the same report twice.
	sweepMu gosync.Mutex

	mu      gosync.Mutex
	running bool
	kick    chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
}

// NewEngine creates a sweep engine over the given queue and client.
func NewEngine(db *store.DB, client *backend.Client, backoff Backoff) *Engine {
	return &Engine{
		db:      db,
		client:  client,
		backoff: backoff,
		kick:    make(chan struct{}, 1),
	}
}

// Start launches the background worker that runs sweeps in response to
// TriggerSync. Calling Start on a running engine is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})

	go e.run()
	logger.Debug("sync: worker started")
}

// Stop halts the background worker and waits for an in-flight sweep to
// finish. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	done := e.done
	e.mu.Unlock()

	<-done
	logger.Debug("sync: worker stopped")
}

// TriggerSync requests a sweep without blocking. While a sweep is in
// flight at most one follow-up is queued; additional triggers coalesce.
func (e *Engine) TriggerSync() {
	select {
	case e.kick <- struct{}{}:
		logger.Debug("sync: sweep requested")
	default:
		logger.Debug("sync: sweep already queued, trigger coalesced")
	}
}

func (e *Engine) run() {
	defer close(e.done)

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.kick:
			stats, err := e.SyncNow()
			if err != nil {
				logger.Error("sync: sweep failed: %v", err)
				continue
			}
			if stats.Attempted > 0 {
				logger.Info("sync: sweep done: %d delivered, %d failed, %d dead-lettered",
					stats.Delivered, stats.Failed, stats.DeadLettered)
			}
		}
	}
}

// SyncNow runs one sweep synchronously: every due report is uploaded
// independently, delivered reports are removed from the queue, failed
// ones get their next attempt scheduled. The sweep makes no
// all-or-nothing guarantee.
func (e *Engine) SyncNow() (Stats, error) {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	var stats Stats

	due, err := e.db.DueReports(time.Now())
	if err != nil {
		return stats, fmt.Errorf("failed to load due reports: %w", err)
	}

	if len(due) == 0 {
		logger.Debug("sync: nothing to sweep")
		return stats, nil
	}

	logger.Debug("sync: sweeping %d due reports", len(due))

	for _, report := range due {
		stats.Attempted++

		if err := e.client.SubmitReport(report); err != nil {
			e.handleFailure(report, err, &stats)
			continue
		}

		// Mark first so a crash between the two steps leaves a row that
		// PurgeSynced can clean up instead of a duplicate upload.
		if err := e.db.MarkSynced(report.ID); err != nil {
			logger.Warn("sync: failed to mark report %d synced: %v", report.ID, err)
		}
		if err := e.db.DeleteReport(report.ID); err != nil {
			logger.Warn("sync: failed to delete report %d: %v", report.ID, err)
		}

		stats.Delivered++
		logger.Debug("sync: delivered report %d (%s)", report.ID, report.Category)
	}

	return stats, nil
}

func (e *Engine) handleFailure(report store.Report, uploadErr error, stats *Stats) {
	stats.Failed++
	attempts := report.Attempts + 1

	if e.backoff.MaxAttempts > 0 && attempts >= e.backoff.MaxAttempts {
		stats.DeadLettered++
		if err := e.db.MarkDeadLetter(report.ID, uploadErr.Error()); err != nil {
			logger.Warn("sync: failed to dead-letter report %d: %v", report.ID, err)
			return
		}
		logger.Warn("sync: report %d dead-lettered after %d attempts: %v", report.ID, attempts, uploadErr)
		return
	}

	next := time.Now().Add(e.backoff.Delay(attempts))
	if err := e.db.RecordFailure(report.ID, attempts, next, uploadErr.Error()); err != nil {
		logger.Warn("sync: failed to record failure for report %d: %v", report.ID, err)
		return
	}
	logger.Warn("sync: report %d failed (attempt %d, next try %s): %v",
		report.ID, attempts, next.UTC().Format(time.RFC3339), uploadErr)
}
