// Package sync runs background maintenance for staged drafts.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"go.uber.org/zap"
)

// PurgeState represents the current state of the purge loop.
type PurgeState int

const (
	PurgeIdle PurgeState = iota
	PurgeRunning
	PurgeError
)

// PurgeStatus holds the outcome of the most recent purge.
type PurgeStatus struct {
	State      PurgeState
	LastRun    time.Time
	LastPurged int64
	Total      int64
	Error      error
}

// DraftPurger removes expired drafts and reports how many were deleted.
type DraftPurger interface {
	PurgeDrafts(ctx context.Context) (int64, error)
}

// DefaultInterval is used when no purge interval is configured.
const DefaultInterval = 5 * time.Minute

// purgeTimeout is the maximum time allowed for a single purge.
const purgeTimeout = 30 * time.Second

// Purger periodically deletes expired drafts.
type Purger struct {
	target    DraftPurger
	interval  time.Duration
	logger    *zap.Logger
	status    PurgeStatus
	triggerCh chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	mu        gosync.Mutex
	running   bool
}

// New creates a Purger. A non-positive interval selects DefaultInterval.
func New(target DraftPurger, interval time.Duration, logger *zap.Logger) *Purger {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Purger{
		target:    target,
		interval:  interval,
		logger:    logger,
		triggerCh: make(chan struct{}, 1),
	}
}

// Start launches the purge loop. It purges once immediately and then on
// every tick. Calling Start on a running Purger does nothing.
func (p *Purger) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})

	go p.loop(p.stopCh, p.done)
}

// Stop halts the loop and waits for an in-flight purge to finish.
func (p *Purger) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	done := p.done
	p.running = false
	p.mu.Unlock()

	<-done
}

// Trigger requests an immediate purge without waiting for the next tick.
func (p *Purger) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
		// A purge is already pending.
	}
}

// Status returns a copy of the latest purge status.
func (p *Purger) Status() PurgeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Purger) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.purgeOnce()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.purgeOnce()
		case <-p.triggerCh:
			p.purgeOnce()
		}
	}
}

func (p *Purger) purgeOnce() {
	p.setState(PurgeRunning)

	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()

	n, err := p.target.PurgeDrafts(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.LastRun = time.Now()
	p.status.Error = err
	if err != nil {
		p.status.State = PurgeError
		p.logger.Warn("purging expired drafts failed", zap.Error(err))
		return
	}
	p.status.State = PurgeIdle
	p.status.LastPurged = n
	p.status.Total += n
	if n > 0 {
		p.logger.Info("purged expired drafts", zap.Int64("count", n))
	}
}

func (p *Purger) setState(state PurgeState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = state
}
