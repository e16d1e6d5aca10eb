package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryConfig tunes the in-process limiter.
type MemoryConfig struct {
	// IdleTTL is how long a key may go without requests before the sweeper
	// evicts it. Defaults to one hour.
	IdleTTL time.Duration
	// SweepEvery is the sweeper period. Defaults to five minutes.
	SweepEvery time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// MemoryLimiter keeps request timestamps per key in process memory. It is
// constructed once per process, started with Start and torn down with Stop.
type MemoryLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time

	idleTTL    time.Duration
	sweepEvery time.Duration
	logger     *slog.Logger
	now        func() time.Time

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter(cfg MemoryConfig) *MemoryLimiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MemoryLimiter{
		hits:       make(map[string][]time.Time),
		idleTTL:    cfg.IdleTTL,
		sweepEvery: cfg.SweepEvery,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	now := l.now()
	windowStart := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.hits[key], windowStart)
	if len(kept) >= max {
		l.store(key, kept)
		return false, nil
	}
	l.hits[key] = append(kept, now)
	return true, nil
}

// Sweep evicts keys whose newest request is older than IdleTTL and returns
// the number of evicted keys.
func (l *MemoryLimiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, stamps := range l.hits {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.hits, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// Start launches the idle-key sweeper. Calling Start twice is a no-op.
func (l *MemoryLimiter) Start(ctx context.Context) {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.sweepLoop(ctx, l.done)
}

// Stop halts the sweeper and waits for it to exit.
func (l *MemoryLimiter) Stop() {
	l.stopMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.stopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *MemoryLimiter) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(l.now()); n > 0 {
				l.logger.Debug("rate limiter swept idle clients", slog.Int("evicted", n))
			}
		}
	}
}

func (l *MemoryLimiter) store(key string, stamps []time.Time) {
	if len(stamps) == 0 {
		delete(l.hits, key)
		return
	}
	l.hits[key] = stamps
}

// prune drops timestamps at or before windowStart. Stamps are appended in
// order so the survivors form a suffix.
func prune(stamps []time.Time, windowStart time.Time) []time.Time {
	for i, ts := range stamps {
		if ts.After(windowStart) {
			return stamps[i:]
		}
	}
	return stamps[:0]
}

var _ Limiter = (*MemoryLimiter)(nil)
