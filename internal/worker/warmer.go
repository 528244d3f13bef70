package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kz-records/internal/config"
)

// Warmer refreshes cached entries that have gone stale
type Warmer interface {
	Warm(ctx context.Context) error
}

// CacheWarmer periodically primes the records cache
type CacheWarmer struct {
	warmer  Warmer
	config  *config.WarmerConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewCacheWarmer creates a new cache warmer
func NewCacheWarmer(warmer Warmer, cfg *config.WarmerConfig, logger *slog.Logger) *CacheWarmer {
	return &CacheWarmer{
		warmer: warmer,
		config: cfg,
		logger: logger,
	}
}

// Start warms the cache once and then on every interval. It does nothing
// when the warmer is disabled or has no interval.
func (w *CacheWarmer) Start(ctx context.Context) error {
	if !w.config.Enabled || w.config.Interval <= 0 {
		w.logger.Info("cache warmer disabled")
		return nil
	}

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("cache warmer started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background loop and waits for it to exit
func (w *CacheWarmer) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("cache warmer stopped")
	return nil
}

// run is the main worker loop
func (w *CacheWarmer) run(ctx context.Context) {
	defer close(w.doneCh)

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single warm cycle
func (w *CacheWarmer) RunOnce(ctx context.Context) {
	startTime := time.Now()

	if err := w.warmer.Warm(ctx); err != nil {
		w.logger.Warn("cache warm cycle failed", "error", err)
		return
	}

	w.logger.Debug("cache warm cycle completed", "duration", time.Since(startTime))
}

// IsRunning returns whether the worker is currently running
func (w *CacheWarmer) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
