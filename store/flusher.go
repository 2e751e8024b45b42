package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/logger"
	"github.com/verayang01/chatd/pkg/retry"
)

// Flushable is what the Flusher drives. *Store implements it.
type Flushable interface {
	Flush(ctx context.Context) error
}

// Flusher saves snapshots in the background, on a fixed interval and shortly
// after each change notification. A failed save is retried with backoff and
// then logged; it never stops the worker.
type Flusher struct {
	target   Flushable
	interval time.Duration
	debounce time.Duration
	notifyCh <-chan struct{}
	backoff  retry.BackoffConfig
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewFlusher(target Flushable, interval, debounce time.Duration, notifyCh <-chan struct{}, backoff retry.BackoffConfig) *Flusher {
	return &Flusher{
		target:   target,
		interval: interval,
		debounce: debounce,
		notifyCh: notifyCh,
		backoff:  backoff,
		stopCh:   make(chan struct{}),
	}
}

func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	// Stop cancels this context so a save stuck in retry backoff does not
	// hold up shutdown; Close performs its own final flush.
	ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run(ctx)

	logger.Info("Flusher: started", "interval", f.interval, "debounce", f.debounce)
}

func (f *Flusher) run(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Flusher: stopped due to context cancellation")
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.flush(ctx)
		case <-f.notifyCh:
			if f.debounce > 0 {
				select {
				case <-time.After(f.debounce):
				case <-f.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
			f.flush(ctx)
		}
	}
}

func (f *Flusher) flush(ctx context.Context) {
	err := retry.WithRetryAdvanced(ctx, func() error {
		err := f.target.Flush(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, consts.ErrStoreClosed) {
			return retry.Stop(err)
		}
		return err
	}, f.backoff)
	if err != nil && !errors.Is(err, consts.ErrStoreClosed) && ctx.Err() == nil {
		logger.Error("Flusher: snapshot save failed", "error", err)
	}
}

// Stop ends the worker and waits for an in-flight save to finish. It is safe
// to call more than once.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.cancel()
	f.mu.Unlock()

	close(f.stopCh)
	f.wg.Wait()

	logger.Info("Flusher: stopped")
}
