package storage

import (
	"context"
	"errors"

	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/pkg/circuitbreaker"
	"github.com/verayang01/chatd/store"
)

// Guarded runs every Load and Save of the wrapped persister through a
// circuit breaker.
type Guarded struct {
	inner   store.Persister
	breaker *circuitbreaker.CircuitBreaker
}

// Guard wraps p. A missing snapshot is a normal answer and never counts
// against the backend.
func Guard(p store.Persister, settings circuitbreaker.Settings) *Guarded {
	isSuccessful := settings.IsSuccessful
	settings.IsSuccessful = func(err error) bool {
		if errors.Is(err, consts.ErrSnapshotNotFound) {
			return true
		}
		if isSuccessful != nil {
			return isSuccessful(err)
		}
		return err == nil
	}
	return &Guarded{inner: p, breaker: circuitbreaker.New(settings)}
}

func (g *Guarded) Load(ctx context.Context) (*store.Snapshot, error) {
	var snap *store.Snapshot
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		snap, err = g.inner.Load(ctx)
		return err
	})
	return snap, err
}

func (g *Guarded) Save(ctx context.Context, snap *store.Snapshot) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.inner.Save(ctx, snap)
	})
}

func (g *Guarded) Close() error {
	return g.inner.Close()
}

func (g *Guarded) State() circuitbreaker.State {
	return g.breaker.State()
}
