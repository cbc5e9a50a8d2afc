package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/pool"
)

// Worker saves a snapshot shortly after ledger records arrive. Bursts of
// records within delay produce one save.
type Worker struct {
	kv    StateStore
	pool  *pool.Pool
	token *asset.Token
	delay time.Duration
	log   zerolog.Logger
}

func NewWorker(kv StateStore, p *pool.Pool, t *asset.Token, delay time.Duration) *Worker {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Worker{kv: kv, pool: p, token: t, delay: delay, log: obs.Component("snapshot")}
}

// Run consumes records until ctx ends or records closes, then writes a final
// snapshot if one is pending.
func (w *Worker) Run(ctx context.Context, records <-chan pool.Record) {
	timer := time.NewTimer(w.delay)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false
	defer func() {
		timer.Stop()
		if pending {
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			w.save(fctx)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-records:
			if !ok {
				return
			}
			if !pending {
				pending = true
				timer.Reset(w.delay)
			}
		case <-timer.C:
			pending = false
			w.save(ctx)
		}
	}
}

func (w *Worker) save(ctx context.Context) {
	meta, err := Save(ctx, w.kv, w.pool, w.token)
	if errors.Is(err, ErrImplementationChanged) {
		w.log.Error().Err(err).Msg("stored state was upgraded; restart to load it")
		return
	}
	if err != nil {
		w.log.Error().Err(err).Msg("snapshot failed")
		return
	}
	w.log.Debug().Uint64("seq", meta.Seq).Str("snapshot_id", meta.SnapshotID).Msg("snapshot saved")
}
