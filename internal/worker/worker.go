// Package worker runs the periodic reconciliation sweep. Reads already
// reconcile eagerly; the sweep catches users who stopped calling in but
// whose entitlements changed (expiry, refunds) so their stored tier does
// not drift until the next app open.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluentloop/metering/internal/ledger"
)

const (
	DefaultInterval = 15 * time.Minute
	DefaultLookback = 31 * 24 * time.Hour
)

// Syncer reconciles one user's stored tier. Implemented by
// reconcile.Reconciler.
type Syncer interface {
	SyncUser(ctx context.Context, userID string) error
}

type Sweeper struct {
	store    ledger.Store
	syncer   Syncer
	interval time.Duration
	lookback time.Duration
	log      zerolog.Logger
}

func NewSweeper(store ledger.Store, syncer Syncer, interval, lookback time.Duration, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Sweeper{
		store:    store,
		syncer:   syncer,
		interval: interval,
		lookback: lookback,
		log:      log,
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	users, err := s.store.ListActive(ctx, time.Now().Add(-s.lookback))
	if err != nil {
		s.log.Warn().Err(err).Msg("reconciliation sweep: listing active users failed")
		return
	}

	var failed int
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		if err := s.syncer.SyncUser(ctx, userID); err != nil {
			failed++
			s.log.Warn().Err(err).Str("user_id", userID).Msg("reconciliation sweep: sync failed")
		}
	}

	s.log.Debug().Int("users", len(users)).Int("failed", failed).Msg("reconciliation sweep complete")
}
