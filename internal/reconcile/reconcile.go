// Package reconcile keeps the ledger's stored tier in step with the
// entitlement provider's live answer, without letting provider outages
// block normal reads.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/fluentloop/metering/internal/entitlement"
	"github.com/fluentloop/metering/internal/ledger"
	"github.com/fluentloop/metering/internal/period"
	"github.com/fluentloop/metering/internal/plan"
)

const (
	defaultTimeout = 5 * time.Second
	maxAttempts    = 3
	retryDelay     = 200 * time.Millisecond
)

// Reconciler resolves live entitlements with cache fallback and applies the
// tier-sync policy to ledger records. It implements ledger.Reconciler.
//
// Policy: upgrades take effect immediately (the credit ceiling rises
// mid-period, consumed credits stand); downgrades also take effect
// immediately and reset usage into a fresh period under the lower tier.
// Provider truth beats local grace — but only confirmed provider truth:
// an outage fallback gates the current request and persists nothing.
type Reconciler struct {
	provider entitlement.Provider
	resolver *entitlement.Resolver
	cache    *entitlement.Cache
	store    ledger.Store
	breaker  *gobreaker.CircuitBreaker
	log      zerolog.Logger
	timeout  time.Duration
	now      func() time.Time
}

func New(provider entitlement.Provider, resolver *entitlement.Resolver, cache *entitlement.Cache, store ledger.Store, log zerolog.Logger) *Reconciler {
	settings := gobreaker.Settings{
		Name:        "entitlement-provider",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Reconciler{
		provider: provider,
		resolver: resolver,
		cache:    cache,
		store:    store,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		log:      log,
		timeout:  defaultTimeout,
		now:      time.Now,
	}
}

// Resolve returns the user's current resolution and whether it is
// confirmed provider truth. A live answer is confirmed, as is a definitive
// "subscriber unknown"; the cache or the free default after an outage is a
// fallback — good enough to gate the current request, never grounds for
// persisting a tier change.
func (r *Reconciler) Resolve(ctx context.Context, userID string) (entitlement.Resolution, bool) {
	now := r.now()

	ents, err := r.fetch(ctx, userID)
	if err == nil {
		res := r.resolver.Resolve(now, ents)
		r.cache.Write(ctx, userID, res, now)
		return res, true
	}

	if errors.Is(err, entitlement.ErrSubscriberNotFound) {
		// The provider has never seen this user; that is a definitive free,
		// not an outage.
		res := entitlement.FreeResolution()
		r.cache.Write(ctx, userID, res, now)
		return res, true
	}

	r.log.Warn().Err(err).Str("user_id", userID).Msg("live entitlement fetch failed, trying cache")

	if cached := r.cache.Read(ctx, userID, now); cached != nil {
		return *cached, false
	}

	return entitlement.FreeResolution(), false
}

// ResolveTier is the ledger's hook for first-use initialization.
func (r *Reconciler) ResolveTier(ctx context.Context, userID string) plan.Tier {
	res, _ := r.Resolve(ctx, userID)
	return res.Tier
}

// Sync compares the stored tier against the current resolution and corrects
// drift. The returned record reflects whatever was applied.
func (r *Reconciler) Sync(ctx context.Context, rec *ledger.Record) (*ledger.Record, error) {
	res, confirmed := r.Resolve(ctx, rec.UserID)
	if res.Tier == rec.Tier {
		return rec, nil
	}

	if !confirmed {
		// An outage is not a cancellation: the stored record stays as it
		// is. The request itself is still gated at the fallback tier so
		// paid access is never granted without confirmation.
		if res.Tier < rec.Tier {
			gated := *rec
			gated.Tier = res.Tier
			return &gated, nil
		}
		return rec, nil
	}

	if res.Tier > rec.Tier {
		if err := r.store.SetTier(ctx, rec.UserID, res.Tier); err != nil {
			return nil, err
		}
		r.log.Info().
			Str("user_id", rec.UserID).
			Str("from", rec.Tier.String()).
			Str("to", res.Tier.String()).
			Msg("tier upgraded")
		rec.Tier = res.Tier
		return rec, nil
	}

	// Downgrade: the provider says the higher tier is gone, so the usage
	// accumulated against it is void. Start a fresh period under the lower
	// tier right away.
	fresh := period.Current(rec.AnchorDay, r.now())
	if err := r.store.ResetPeriod(ctx, rec.UserID, fresh, res.Tier); err != nil {
		return nil, err
	}
	r.log.Info().
		Str("user_id", rec.UserID).
		Str("from", rec.Tier.String()).
		Str("to", res.Tier.String()).
		Msg("tier downgraded, usage reset")

	return r.store.Get(ctx, rec.UserID)
}

// SyncUser runs Sync for a stored record, skipping users who have no usage
// record yet. Used by the background sweep.
func (r *Reconciler) SyncUser(ctx context.Context, userID string) error {
	rec, err := r.store.Get(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.Sync(ctx, rec)
	return err
}

// fetch queries the provider through the circuit breaker with a bounded
// number of retries on transient failure. Each attempt gets its own
// timeout so a hung call cannot stall a quota check.
func (r *Reconciler) fetch(ctx context.Context, userID string) ([]entitlement.Entitlement, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		result, err := r.breaker.Execute(func() (interface{}, error) {
			return r.provider.Subscriber(attemptCtx, userID)
		})
		cancel()

		if err == nil {
			return result.([]entitlement.Entitlement), nil
		}
		lastErr = err

		if errors.Is(err, entitlement.ErrSubscriberNotFound) {
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, err
		}
	}
	return nil, lastErr
}
