// Package ledger owns per-user usage state: the running counters for the
// current billing period, the per-day breakdown, and the stored tier. It is
// the single writer of that state; costs and percentages are recomputed
// from the raw counters on every read and never persisted.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluentloop/metering/internal/period"
	"github.com/fluentloop/metering/internal/plan"
	"github.com/fluentloop/metering/internal/pricing"
)

var ErrNotFound = errors.New("usage record not found")

// Record is the stored usage state for one user.
type Record struct {
	UserID    string
	Tier      plan.Tier
	AnchorDay int
	Period    period.Period
	Counters  pricing.Counters
	Daily     map[string]pricing.Counters
	UpdatedAt time.Time
}

// MonthlyUsage is the derived read model returned to callers.
type MonthlyUsage struct {
	UserID      string                      `json:"user_id"`
	Tier        string                      `json:"tier"`
	Period      period.Period               `json:"period"`
	Counters    pricing.Counters            `json:"counters"`
	Daily       map[string]pricing.Counters `json:"daily"`
	Costs       pricing.Costs               `json:"costs"`
	CreditLimit float64                     `json:"credit_limit"`
	TokenLimit  float64                     `json:"token_limit"`
	PercentUsed float64                     `json:"percent_used"`
}

// Store persists usage records. Increment must be atomic at the storage
// layer: concurrent calls for the same user may interleave but no delta may
// be lost to a read-modify-write race.
type Store interface {
	Get(ctx context.Context, userID string) (*Record, error)
	Create(ctx context.Context, rec *Record) error
	Increment(ctx context.Context, userID, day string, delta pricing.Counters) (*Record, error)
	// RollOver replaces the billing window only if the stored one ended
	// before now, so racing rollovers collapse to one winner. Returns
	// false when another caller already rolled the period over.
	RollOver(ctx context.Context, userID string, p period.Period, tier plan.Tier, now time.Time) (bool, error)
	// ResetPeriod replaces the billing window unconditionally. Reserved
	// for the reconciler's deliberate downgrade reset; rollover goes
	// through the guarded RollOver.
	ResetPeriod(ctx context.Context, userID string, p period.Period, tier plan.Tier) error
	SetTier(ctx context.Context, userID string, tier plan.Tier) error
	ListActive(ctx context.Context, since time.Time) ([]string, error)
}

// Reconciler keeps the stored tier consistent with the entitlement
// provider. Sync may replace the record (tier change, usage reset) and
// must never fail a read just because the provider is unreachable.
type Reconciler interface {
	ResolveTier(ctx context.Context, userID string) plan.Tier
	Sync(ctx context.Context, rec *Record) (*Record, error)
}

// Service implements the usage ledger on top of a Store.
type Service struct {
	store      Store
	reconciler Reconciler
	log        zerolog.Logger
	now        func() time.Time
}

func NewService(store Store, reconciler Reconciler, log zerolog.Logger) *Service {
	return &Service{
		store:      store,
		reconciler: reconciler,
		log:        log,
		now:        time.Now,
	}
}

// GetUsage returns the user's current usage, creating the record on first
// use and lazily rolling the period over when it has expired. The stored
// tier is reconciled against the provider on every call.
func (s *Service) GetUsage(ctx context.Context, userID string) (*MonthlyUsage, error) {
	rec, err := s.current(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.view(rec), nil
}

// TrackUsage adds delta to the monthly counters and to today's daily entry,
// persists, and returns the updated state. Negative delta fields are
// clamped to zero; counters only move forward within a period.
func (s *Service) TrackUsage(ctx context.Context, userID string, delta pricing.Counters) (*MonthlyUsage, error) {
	rec, err := s.current(ctx, userID)
	if err != nil {
		return nil, err
	}

	delta = sanitize(delta)
	if delta.IsZero() {
		return s.view(rec), nil
	}

	now := s.now()
	updated, err := s.store.Increment(ctx, userID, dayKey(now), delta)
	if err != nil {
		return nil, fmt.Errorf("failed to track usage: %w", err)
	}
	updated.Tier = rec.Tier
	updated.AnchorDay = rec.AnchorDay
	return s.view(updated), nil
}

// HasQuota is the gate callers must check before starting a billable
// operation. It reads through the same path as TrackUsage, never a stale
// aggregate.
func (s *Service) HasQuota(ctx context.Context, userID string) (bool, error) {
	usage, err := s.GetUsage(ctx, userID)
	if err != nil {
		return false, err
	}
	return usage.PercentUsed < 100, nil
}

// ForceExceedQuota tracks enough synthetic input tokens to pin the user at
// 100%. It goes through TrackUsage so the daily ledger stays well formed.
func (s *Service) ForceExceedQuota(ctx context.Context, userID string) (*MonthlyUsage, error) {
	usage, err := s.GetUsage(ctx, userID)
	if err != nil {
		return nil, err
	}

	remaining := usage.CreditLimit - usage.Costs.TotalUSD
	if remaining <= 0 {
		return usage, nil
	}

	tokens := int64(math.Ceil(remaining / pricing.LLMInputPerMillionTokens * 1_000_000))
	return s.TrackUsage(ctx, userID, pricing.Counters{LLMInputTokens: tokens})
}

// current loads the record, initializing on first use and rolling over an
// expired period, then lets the reconciler correct tier drift.
func (s *Service) current(ctx context.Context, userID string) (*Record, error) {
	now := s.now()

	rec, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		rec, err = s.initialize(ctx, userID, now)
	}
	if err != nil {
		return nil, err
	}

	if rec.Period.Expired(now) {
		fresh := period.Current(rec.AnchorDay, now)
		applied, err := s.store.RollOver(ctx, userID, fresh, rec.Tier, now)
		if err != nil {
			return nil, fmt.Errorf("failed to roll over period: %w", err)
		}
		if applied {
			s.log.Info().
				Str("user_id", userID).
				Time("period_start", fresh.Start).
				Time("period_end", fresh.End).
				Msg("billing period rolled over")
		}
		// applied == false means a concurrent caller won the rollover; the
		// re-read picks up whichever state is current.
		rec, err = s.store.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	return s.reconciler.Sync(ctx, rec)
}

func (s *Service) initialize(ctx context.Context, userID string, now time.Time) (*Record, error) {
	tier := s.reconciler.ResolveTier(ctx, userID)
	anchor := now.UTC().Day()
	rec := &Record{
		UserID:    userID,
		Tier:      tier,
		AnchorDay: anchor,
		Period:    period.Current(anchor, now),
		Daily:     map[string]pricing.Counters{},
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to initialize usage record: %w", err)
	}
	return rec, nil
}

func (s *Service) view(rec *Record) *MonthlyUsage {
	costs := pricing.Cost(rec.Counters)
	limit := plan.CreditLimit(rec.Tier)
	return &MonthlyUsage{
		UserID:      rec.UserID,
		Tier:        rec.Tier.String(),
		Period:      rec.Period,
		Counters:    rec.Counters,
		Daily:       rec.Daily,
		Costs:       costs,
		CreditLimit: limit,
		TokenLimit:  plan.TokenLimit(rec.Tier),
		PercentUsed: percentUsed(costs.TotalUSD, limit),
	}
}

// percentUsed maps cost against the credit limit into [0, 100]. A
// non-positive limit means there is nothing to spend, which reads as fully
// consumed rather than a division by zero.
func percentUsed(total, limit float64) float64 {
	if limit <= 0 {
		return 100
	}
	return math.Min(total/limit*100, 100)
}

func sanitize(d pricing.Counters) pricing.Counters {
	if math.IsNaN(d.TranscriptionMinutes) || d.TranscriptionMinutes < 0 {
		d.TranscriptionMinutes = 0
	}
	if d.LLMInputTokens < 0 {
		d.LLMInputTokens = 0
	}
	if d.LLMOutputTokens < 0 {
		d.LLMOutputTokens = 0
	}
	if d.TTSCharacters < 0 {
		d.TTSCharacters = 0
	}
	return d
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// decodeDaily parses the stored per-day JSON blob. Malformed data is logged
// and treated as empty; a bad blob must never take down the read path.
func decodeDaily(raw []byte, log zerolog.Logger, userID string) map[string]pricing.Counters {
	if len(raw) == 0 {
		return map[string]pricing.Counters{}
	}
	var daily map[string]pricing.Counters
	if err := json.Unmarshal(raw, &daily); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("malformed daily usage blob, treating as empty")
		return map[string]pricing.Counters{}
	}
	if daily == nil {
		daily = map[string]pricing.Counters{}
	}
	return daily
}
