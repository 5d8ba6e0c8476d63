package ledger

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluentloop/metering/internal/period"
	"github.com/fluentloop/metering/internal/plan"
	"github.com/fluentloop/metering/internal/pricing"
)

var testNow = time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC)

// memStore is an in-memory Store with the same increment semantics as the
// postgres implementation.
type memStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]*Record{}}
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Daily = make(map[string]pricing.Counters, len(r.Daily))
	for k, v := range r.Daily {
		c.Daily[k] = v
	}
	return &c
}

func (m *memStore) Get(_ context.Context, userID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *memStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.UserID]; ok {
		return nil
	}
	m.recs[rec.UserID] = cloneRecord(rec)
	return nil
}

func (m *memStore) Increment(_ context.Context, userID, day string, delta pricing.Counters) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Counters = rec.Counters.Add(delta)
	rec.Daily[day] = rec.Daily[day].Add(delta)
	rec.UpdatedAt = time.Now()
	return cloneRecord(rec), nil
}

func (m *memStore) RollOver(_ context.Context, userID string, p period.Period, tier plan.Tier, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[userID]
	if !ok {
		return false, ErrNotFound
	}
	if !rec.Period.End.Before(now) {
		return false, nil
	}
	rec.Period = p
	rec.Tier = tier
	rec.Counters = pricing.Counters{}
	rec.Daily = map[string]pricing.Counters{}
	rec.UpdatedAt = now
	return true, nil
}

func (m *memStore) ResetPeriod(_ context.Context, userID string, p period.Period, tier plan.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[userID]
	if !ok {
		return ErrNotFound
	}
	rec.Period = p
	rec.Tier = tier
	rec.Counters = pricing.Counters{}
	rec.Daily = map[string]pricing.Counters{}
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) SetTier(_ context.Context, userID string, tier plan.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[userID]
	if !ok {
		return ErrNotFound
	}
	rec.Tier = tier
	return nil
}

func (m *memStore) ListActive(_ context.Context, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []string
	for id, rec := range m.recs {
		if !rec.UpdatedAt.Before(since) {
			users = append(users, id)
		}
	}
	return users, nil
}

// stubReconciler reports a fixed tier and applies no sync changes.
type stubReconciler struct {
	tier plan.Tier
}

func (s *stubReconciler) ResolveTier(context.Context, string) plan.Tier {
	return s.tier
}

func (s *stubReconciler) Sync(_ context.Context, rec *Record) (*Record, error) {
	return rec, nil
}

func newTestService(store Store, tier plan.Tier) *Service {
	svc := NewService(store, &stubReconciler{tier: tier}, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestGetUsageInitializesOnFirstUse(t *testing.T) {
	svc := newTestService(newMemStore(), plan.TierBasic)

	usage, err := svc.GetUsage(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetUsage returned error: %v", err)
	}
	if usage.Tier != "basic" {
		t.Errorf("Expected tier basic, got %s", usage.Tier)
	}
	if !usage.Counters.IsZero() {
		t.Errorf("Expected zero counters, got %+v", usage.Counters)
	}
	if !usage.Period.Contains(testNow) {
		t.Errorf("Expected period to contain now, got %+v", usage.Period)
	}
	if usage.CreditLimit != plan.CreditLimit(plan.TierBasic) {
		t.Errorf("Expected derived credit limit, got %f", usage.CreditLimit)
	}
}

func TestGetUsageIdempotent(t *testing.T) {
	svc := newTestService(newMemStore(), plan.TierFree)
	ctx := context.Background()

	first, err := svc.GetUsage(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUsage returned error: %v", err)
	}
	second, err := svc.GetUsage(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUsage returned error: %v", err)
	}

	if first.Counters != second.Counters {
		t.Errorf("Counters changed between reads: %+v vs %+v", first.Counters, second.Counters)
	}
	if first.Period != second.Period {
		t.Errorf("Period changed between reads: %+v vs %+v", first.Period, second.Period)
	}
}

func TestTrackUsageAdditivity(t *testing.T) {
	d1 := pricing.Counters{LLMInputTokens: 1000, TranscriptionMinutes: 2}
	d2 := pricing.Counters{LLMInputTokens: 500, TTSCharacters: 300}
	ctx := context.Background()

	split := newTestService(newMemStore(), plan.TierFree)
	if _, err := split.TrackUsage(ctx, "u", d1); err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}
	afterSplit, err := split.TrackUsage(ctx, "u", d2)
	if err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}

	combined := newTestService(newMemStore(), plan.TierFree)
	afterCombined, err := combined.TrackUsage(ctx, "u", d1.Add(d2))
	if err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}

	if afterSplit.Counters != afterCombined.Counters {
		t.Errorf("d1 then d2 != d1+d2: %+v vs %+v", afterSplit.Counters, afterCombined.Counters)
	}
}

func TestTrackUsageUpdatesDailyEntry(t *testing.T) {
	svc := newTestService(newMemStore(), plan.TierFree)
	ctx := context.Background()

	usage, err := svc.TrackUsage(ctx, "u", pricing.Counters{LLMInputTokens: 100})
	if err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}

	day := dayKey(testNow)
	if usage.Daily[day].LLMInputTokens != 100 {
		t.Errorf("Expected 100 input tokens on %s, got %+v", day, usage.Daily[day])
	}

	usage, err = svc.TrackUsage(ctx, "u", pricing.Counters{LLMInputTokens: 50})
	if err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}
	if usage.Daily[day].LLMInputTokens != 150 {
		t.Errorf("Expected daily entry to accumulate to 150, got %+v", usage.Daily[day])
	}
}

func TestTrackUsageNegativeDeltaClamped(t *testing.T) {
	svc := newTestService(newMemStore(), plan.TierFree)
	ctx := context.Background()

	if _, err := svc.TrackUsage(ctx, "u", pricing.Counters{LLMInputTokens: 100}); err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}
	usage, err := svc.TrackUsage(ctx, "u", pricing.Counters{LLMInputTokens: -9999, TranscriptionMinutes: -1})
	if err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}

	if usage.Counters.LLMInputTokens != 100 {
		t.Errorf("Counters went backwards: %+v", usage.Counters)
	}
}

func TestFreeTierQuotaScenario(t *testing.T) {
	// Free tier, credit limit 0.50: 2M input tokens cost 0.20 (40%), three
	// million more push the total to 0.50 (100%).
	svc := newTestService(newMemStore(), plan.TierFree)
	ctx := context.Background()

	usage, err := svc.TrackUsage(ctx, "u", pricing.Counters{LLMInputTokens: 2_000_000})
	if err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}
	if math.Abs(usage.PercentUsed-40) > 1e-9 {
		t.Errorf("Expected 40%% used, got %f", usage.PercentUsed)
	}
	ok, err := svc.HasQuota(ctx, "u")
	if err != nil {
		t.Fatalf("HasQuota returned error: %v", err)
	}
	if !ok {
		t.Error("Expected quota available at 40%")
	}

	usage, err = svc.TrackUsage(ctx, "u", pricing.Counters{LLMInputTokens: 3_000_000})
	if err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}
	if usage.PercentUsed != 100 {
		t.Errorf("Expected 100%% used, got %f", usage.PercentUsed)
	}
	ok, err = svc.HasQuota(ctx, "u")
	if err != nil {
		t.Fatalf("HasQuota returned error: %v", err)
	}
	if ok {
		t.Error("Expected no quota at 100%")
	}
}

func TestPercentUsedBounds(t *testing.T) {
	svc := newTestService(newMemStore(), plan.TierFree)
	ctx := context.Background()

	// Far beyond the limit still caps at 100.
	usage, err := svc.TrackUsage(ctx, "u", pricing.Counters{LLMInputTokens: 500_000_000})
	if err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}
	if usage.PercentUsed != 100 {
		t.Errorf("Expected cap at 100, got %f", usage.PercentUsed)
	}
}

func TestPercentUsedZeroLimit(t *testing.T) {
	if got := percentUsed(0, 0); got != 100 {
		t.Errorf("Zero limit should read as fully consumed, got %f", got)
	}
	if got := percentUsed(5, -1); got != 100 {
		t.Errorf("Negative limit should read as fully consumed, got %f", got)
	}
}

func TestRolloverOnExpiredPeriod(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, plan.TierBasic)
	ctx := context.Background()

	// Seed a record whose period ended last month, with usage in it.
	old := period.Current(10, testNow.AddDate(0, -2, 0))
	store.recs["u"] = &Record{
		UserID:    "u",
		Tier:      plan.TierBasic,
		AnchorDay: 10,
		Period:    old,
		Counters:  pricing.Counters{LLMInputTokens: 123456},
		Daily:     map[string]pricing.Counters{"2026-04-11": {LLMInputTokens: 123456}},
		UpdatedAt: old.Start,
	}

	usage, err := svc.GetUsage(ctx, "u")
	if err != nil {
		t.Fatalf("GetUsage returned error: %v", err)
	}

	if !usage.Counters.IsZero() {
		t.Errorf("Expected counters reset on rollover, got %+v", usage.Counters)
	}
	if len(usage.Daily) != 0 {
		t.Errorf("Expected daily map cleared on rollover, got %+v", usage.Daily)
	}
	if !usage.Period.Contains(testNow) {
		t.Errorf("Expected new period to contain now, got %+v", usage.Period)
	}
	if usage.Period.Start.Day() != 10 {
		t.Errorf("Expected anchor day preserved, got start %v", usage.Period.Start)
	}

	// Rolling over again must be a no-op.
	again, err := svc.GetUsage(ctx, "u")
	if err != nil {
		t.Fatalf("GetUsage returned error: %v", err)
	}
	if again.Period != usage.Period {
		t.Errorf("Period changed on repeated read: %+v vs %+v", again.Period, usage.Period)
	}
}

func TestRollOverRaceKeepsConcurrentIncrement(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, plan.TierBasic)
	ctx := context.Background()

	old := period.Current(10, testNow.AddDate(0, -2, 0))
	store.recs["u"] = &Record{
		UserID:    "u",
		Tier:      plan.TierBasic,
		AnchorDay: 10,
		Period:    old,
		Counters:  pricing.Counters{LLMInputTokens: 999},
		Daily:     map[string]pricing.Counters{},
		UpdatedAt: old.Start,
	}

	// First reader rolls the expired period over.
	if _, err := svc.GetUsage(ctx, "u"); err != nil {
		t.Fatalf("GetUsage returned error: %v", err)
	}

	// An increment lands right after the rollover.
	if _, err := svc.TrackUsage(ctx, "u", pricing.Counters{LLMInputTokens: 1_000_000}); err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}

	// A second reader raced the first: it also saw the expired period, but
	// its guarded rollover must apply nothing.
	applied, err := store.RollOver(ctx, "u", period.Current(10, testNow), plan.TierBasic, testNow)
	if err != nil {
		t.Fatalf("RollOver returned error: %v", err)
	}
	if applied {
		t.Error("Expected the losing rollover to be a no-op")
	}

	usage, err := svc.GetUsage(ctx, "u")
	if err != nil {
		t.Fatalf("GetUsage returned error: %v", err)
	}
	if usage.Counters.LLMInputTokens != 1_000_000 {
		t.Errorf("Increment lost to a racing rollover: %+v", usage.Counters)
	}
}

func TestForceExceedQuota(t *testing.T) {
	svc := newTestService(newMemStore(), plan.TierPremium)
	ctx := context.Background()

	if _, err := svc.TrackUsage(ctx, "u", pricing.Counters{LLMInputTokens: 1_000_000}); err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}

	usage, err := svc.ForceExceedQuota(ctx, "u")
	if err != nil {
		t.Fatalf("ForceExceedQuota returned error: %v", err)
	}
	if usage.PercentUsed != 100 {
		t.Errorf("Expected 100%% after force exceed, got %f", usage.PercentUsed)
	}

	// The synthetic usage went through the normal tracking path, so the
	// daily ledger stays well formed.
	day := dayKey(testNow)
	if usage.Daily[day].LLMInputTokens == 0 {
		t.Errorf("Expected daily entry for synthetic usage, got %+v", usage.Daily)
	}

	ok, err := svc.HasQuota(ctx, "u")
	if err != nil {
		t.Fatalf("HasQuota returned error: %v", err)
	}
	if ok {
		t.Error("Expected no quota after force exceed")
	}

	// Already exceeded: calling again adds nothing.
	again, err := svc.ForceExceedQuota(ctx, "u")
	if err != nil {
		t.Fatalf("ForceExceedQuota returned error: %v", err)
	}
	if again.Counters != usage.Counters {
		t.Errorf("Expected no additional usage, got %+v vs %+v", again.Counters, usage.Counters)
	}
}

func TestDecodeDailyMalformed(t *testing.T) {
	daily := decodeDaily([]byte("{broken"), zerolog.Nop(), "u")
	if daily == nil || len(daily) != 0 {
		t.Errorf("Expected empty map for malformed blob, got %v", daily)
	}

	daily = decodeDaily(nil, zerolog.Nop(), "u")
	if daily == nil || len(daily) != 0 {
		t.Errorf("Expected empty map for empty blob, got %v", daily)
	}

	daily = decodeDaily([]byte(`{"2026-06-15":{"llm_input_tokens":42}}`), zerolog.Nop(), "u")
	if daily["2026-06-15"].LLMInputTokens != 42 {
		t.Errorf("Expected parsed daily entry, got %v", daily)
	}
}
