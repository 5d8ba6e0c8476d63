package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluentloop/metering/internal/ledger"
	"github.com/fluentloop/metering/internal/period"
	"github.com/fluentloop/metering/internal/plan"
	"github.com/fluentloop/metering/internal/pricing"
)

type listStore struct {
	users []string
	err   error
}

func (s *listStore) Get(context.Context, string) (*ledger.Record, error) {
	return nil, ledger.ErrNotFound
}
func (s *listStore) Create(context.Context, *ledger.Record) error { return nil }
func (s *listStore) Increment(context.Context, string, string, pricing.Counters) (*ledger.Record, error) {
	return nil, ledger.ErrNotFound
}
func (s *listStore) RollOver(context.Context, string, period.Period, plan.Tier, time.Time) (bool, error) {
	return false, nil
}
func (s *listStore) ResetPeriod(context.Context, string, period.Period, plan.Tier) error { return nil }
func (s *listStore) SetTier(context.Context, string, plan.Tier) error                    { return nil }
func (s *listStore) ListActive(context.Context, time.Time) ([]string, error) {
	return s.users, s.err
}

type countingSyncer struct {
	synced []string
	err    error
}

func (c *countingSyncer) SyncUser(_ context.Context, userID string) error {
	c.synced = append(c.synced, userID)
	return c.err
}

func TestSweepSyncsActiveUsers(t *testing.T) {
	store := &listStore{users: []string{"a", "b", "c"}}
	syncer := &countingSyncer{}
	s := NewSweeper(store, syncer, 0, 0, zerolog.Nop())

	s.sweep(context.Background())

	if len(syncer.synced) != 3 {
		t.Errorf("Expected 3 users synced, got %v", syncer.synced)
	}
}

func TestSweepSurvivesSyncErrors(t *testing.T) {
	store := &listStore{users: []string{"a", "b"}}
	syncer := &countingSyncer{err: errors.New("boom")}
	s := NewSweeper(store, syncer, 0, 0, zerolog.Nop())

	s.sweep(context.Background())

	if len(syncer.synced) != 2 {
		t.Errorf("Expected all users attempted despite errors, got %v", syncer.synced)
	}
}

func TestSweepListFailureIsNonFatal(t *testing.T) {
	store := &listStore{err: errors.New("db down")}
	syncer := &countingSyncer{}
	s := NewSweeper(store, syncer, 0, 0, zerolog.Nop())

	s.sweep(context.Background())

	if len(syncer.synced) != 0 {
		t.Errorf("Expected no syncs on list failure, got %v", syncer.synced)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := &listStore{}
	s := NewSweeper(store, &countingSyncer{}, 10*time.Millisecond, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
