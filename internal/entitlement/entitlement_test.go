package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fluentloop/metering/internal/plan"
)

var testNow = time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC)

func active(productID string, willRenew bool) Entitlement {
	return Entitlement{
		ProductID:      productID,
		ExpirationDate: testNow.Add(30 * 24 * time.Hour),
		WillRenew:      willRenew,
		Active:         true,
	}
}

func expired(productID string) Entitlement {
	return Entitlement{
		ProductID:      productID,
		ExpirationDate: testNow.Add(-time.Hour),
		WillRenew:      true,
		Active:         true,
	}
}

func TestResolveNoEntitlements(t *testing.T) {
	r := NewResolver(nil, nil)
	res := r.Resolve(testNow, nil)
	assert.Equal(t, plan.TierFree, res.Tier)
	assert.False(t, res.Active)
}

func TestResolveHighestActiveTierWins(t *testing.T) {
	r := NewResolver(nil, nil)
	res := r.Resolve(testNow, []Entitlement{
		active("fluentloop_basic_monthly", true),
		active("fluentloop_gold_monthly", true),
	})
	assert.Equal(t, plan.TierGold, res.Tier)
	assert.True(t, res.Active)
	assert.False(t, res.Cancelled)
}

func TestResolveAnyExpiredVoidsWholeSubscription(t *testing.T) {
	// Strict rule: one expired slot forces free even though basic is still
	// valid, regardless of slot order.
	r := NewResolver(nil, nil)

	res := r.Resolve(testNow, []Entitlement{
		expired("fluentloop_gold_monthly"),
		active("fluentloop_basic_monthly", true),
	})
	assert.Equal(t, plan.TierFree, res.Tier)
	assert.False(t, res.Active)

	res = r.Resolve(testNow, []Entitlement{
		active("fluentloop_basic_monthly", true),
		expired("fluentloop_gold_monthly"),
	})
	assert.Equal(t, plan.TierFree, res.Tier)
	assert.False(t, res.Active)
}

func TestResolveCancelledButActive(t *testing.T) {
	r := NewResolver(nil, nil)
	res := r.Resolve(testNow, []Entitlement{active("fluentloop_premium_monthly", false)})
	assert.Equal(t, plan.TierPremium, res.Tier)
	assert.True(t, res.Active)
	assert.True(t, res.Cancelled)
	assert.False(t, res.InGracePeriod)
}

func TestResolveInactiveSlotsIgnored(t *testing.T) {
	r := NewResolver(nil, nil)
	gold := active("fluentloop_gold_monthly", true)
	gold.Active = false
	res := r.Resolve(testNow, []Entitlement{gold, active("fluentloop_basic_monthly", true)})
	assert.Equal(t, plan.TierBasic, res.Tier)
}

func TestTierForMatchOrder(t *testing.T) {
	r := NewResolver(nil, nil)

	tests := []struct {
		name      string
		productID string
		want      plan.Tier
	}{
		{"exact mapping", "fluentloop_premium_monthly", plan.TierPremium},
		{"suffix match", "com.fluentloop.sub.gold", plan.TierGold},
		{"tier name substring", "gold_yearly_promo", plan.TierGold},
		{"legacy id substring", "com.lingua_pro.annual", plan.TierPremium},
		{"case insensitive", "FLUENTLOOP_BASIC_MONTHLY", plan.TierBasic},
		{"unknown defaults to free", "mystery_product", plan.TierFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.TierFor(tt.productID))
		})
	}
}

func TestTierForSuffixBeatsSubstring(t *testing.T) {
	// "basic_then_gold" contains basic but ends in gold; suffix wins.
	r := NewResolver(nil, nil)
	assert.Equal(t, plan.TierGold, r.TierFor("basic_then_gold"))
}
