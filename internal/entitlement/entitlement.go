// Package entitlement maps the external subscription provider's view of a
// user onto internal tiers, and mirrors the last known answer in redis so
// quota checks keep working when the provider is unreachable.
package entitlement

import (
	"strings"
	"time"

	"github.com/fluentloop/metering/internal/plan"
)

// Entitlement is one active-or-not product slot as reported by the provider.
// The resolver depends on these four fields only.
type Entitlement struct {
	ProductID      string    `json:"product_id"`
	ExpirationDate time.Time `json:"expires_date"`
	WillRenew      bool      `json:"will_renew"`
	Active         bool      `json:"active"`
}

// Resolution is the internal verdict for a user's entitlement set.
type Resolution struct {
	Tier           plan.Tier `json:"tier"`
	ExpirationDate time.Time `json:"expiration_date"`
	Active         bool      `json:"active"`
	Cancelled      bool      `json:"cancelled"`
	InGracePeriod  bool      `json:"in_grace_period"`
}

// FreeResolution is the conservative default: no paid access.
func FreeResolution() Resolution {
	return Resolution{Tier: plan.TierFree}
}

// Resolver turns a raw entitlement set into a Resolution. The product and
// legacy maps are static configuration; product identifiers vary by store
// and platform, so tier matching degrades through several strategies.
type Resolver struct {
	products map[string]plan.Tier
	legacy   map[string]plan.Tier
}

// DefaultProductTiers is the shipped product-id mapping table.
var DefaultProductTiers = map[string]plan.Tier{
	"fluentloop_basic_monthly":   plan.TierBasic,
	"fluentloop_premium_monthly": plan.TierPremium,
	"fluentloop_gold_monthly":    plan.TierGold,
}

// DefaultLegacyProductTiers covers identifiers from the pre-rebrand store
// listings that still show up on long-lived subscriptions.
var DefaultLegacyProductTiers = map[string]plan.Tier{
	"lingua_plus":  plan.TierBasic,
	"lingua_pro":   plan.TierPremium,
	"lingua_elite": plan.TierGold,
}

func NewResolver(products, legacy map[string]plan.Tier) *Resolver {
	if products == nil {
		products = DefaultProductTiers
	}
	if legacy == nil {
		legacy = DefaultLegacyProductTiers
	}
	return &Resolver{products: products, legacy: legacy}
}

// Resolve applies the strict expiry rule first: any expired entitlement
// voids the whole subscription, even if other slots still claim to be
// active. Otherwise the highest confirmed-active tier wins.
//
// InGracePeriod is always false; the billing provider revokes access itself
// when a grace window lapses, so we never grant one locally.
func (r *Resolver) Resolve(now time.Time, ents []Entitlement) Resolution {
	if len(ents) == 0 {
		return FreeResolution()
	}

	for _, e := range ents {
		if !e.ExpirationDate.IsZero() && e.ExpirationDate.Before(now) {
			return FreeResolution()
		}
	}

	for _, tier := range plan.Descending() {
		for _, e := range ents {
			if !e.Active {
				continue
			}
			if r.TierFor(e.ProductID) == tier {
				return Resolution{
					Tier:           tier,
					ExpirationDate: e.ExpirationDate,
					Active:         true,
					Cancelled:      !e.WillRenew,
				}
			}
		}
	}

	return FreeResolution()
}

// TierFor maps a product identifier to a tier, degrading through exact
// match, suffix match, tier-name substring, and legacy-id substring, in that
// order. Unknown identifiers map to free.
func (r *Resolver) TierFor(productID string) plan.Tier {
	id := strings.ToLower(productID)

	if tier, ok := r.products[id]; ok {
		return tier
	}

	for _, tier := range plan.Descending() {
		if strings.HasSuffix(id, tier.String()) {
			return tier
		}
	}

	for _, tier := range plan.Descending() {
		if strings.Contains(id, tier.String()) {
			return tier
		}
	}

	for _, tier := range plan.Descending() {
		for legacyID, legacyTier := range r.legacy {
			if legacyTier == tier && strings.Contains(id, legacyID) {
				return tier
			}
		}
	}

	return plan.TierFree
}
