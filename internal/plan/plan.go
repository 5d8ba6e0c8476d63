package plan

import (
	"errors"
)

var ErrNoPlans = errors.New("no subscription plans configured")

// Tier is an internal subscription level. Ordering matters: higher values
// grant higher monthly limits.
type Tier int

const (
	TierFree Tier = iota
	TierBasic
	TierPremium
	TierGold
)

var tierNames = map[Tier]string{
	TierFree:    "free",
	TierBasic:   "basic",
	TierPremium: "premium",
	TierGold:    "gold",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "free"
}

// ParseTier maps a stored tier name back to a Tier. Unknown names fall back
// to free so a bad row can never grant paid access.
func ParseTier(name string) Tier {
	for t, n := range tierNames {
		if n == name {
			return t
		}
	}
	return TierFree
}

// TokensPerCredit is the fixed conversion between credits and tokens.
const TokensPerCredit = 100

// Plan describes one purchasable subscription level.
type Plan struct {
	Tier              Tier    `json:"tier"`
	Name              string  `json:"name"`
	MonthlyCredits    float64 `json:"monthly_credits"`
	MonthlyTokenLimit float64 `json:"monthly_token_limit"`
	PriceUSD          float64 `json:"price_usd"`
}

// plans is the single source of truth for per-tier limits. Token limits are
// derived from credits, never set independently.
var plans = []Plan{
	{Tier: TierFree, Name: "free", MonthlyCredits: 0.50, PriceUSD: 0},
	{Tier: TierBasic, Name: "basic", MonthlyCredits: 5, PriceUSD: 4.99},
	{Tier: TierPremium, Name: "premium", MonthlyCredits: 10, PriceUSD: 9.99},
	{Tier: TierGold, Name: "gold", MonthlyCredits: 20, PriceUSD: 19.99},
}

func init() {
	for i := range plans {
		plans[i].MonthlyTokenLimit = plans[i].MonthlyCredits * TokensPerCredit
	}
}

// All returns every configured plan in ascending tier order.
func All() ([]Plan, error) {
	if len(plans) == 0 {
		return nil, ErrNoPlans
	}
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out, nil
}

// Descending returns the paid tiers from highest to lowest, the order the
// entitlement resolver checks them in.
func Descending() []Tier {
	return []Tier{TierGold, TierPremium, TierBasic}
}

// CreditLimit returns the monthly credit allowance for a tier. Unknown tiers
// get the free allowance.
func CreditLimit(t Tier) float64 {
	for _, p := range plans {
		if p.Tier == t {
			return p.MonthlyCredits
		}
	}
	return plans[0].MonthlyCredits
}

// TokenLimit returns the monthly token allowance derived from the credit
// limit.
func TokenLimit(t Tier) float64 {
	return CreditLimit(t) * TokensPerCredit
}
