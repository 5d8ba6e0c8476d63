package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierOrdering(t *testing.T) {
	assert.True(t, TierFree < TierBasic)
	assert.True(t, TierBasic < TierPremium)
	assert.True(t, TierPremium < TierGold)
}

func TestParseTierRoundTrip(t *testing.T) {
	for _, tier := range []Tier{TierFree, TierBasic, TierPremium, TierGold} {
		assert.Equal(t, tier, ParseTier(tier.String()))
	}
}

func TestParseTierUnknownFallsBackToFree(t *testing.T) {
	assert.Equal(t, TierFree, ParseTier("platinum"))
	assert.Equal(t, TierFree, ParseTier(""))
}

func TestTokenLimitDerivedFromCredits(t *testing.T) {
	all, err := All()
	require.NoError(t, err)
	for _, p := range all {
		assert.Equal(t, p.MonthlyCredits*TokensPerCredit, p.MonthlyTokenLimit, "tier %s", p.Name)
		assert.Equal(t, p.MonthlyTokenLimit, TokenLimit(p.Tier))
	}
}

func TestCreditLimitUnknownTierGetsFree(t *testing.T) {
	assert.Equal(t, CreditLimit(TierFree), CreditLimit(Tier(99)))
}

func TestDescendingSkipsFree(t *testing.T) {
	desc := Descending()
	require.Len(t, desc, 3)
	assert.Equal(t, TierGold, desc[0])
	assert.Equal(t, TierBasic, desc[len(desc)-1])
}
