// Package pricing converts raw usage counters into monetary cost. All
// functions are pure; costs are always derived from counters on demand and
// never stored.
package pricing

import (
	"math"

	"github.com/fluentloop/metering/internal/plan"
)

// Per-unit rates in USD.
const (
	TranscriptionPerMinute   = 0.30
	LLMInputPerMillionTokens = 0.10
	LLMOutputPerMillionTok   = 0.40
	TTSPerMillionCharacters  = 16.0

	// charactersPerToken is a rough conversion for token estimation. It is
	// an approximation, not a tokenizer.
	charactersPerToken = 4
)

// Counters are the raw usage totals for one billing period.
type Counters struct {
	TranscriptionMinutes float64 `json:"transcription_minutes"`
	LLMInputTokens       int64   `json:"llm_input_tokens"`
	LLMOutputTokens      int64   `json:"llm_output_tokens"`
	TTSCharacters        int64   `json:"tts_characters"`
}

// Add returns the field-wise sum of two counter sets.
func (c Counters) Add(d Counters) Counters {
	return Counters{
		TranscriptionMinutes: c.TranscriptionMinutes + d.TranscriptionMinutes,
		LLMInputTokens:       c.LLMInputTokens + d.LLMInputTokens,
		LLMOutputTokens:      c.LLMOutputTokens + d.LLMOutputTokens,
		TTSCharacters:        c.TTSCharacters + d.TTSCharacters,
	}
}

// IsZero reports whether every counter is zero.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Costs is the derived monetary view of a counter set.
type Costs struct {
	TranscriptionUSD float64 `json:"transcription_usd"`
	LLMInputUSD      float64 `json:"llm_input_usd"`
	LLMOutputUSD     float64 `json:"llm_output_usd"`
	TTSUSD           float64 `json:"tts_usd"`
	TotalUSD         float64 `json:"total_usd"`
}

// Cost computes the cost of a counter set. Negative or NaN inputs are
// treated as zero so a corrupt counter can never produce a NaN bill.
func Cost(c Counters) Costs {
	costs := Costs{
		TranscriptionUSD: nonNegative(c.TranscriptionMinutes) * TranscriptionPerMinute,
		LLMInputUSD:      float64(nonNegativeInt(c.LLMInputTokens)) / 1_000_000 * LLMInputPerMillionTokens,
		LLMOutputUSD:     float64(nonNegativeInt(c.LLMOutputTokens)) / 1_000_000 * LLMOutputPerMillionTok,
		TTSUSD:           float64(nonNegativeInt(c.TTSCharacters)) / 1_000_000 * TTSPerMillionCharacters,
	}
	costs.TotalUSD = costs.TranscriptionUSD + costs.LLMInputUSD + costs.LLMOutputUSD + costs.TTSUSD
	return costs
}

// EstimateTokens estimates the token count of a text using a fixed
// characters-per-token ratio.
func EstimateTokens(text string) int64 {
	runes := len([]rune(text))
	if runes == 0 {
		return 0
	}
	return int64(math.Ceil(float64(runes) / charactersPerToken))
}

// CreditsToTokens converts credits to tokens at the fixed 100:1 ratio.
func CreditsToTokens(credits float64) float64 {
	return nonNegative(credits) * plan.TokensPerCredit
}

// TokensToCredits converts tokens back to credits.
func TokensToCredits(tokens float64) float64 {
	return nonNegative(tokens) / plan.TokensPerCredit
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

func nonNegativeInt(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
