package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluentloop/metering/internal/accesskey"
	"github.com/fluentloop/metering/internal/entitlement"
	"github.com/fluentloop/metering/internal/ledger"
	"github.com/fluentloop/metering/internal/plan"
	"github.com/fluentloop/metering/internal/pricing"
	"github.com/fluentloop/metering/pkg/ratelimit"
)

// UsageService is the slice of the ledger the handlers need.
type UsageService interface {
	GetUsage(ctx context.Context, userID string) (*ledger.MonthlyUsage, error)
	TrackUsage(ctx context.Context, userID string, delta pricing.Counters) (*ledger.MonthlyUsage, error)
	ForceExceedQuota(ctx context.Context, userID string) (*ledger.MonthlyUsage, error)
}

type Handler struct {
	usage   UsageService
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	log     zerolog.Logger
}

func NewHandler(usage UsageService, limiter *ratelimit.Limiter, tracer trace.Tracer, log zerolog.Logger) *Handler {
	return &Handler{
		usage:   usage,
		limiter: limiter,
		tracer:  tracer,
		log:     log,
	}
}

// HandleUsage returns the caller's usage for the current billing period,
// costs recomputed from the raw counters.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(ctx, "metering.usage")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	usage, err := h.usage.GetUsage(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("get usage failed")
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	writeJSON(w, http.StatusOK, usage)
}

type trackRequest struct {
	TranscriptionMinutes float64 `json:"transcription_minutes"`
	LLMInputTokens       int64   `json:"llm_input_tokens"`
	LLMOutputTokens      int64   `json:"llm_output_tokens"`
	TTSCharacters        int64   `json:"tts_characters"`
	// Text, if set, is estimated into input tokens instead of an exact count.
	Text string `json:"text,omitempty"`
}

// HandleTrack records a usage delta. Missing fields count as zero; a write
// failure is surfaced to the caller, never swallowed, because it means a
// billable action may have gone uncounted.
func (h *Handler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	allowed, err := h.limiter.Allow(ctx, userID)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctx, span := h.tracer.Start(ctx, "metering.track")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", accesskey.GetRequestID(ctx)),
	)

	delta := pricing.Counters{
		TranscriptionMinutes: req.TranscriptionMinutes,
		LLMInputTokens:       req.LLMInputTokens,
		LLMOutputTokens:      req.LLMOutputTokens,
		TTSCharacters:        req.TTSCharacters,
	}
	if req.Text != "" {
		delta.LLMInputTokens += pricing.EstimateTokens(req.Text)
	}

	usage, err := h.usage.TrackUsage(ctx, userID, delta)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("track usage failed")
		writeError(w, http.StatusInternalServerError, "failed to record usage")
		return
	}

	writeJSON(w, http.StatusOK, usage)
}

// HandleQuota is the gate the client checks before starting a billable
// operation.
func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	usage, err := h.usage.GetUsage(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("quota check failed")
		writeError(w, http.StatusInternalServerError, "failed to check quota")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"has_quota":    usage.PercentUsed < 100,
		"percent_used": usage.PercentUsed,
		"tier":         usage.Tier,
		"credit_limit": usage.CreditLimit,
	})
}

// HandlePlans lists the purchasable plans. An empty plan table is a
// configuration problem but not a hard failure: log it and report no
// packages available.
func (h *Handler) HandlePlans(w http.ResponseWriter, r *http.Request) {
	all, err := plan.All()
	if err != nil {
		if errors.Is(err, plan.ErrNoPlans) {
			h.log.Warn().Msg("no subscription plans configured")
			writeJSON(w, http.StatusOK, map[string]interface{}{"plans": []plan.Plan{}})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load plans")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": all})
}

type refreshRequest struct {
	Cancelled bool `json:"cancelled"`
}

// HandleRefresh re-reads entitlements after a purchase flow, distinguishing
// a cancelled purchase (an outcome, nothing changes, the call succeeds)
// from a genuine failure the user should retry.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req refreshRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	usage, err := h.refresh(ctx, userID, req.Cancelled)
	if errors.Is(err, entitlement.ErrUserCancelled) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("entitlement refresh failed")
		writeError(w, http.StatusBadGateway, "entitlement refresh failed, please retry")
		return
	}

	writeJSON(w, http.StatusOK, usage)
}

// refresh reconciles the stored tier through the usual read path. A
// cancelled purchase flow maps to ErrUserCancelled so the caller decides
// outcome versus failure at one place.
func (h *Handler) refresh(ctx context.Context, userID string, cancelled bool) (*ledger.MonthlyUsage, error) {
	if cancelled {
		return nil, entitlement.ErrUserCancelled
	}
	return h.usage.GetUsage(ctx, userID)
}

// HandleExceedQuota pins the caller at 100% usage. Administrative/test
// hook; it routes through the normal tracking path.
func (h *Handler) HandleExceedQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	usage, err := h.usage.ForceExceedQuota(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("force exceed quota failed")
		writeError(w, http.StatusInternalServerError, "failed to exceed quota")
		return
	}

	writeJSON(w, http.StatusOK, usage)
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := accesskey.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
