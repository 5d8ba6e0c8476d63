package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/fluentloop/metering/internal/period"
	"github.com/fluentloop/metering/internal/plan"
	"github.com/fluentloop/metering/internal/pricing"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresStore struct {
	db  DB
	log zerolog.Logger
}

func NewPostgresStore(db DB, log zerolog.Logger) Store {
	return &PostgresStore{db: db, log: log}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Record, error) {
	query := `
		SELECT s.subscription_tier, s.created_at,
		       u.period_start, u.period_end,
		       u.transcription_minutes, u.llm_input_tokens, u.llm_output_tokens, u.tts_characters,
		       u.daily_usage, u.updated_at
		FROM subscriptions s
		JOIN usage_ledger u ON u.user_id = s.user_id
		WHERE s.user_id = $1
	`

	var (
		tierName  string
		createdAt time.Time
		rec       = Record{UserID: userID}
		rawDaily  []byte
	)
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&tierName, &createdAt,
		&rec.Period.Start, &rec.Period.End,
		&rec.Counters.TranscriptionMinutes, &rec.Counters.LLMInputTokens,
		&rec.Counters.LLMOutputTokens, &rec.Counters.TTSCharacters,
		&rawDaily, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}

	rec.Tier = plan.ParseTier(tierName)
	rec.AnchorDay = createdAt.UTC().Day()
	rec.Daily = decodeDaily(rawDaily, s.log, userID)
	return &rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions (user_id, subscription_tier, billing_cycle_start, billing_cycle_end)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING
	`, rec.UserID, rec.Tier.String(), rec.Period.Start, rec.Period.End)
	if err != nil {
		return fmt.Errorf("failed to create subscription row: %w", err)
	}

	daily, err := json.Marshal(rec.Daily)
	if err != nil {
		return fmt.Errorf("failed to encode daily usage: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO usage_ledger (user_id, period_start, period_end,
			transcription_minutes, llm_input_tokens, llm_output_tokens, tts_characters, daily_usage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO NOTHING
	`, rec.UserID, rec.Period.Start, rec.Period.End,
		rec.Counters.TranscriptionMinutes, rec.Counters.LLMInputTokens,
		rec.Counters.LLMOutputTokens, rec.Counters.TTSCharacters, daily)
	if err != nil {
		return fmt.Errorf("failed to create usage row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit create: %w", err)
	}
	return nil
}

// Increment adds delta to the monthly counters and to the given day's entry
// in one UPDATE. Every addition references the current column value inside
// the statement, so concurrent increments serialize on the row lock and
// none are lost.
func (s *PostgresStore) Increment(ctx context.Context, userID, day string, delta pricing.Counters) (*Record, error) {
	query := `
		UPDATE usage_ledger SET
			transcription_minutes = transcription_minutes + $2,
			llm_input_tokens = llm_input_tokens + $3,
			llm_output_tokens = llm_output_tokens + $4,
			tts_characters = tts_characters + $5,
			daily_usage = jsonb_set(
				COALESCE(daily_usage, '{}'::jsonb),
				ARRAY[$6],
				jsonb_build_object(
					'transcription_minutes', COALESCE((daily_usage #>> ARRAY[$6, 'transcription_minutes'])::double precision, 0) + $2,
					'llm_input_tokens', COALESCE((daily_usage #>> ARRAY[$6, 'llm_input_tokens'])::bigint, 0) + $3,
					'llm_output_tokens', COALESCE((daily_usage #>> ARRAY[$6, 'llm_output_tokens'])::bigint, 0) + $4,
					'tts_characters', COALESCE((daily_usage #>> ARRAY[$6, 'tts_characters'])::bigint, 0) + $5
				),
				true
			),
			updated_at = now()
		WHERE user_id = $1
		RETURNING period_start, period_end,
			transcription_minutes, llm_input_tokens, llm_output_tokens, tts_characters,
			daily_usage, updated_at
	`

	var (
		rec      = Record{UserID: userID}
		rawDaily []byte
	)
	err := s.db.QueryRow(ctx, query, userID, delta.TranscriptionMinutes,
		delta.LLMInputTokens, delta.LLMOutputTokens, delta.TTSCharacters, day,
	).Scan(
		&rec.Period.Start, &rec.Period.End,
		&rec.Counters.TranscriptionMinutes, &rec.Counters.LLMInputTokens,
		&rec.Counters.LLMOutputTokens, &rec.Counters.TTSCharacters,
		&rawDaily, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}

	rec.Daily = decodeDaily(rawDaily, s.log, userID)
	return &rec, nil
}

// RollOver installs a new billing window only if the stored one ended
// before now. The period_end guard makes racing rollovers collapse to one
// winner; a loser sees zero rows, reports false, and the caller re-reads,
// so an increment landing between two racing rollovers is never destroyed.
func (s *PostgresStore) RollOver(ctx context.Context, userID string, p period.Period, tier plan.Tier, now time.Time) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin rollover: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE usage_ledger SET
			period_start = $2, period_end = $3,
			transcription_minutes = 0, llm_input_tokens = 0, llm_output_tokens = 0, tts_characters = 0,
			daily_usage = '{}'::jsonb,
			updated_at = now()
		WHERE user_id = $1 AND period_end < $4
	`, userID, p.Start, p.End, now)
	if err != nil {
		return false, fmt.Errorf("failed to roll over usage row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else already rolled this period over.
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE subscriptions SET
			subscription_tier = $2, billing_cycle_start = $3, billing_cycle_end = $4, updated_at = now()
		WHERE user_id = $1
	`, userID, tier.String(), p.Start, p.End)
	if err != nil {
		return false, fmt.Errorf("failed to roll over subscription row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit rollover: %w", err)
	}
	return true, nil
}

// ResetPeriod zeroes the counters and daily map and installs a new billing
// window and tier unconditionally. Only the reconciler's deliberate
// downgrade reset uses it; lazy rollover goes through RollOver.
func (s *PostgresStore) ResetPeriod(ctx context.Context, userID string, p period.Period, tier plan.Tier) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE usage_ledger SET
			period_start = $2, period_end = $3,
			transcription_minutes = 0, llm_input_tokens = 0, llm_output_tokens = 0, tts_characters = 0,
			daily_usage = '{}'::jsonb,
			updated_at = now()
		WHERE user_id = $1
	`, userID, p.Start, p.End)
	if err != nil {
		return fmt.Errorf("failed to reset usage row: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE subscriptions SET
			subscription_tier = $2, billing_cycle_start = $3, billing_cycle_end = $4, updated_at = now()
		WHERE user_id = $1
	`, userID, tier.String(), p.Start, p.End)
	if err != nil {
		return fmt.Errorf("failed to reset subscription row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTier(ctx context.Context, userID string, tier plan.Tier) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions SET subscription_tier = $2, updated_at = now()
		WHERE user_id = $1
	`, userID, tier.String())
	if err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActive(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id FROM usage_ledger WHERE updated_at >= $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan active user: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active users: %w", err)
	}
	return users, nil
}
