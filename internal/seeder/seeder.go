package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rs/zerolog"

	"github.com/fluentloop/metering/internal/accesskey"
)

const (
	TestAccessKey = "test-access-key-12345"
	TestUserID    = "00000000-0000-0000-0000-000000000001"
)

func SeedTestAccessKey(ctx context.Context, store accesskey.Store, log zerolog.Logger) {
	h := sha256.New()
	h.Write([]byte(TestAccessKey))
	keyHash := hex.EncodeToString(h.Sum(nil))

	key := &accesskey.AccessKey{
		UserID:  TestUserID,
		KeyHash: keyHash,
		Active:  true,
	}

	if err := store.Create(ctx, key); err != nil {
		log.Info().Err(err).Msg("seeder: access key may already exist, skipping")
		return
	}
	log.Info().
		Str("key", TestAccessKey).
		Str("user_id", TestUserID).
		Msg("seeder: test access key created")
}
