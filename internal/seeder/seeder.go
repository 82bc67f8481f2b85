package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/taskpilot/internal/auth"
)

const (
	TestAPIKey = "test-api-key-12345"
	TestUserID = "00000000-0000-0000-0000-000000000001"
)

func SeedTestAPIKey(ctx context.Context, store auth.Store, logger zerolog.Logger) {
	h := sha256.New()
	h.Write([]byte(TestAPIKey))
	keyHash := hex.EncodeToString(h.Sum(nil))

	apiKey := &auth.APIKey{
		UserID:  TestUserID,
		KeyHash: keyHash,
		Active:  true,
	}

	err := store.Create(ctx, apiKey)
	if err != nil {
		logger.Info().Err(err).Msg("seeder: api key may already exist, skipping")
		return
	}
	logger.Info().Str("key", TestAPIKey).Str("user_id", TestUserID).Msg("seeder: test api key created")
}
