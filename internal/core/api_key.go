package core

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/logging"
	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/platform"
	"github.com/wiregate/wiregate/internal/store"
)

// apiKeyBytes is the entropy of a generated key before encoding.
const apiKeyBytes = 32

// APIKeyService manages the keys that authenticate the external edge.
type APIKeyService struct {
	store  store.RecordStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewAPIKeyService creates a new APIKeyService.
func NewAPIKeyService(st store.RecordStore, logger zerolog.Logger) *APIKeyService {
	return &APIKeyService{
		store:  st,
		logger: logger.With().Str("component", "api-keys").Logger(),
		now:    time.Now,
	}
}

// Create generates and stores a new key. A nil expiry never expires. The
// returned key is the only time the raw value is handed out.
func (s *APIKeyService) Create(ctx context.Context, expire *time.Time) (*model.APIKey, error) {
	now := s.now().UTC()
	if expire != nil && !expire.After(now) {
		return nil, model.Invalid("create api key", "expiry %s is not in the future", expire.Format(time.RFC3339))
	}
	k := &model.APIKey{
		Key:       platform.NewToken(apiKeyBytes),
		CreatedAt: now,
		ExpiredAt: expire,
	}
	if err := s.store.CreateAPIKey(ctx, k); err != nil {
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	s.logger.Info().Str("key", logging.TruncateKey(k.Key)).Msg("api key created")
	return k, nil
}

// List returns every stored key, expired ones included.
func (s *APIKeyService) List(ctx context.Context) ([]model.APIKey, error) {
	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// Delete removes a key.
func (s *APIKeyService) Delete(ctx context.Context, key string) error {
	if err := s.store.DeleteAPIKey(ctx, key); err != nil {
		return fmt.Errorf("delete api key %s: %w", logging.TruncateKey(key), err)
	}
	s.logger.Info().Str("key", logging.TruncateKey(key)).Msg("api key deleted")
	return nil
}

// Authenticate reports whether key matches a stored key that has not expired.
func (s *APIKeyService) Authenticate(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return false, fmt.Errorf("authenticate api key: %w", err)
	}
	now := s.now()
	ok := false
	for i := range keys {
		if subtle.ConstantTimeCompare([]byte(keys[i].Key), []byte(key)) == 1 && keys[i].Valid(now) {
			ok = true
		}
	}
	return ok, nil
}
