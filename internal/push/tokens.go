package push

import (
	"context"
	"strings"
	"time"

	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const tokenCacheTTL = 24 * time.Hour

// Registry owns the device token lifecycle. A device holds at most one
// active token, and a token belongs to at most one device; registering
// an existing token from a new device moves it.
type Registry struct {
	store  store.Store
	cache  cache.Cache
	clk    clock.Clock
	logger zerolog.Logger
}

func NewRegistry(st store.Store, c cache.Cache, clk clock.Clock, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  st,
		cache:  c,
		clk:    clk,
		logger: logger.With().Str("component", "push_registry").Logger(),
	}
}

// Register records token as the single active token for deviceID.
// Re-registering the same pair is idempotent.
func (r *Registry) Register(ctx context.Context, deviceID, token string) (*domain.DeviceToken, error) {
	deviceID = strings.TrimSpace(deviceID)
	token = strings.TrimSpace(token)
	if deviceID == "" || token == "" {
		return nil, domain.E(domain.KindValidation, "device id and token are required")
	}

	now := r.clk.Now()
	var result *domain.DeviceToken
	var staleDevices []string

	err := r.store.WithTx(ctx, func(s store.Store) error {
		existing, err := s.DeviceTokens().FindByToken(ctx, token)
		if err != nil {
			return err
		}

		// Retire whatever else the device holds so only one token
		// stays active.
		held, err := s.DeviceTokens().FindAllByDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		for _, h := range held {
			if h.Token == token || !h.Active {
				continue
			}
			h.Active = false
			h.UpdatedAt = now
			if err := s.DeviceTokens().Update(ctx, h); err != nil {
				return err
			}
		}

		if existing != nil {
			if existing.DeviceID != deviceID {
				staleDevices = append(staleDevices, existing.DeviceID)
				existing.DeviceID = deviceID
			}
			existing.Active = true
			existing.UpdatedAt = now
			if err := s.DeviceTokens().Update(ctx, existing); err != nil {
				return err
			}
			result = existing
			return nil
		}

		created := &domain.DeviceToken{
			ID:        uuid.New(),
			DeviceID:  deviceID,
			Token:     token,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.DeviceTokens().Insert(ctx, created); err != nil {
			return err
		}
		result = created
		return nil
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "register device token", err)
	}

	keys := []string{cache.DeviceTokenKey(token), cache.DeviceTokensKey(deviceID)}
	for _, d := range staleDevices {
		keys = append(keys, cache.DeviceTokensKey(d))
	}
	if err := r.cache.Del(ctx, keys...); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to invalidate token cache entries")
	}

	r.logger.Info().Str("device_id", deviceID).Msg("Registered device token")
	return result, nil
}

// Logout removes every token the device holds. Unknown devices are a
// no-op; logout is idempotent.
func (r *Registry) Logout(ctx context.Context, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return domain.E(domain.KindValidation, "device id is required")
	}

	var tokens []string
	err := r.store.WithTx(ctx, func(s store.Store) error {
		held, err := s.DeviceTokens().FindAllByDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		for _, h := range held {
			tokens = append(tokens, h.Token)
		}
		return s.DeviceTokens().DeleteByDevice(ctx, deviceID)
	})
	if err != nil {
		return domain.Wrap(domain.KindInternal, "logout device", err)
	}

	keys := []string{cache.DeviceTokensKey(deviceID)}
	for _, t := range tokens {
		keys = append(keys, cache.DeviceTokenKey(t))
	}
	if err := r.cache.Del(ctx, keys...); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to invalidate token cache entries")
	}

	r.logger.Info().Str("device_id", deviceID).Int("tokens", len(tokens)).Msg("Device logged out")
	return nil
}
