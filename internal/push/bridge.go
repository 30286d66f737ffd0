// Package push is the vendor push bridge. It sends silent and alert
// notifications to an Apple-style HTTP/2 gateway for devices without an
// open push channel. Everything here is fire-and-forget from the
// caller's perspective; a gateway failure never fails the request that
// triggered it.
package push

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adred-codev/vanish/internal/async"
	"github.com/adred-codev/vanish/internal/cache"
	"github.com/adred-codev/vanish/internal/clock"
	"github.com/adred-codev/vanish/internal/domain"
	"github.com/adred-codev/vanish/internal/monitoring"
	"github.com/adred-codev/vanish/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

// Config wires the bridge to the external gateway.
type Config struct {
	Enabled    bool
	GatewayURL string
	Topic      string // bundle id the gateway routes on
	KeyID      string
	TeamID     string
	KeyPath    string
	// DispatchRate caps outbound notifications per second.
	DispatchRate float64
}

// Bridge resolves device tokens and dispatches notifications in
// parallel on the shared task pool. One device's failure never affects
// another's dispatch.
type Bridge struct {
	cfg      Config
	store    store.Store
	cache    cache.Cache
	client   *http.Client
	provider *providerToken
	pool     *async.Pool
	limiter  *rate.Limiter
	clk      clock.Clock
	logger   zerolog.Logger
}

// New builds the production bridge with an HTTP/2 client and the ES256
// provider token. With Enabled=false every notify call is a no-op.
func New(cfg Config, st store.Store, c cache.Cache, pool *async.Pool, clk clock.Clock, logger zerolog.Logger) (*Bridge, error) {
	b := &Bridge{
		cfg:     cfg,
		store:   st,
		cache:   c,
		pool:    pool,
		clk:     clk,
		logger:  logger.With().Str("component", "push").Logger(),
		limiter: rate.NewLimiter(rate.Limit(dispatchRate(cfg)), 100),
	}
	if !cfg.Enabled {
		return b, nil
	}

	provider, err := newProviderToken(cfg.KeyID, cfg.TeamID, cfg.KeyPath, clk)
	if err != nil {
		return nil, err
	}
	b.provider = provider
	b.client = &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http2.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	return b, nil
}

func dispatchRate(cfg Config) float64 {
	if cfg.DispatchRate > 0 {
		return cfg.DispatchRate
	}
	return 100
}

// NotifyNewMessage wakes every active participant except the sender
// with a silent push.
func (b *Bridge) NotifyNewMessage(ctx context.Context, conv *domain.Conversation, excludeDeviceID string) {
	if !b.cfg.Enabled {
		return
	}
	body, err := silentPayload(RoutingHash(conv.ID))
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to build silent payload")
		return
	}
	b.fanOutActive(ctx, conv.ID, excludeDeviceID, body, "background", "new_message")
}

// NotifyConversationDeleted alerts every participant except the caller
// that tore the conversation down. Teardown departs everyone before
// this runs, so recipients come from the full participant rows, not the
// active set.
func (b *Bridge) NotifyConversationDeleted(ctx context.Context, conv *domain.Conversation, excludeDeviceID string) {
	if !b.cfg.Enabled {
		return
	}
	body, err := typedAlertPayload(RoutingHash(conv.ID), TypeDeleted, "Conversation deleted", "This conversation is no longer available.")
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to build deleted payload")
		return
	}
	b.fanOutAll(ctx, conv.ID, excludeDeviceID, body, "alert", "conversation_deleted")
}

// NotifyConversationExpired alerts every device that ever joined,
// departed or not; expiry concerns them all.
func (b *Bridge) NotifyConversationExpired(ctx context.Context, conv *domain.Conversation) {
	if !b.cfg.Enabled {
		return
	}
	body, err := typedAlertPayload(RoutingHash(conv.ID), TypeExpired, "Conversation expired", "This conversation has reached its time limit.")
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to build expired payload")
		return
	}
	b.fanOutAll(ctx, conv.ID, "", body, "alert", "conversation_expired")
}

func (b *Bridge) fanOutActive(ctx context.Context, convID uuid.UUID, excludeDeviceID string, body []byte, pushType, kind string) {
	participants, err := b.store.Participants().FindActiveByConversation(ctx, convID)
	if err != nil {
		b.logger.Error().Err(err).Stringer("conversation_id", convID).Msg("Failed to resolve participants for push")
		return
	}
	b.dispatchToDevices(ctx, excludeDevice(participants, excludeDeviceID), body, pushType, kind)
}

// fanOutAll targets every participant row ever created, including
// departed ones.
func (b *Bridge) fanOutAll(ctx context.Context, convID uuid.UUID, excludeDeviceID string, body []byte, pushType, kind string) {
	participants, err := b.store.Participants().FindByConversation(ctx, convID)
	if err != nil {
		b.logger.Error().Err(err).Stringer("conversation_id", convID).Msg("Failed to resolve participants for push")
		return
	}
	b.dispatchToDevices(ctx, excludeDevice(participants, excludeDeviceID), body, pushType, kind)
}

func excludeDevice(participants []*domain.Participant, excludeDeviceID string) []string {
	devices := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.DeviceID != excludeDeviceID {
			devices = append(devices, p.DeviceID)
		}
	}
	return devices
}

func (b *Bridge) dispatchToDevices(ctx context.Context, deviceIDs []string, body []byte, pushType, kind string) {
	if len(deviceIDs) == 0 {
		return
	}
	tokens, err := b.store.DeviceTokens().FindActiveByDevices(ctx, deviceIDs)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to resolve device tokens for push")
		return
	}
	for _, tok := range tokens {
		token := tok.Token
		b.pool.Submit(func() {
			taskCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := b.limiter.Wait(taskCtx); err != nil {
				return
			}
			if err := b.send(taskCtx, token, body, pushType); err != nil {
				monitoring.PushFailures.Inc()
				b.logger.Warn().Err(err).Str("kind", kind).Msg("Push dispatch failed")
				return
			}
			monitoring.PushSent.WithLabelValues(kind).Inc()
		})
	}
}

// gatewayError is the rejection body returned by the vendor gateway.
type gatewayError struct {
	Reason string `json:"reason"`
}

func (b *Bridge) send(ctx context.Context, token string, body []byte, pushType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.cfg.GatewayURL+"/3/device/"+token, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if b.provider != nil {
		bearer, err := b.provider.bearer()
		if err != nil {
			return err
		}
		req.Header.Set("authorization", "bearer "+bearer)
	}
	req.Header.Set("apns-topic", b.cfg.Topic)
	req.Header.Set("apns-push-type", pushType)
	if pushType == "background" {
		req.Header.Set("apns-priority", "5")
	} else {
		req.Header.Set("apns-priority", "10")
	}
	req.Header.Set("content-type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ge gatewayError
	_ = json.Unmarshal(raw, &ge)

	if ge.Reason == "BadDeviceToken" || ge.Reason == "Unregistered" {
		b.deactivateToken(ctx, token)
	}
	return fmt.Errorf("gateway rejected push: status=%d reason=%s", resp.StatusCode, ge.Reason)
}

// deactivateToken retires a token the gateway will never accept again
// and clears its cache entries.
func (b *Bridge) deactivateToken(ctx context.Context, token string) {
	var deviceID string
	err := b.store.WithTx(ctx, func(s store.Store) error {
		existing, err := s.DeviceTokens().FindByToken(ctx, token)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		deviceID = existing.DeviceID
		return s.DeviceTokens().DeactivateByToken(ctx, token)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to deactivate rejected token")
		return
	}
	monitoring.PushTokensDeactivated.Inc()

	keys := []string{cache.DeviceTokenKey(token)}
	if deviceID != "" {
		keys = append(keys, cache.DeviceTokensKey(deviceID))
	}
	if err := b.cache.Del(ctx, keys...); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to invalidate token cache entries")
	}
	b.logger.Info().Str("device_id", deviceID).Msg("Deactivated rejected device token")
}
