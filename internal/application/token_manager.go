package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/metrics"
	"cmis-platform-sync/internal/ports"
)

// DefaultRefreshLookahead is how far ahead of expiry a credential counts as
// expiring soon and gets refreshed proactively.
const DefaultRefreshLookahead = 2 * time.Hour

// ConnectorRegistry resolves platform keys to connectors. Satisfied by the
// connectors package registry; tests substitute fakes.
type ConnectorRegistry interface {
	Get(platform string) (ports.Connector, error)
}

// TokenManager owns the credential lifecycle: health classification against
// the refresh lookahead, proactive refresh, and encryption of token material
// before it reaches storage.
type TokenManager struct {
	integrationRepo ports.IntegrationRepository
	registry        ConnectorRegistry
	encryption      ports.EncryptionService
	lookahead       time.Duration
	metrics         *metrics.Metrics
	logger          zerolog.Logger
	now             func() time.Time
}

// NewTokenManager creates the manager. A zero lookahead falls back to the
// default.
func NewTokenManager(
	integrationRepo ports.IntegrationRepository,
	registry ConnectorRegistry,
	encryption ports.EncryptionService,
	lookahead time.Duration,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *TokenManager {
	if lookahead <= 0 {
		lookahead = DefaultRefreshLookahead
	}
	return &TokenManager{
		integrationRepo: integrationRepo,
		registry:        registry,
		encryption:      encryption,
		lookahead:       lookahead,
		metrics:         m,
		logger:          logger,
		now:             time.Now,
	}
}

// Health classifies the integration's credential against the lookahead
// window. Integrations without an expiry (admin tokens) are always valid.
func (m *TokenManager) Health(integration *domain.Integration) domain.TokenHealth {
	if integration.TokenExpiresAt == nil {
		return domain.TokenValid
	}
	now := m.now()
	switch {
	case !integration.TokenExpiresAt.After(now):
		return domain.TokenExpired
	case integration.TokenExpiresAt.Before(now.Add(m.lookahead)):
		return domain.TokenExpiringSoon
	default:
		return domain.TokenValid
	}
}

// EnsureValid returns the integration with decrypted, usable credentials,
// refreshing them first when they are expired or inside the lookahead window.
//
// When the refresh fails but the current token has not lapsed yet, EnsureValid
// returns the still-usable integration together with an error wrapping
// domain.ErrCredentialRefreshFailed: the caller may proceed with the token,
// but must keep the failure reason visible instead of reporting a clean run.
//
// The caller must hold the integration lock; the refresh grant invalidates
// the old refresh token on most platforms, so two concurrent refreshes would
// strand the integration.
func (m *TokenManager) EnsureValid(ctx context.Context, integration *domain.Integration) (*domain.Integration, error) {
	health := m.Health(integration)
	if health == domain.TokenValid {
		return m.DecryptTokens(integration)
	}

	if !integration.HasRefreshToken() {
		if health == domain.TokenExpired {
			// Reconnect is the only recovery; do not burn an API call.
			return nil, fmt.Errorf("integration %s: %w", integration.ID, domain.ErrCredentialExpired)
		}
		// Expiring soon but not refreshable; usable until it actually lapses.
		return m.DecryptTokens(integration)
	}

	plain, err := m.DecryptTokens(integration)
	if err != nil {
		return nil, err
	}

	connector, err := m.registry.Get(integration.Platform)
	if err != nil {
		return nil, err
	}

	refreshed, err := connector.RefreshToken(ctx, plain)
	if err != nil {
		m.metrics.TokenRefresh.WithLabelValues(integration.Platform, "failure").Inc()
		m.logger.Warn().Err(err).
			Str("integration_id", integration.ID).
			Str("platform", integration.Platform).
			Msg("Credential refresh failed")
		if health == domain.TokenExpired {
			return nil, fmt.Errorf("%w: %v", domain.ErrCredentialRefreshFailed, err)
		}
		// Still inside the validity window; the current token carries this
		// attempt, but the failure travels with it.
		return plain, fmt.Errorf("%w: %v", domain.ErrCredentialRefreshFailed, err)
	}
	m.metrics.TokenRefresh.WithLabelValues(integration.Platform, "success").Inc()

	if err := m.persistTokens(ctx, refreshed); err != nil {
		return nil, err
	}
	m.logger.Info().
		Str("integration_id", integration.ID).
		Str("platform", integration.Platform).
		Time("expires_at", derefTime(refreshed.TokenExpiresAt)).
		Msg("Credential refreshed")
	return refreshed, nil
}

// persistTokens stores the refreshed integration with encrypted credentials.
func (m *TokenManager) persistTokens(ctx context.Context, integration *domain.Integration) error {
	encrypted, err := m.EncryptTokens(integration)
	if err != nil {
		return err
	}
	if err := m.integrationRepo.Update(ctx, encrypted); err != nil {
		return fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	return nil
}

// EncryptTokens returns a copy with credential fields encrypted for storage.
func (m *TokenManager) EncryptTokens(integration *domain.Integration) (*domain.Integration, error) {
	out := *integration
	if integration.AccessToken != "" {
		enc, err := m.encryption.Encrypt(integration.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
		out.AccessToken = enc
	}
	if integration.RefreshToken != "" {
		enc, err := m.encryption.Encrypt(integration.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		out.RefreshToken = enc
	}
	return &out, nil
}

// DecryptTokens returns a copy with credential fields decrypted for use.
func (m *TokenManager) DecryptTokens(integration *domain.Integration) (*domain.Integration, error) {
	out := *integration
	if integration.AccessToken != "" {
		plain, err := m.encryption.Decrypt(integration.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		out.AccessToken = plain
	}
	if integration.RefreshToken != "" {
		plain, err := m.encryption.Decrypt(integration.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		out.RefreshToken = plain
	}
	return &out, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
