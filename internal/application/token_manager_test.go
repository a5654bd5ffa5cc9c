package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmis-platform-sync/internal/domain"
)

func tokenIntegration(expiresIn *time.Duration, refreshToken string, now time.Time) *domain.Integration {
	i := &domain.Integration{
		ID:           "int-1",
		OrgID:        "org-1",
		Platform:     domain.PlatformTikTok,
		AccessToken:  "enc:access",
		RefreshToken: refreshToken,
		IsActive:     true,
	}
	if expiresIn != nil {
		at := now.Add(*expiresIn)
		i.TokenExpiresAt = &at
	}
	return i
}

func dur(d time.Duration) *time.Duration { return &d }

func TestHealthClassification(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresIn *time.Duration
		want      domain.TokenHealth
	}{
		{"no expiry is always valid", nil, domain.TokenValid},
		{"well outside the window", dur(48 * time.Hour), domain.TokenValid},
		{"just outside the window", dur(2*time.Hour + time.Minute), domain.TokenValid},
		{"inside the window", dur(time.Hour), domain.TokenExpiringSoon},
		{"at expiry", dur(0), domain.TokenExpired},
		{"past expiry", dur(-time.Hour), domain.TokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewTokenManager(newFakeIntegrationRepo(), newStubRegistry(), fakeEncryption{}, 0, newTestMetrics(), zerolog.Nop())
			m.now = func() time.Time { return now }
			assert.Equal(t, tt.want, m.Health(tokenIntegration(tt.expiresIn, "", now)))
		})
	}
}

func TestEnsureValidDecryptsWithoutRefreshWhenValid(t *testing.T) {
	now := time.Now()
	integration := tokenIntegration(dur(72*time.Hour), "enc:refresh", now)
	connector := &stubConnector{platform: domain.PlatformTikTok}
	repo := newFakeIntegrationRepo(integration)

	m := NewTokenManager(repo, newStubRegistry(connector), fakeEncryption{}, 0, newTestMetrics(), zerolog.Nop())
	plain, err := m.EnsureValid(context.Background(), integration)

	require.NoError(t, err)
	assert.Equal(t, "access", plain.AccessToken)
	assert.Equal(t, "refresh", plain.RefreshToken)
	assert.Zero(t, connector.refreshCalls)
}

func TestEnsureValidExpiredWithoutRefreshTokenNeedsReconnect(t *testing.T) {
	integration := tokenIntegration(dur(-time.Hour), "", time.Now())
	connector := &stubConnector{platform: domain.PlatformTikTok}

	m := NewTokenManager(newFakeIntegrationRepo(integration), newStubRegistry(connector), fakeEncryption{}, 0, newTestMetrics(), zerolog.Nop())
	_, err := m.EnsureValid(context.Background(), integration)

	require.ErrorIs(t, err, domain.ErrCredentialExpired)
	assert.Zero(t, connector.refreshCalls, "no API call when only a reconnect can help")
}

func TestEnsureValidExpiringSoonWithoutRefreshTokenIsUsable(t *testing.T) {
	integration := tokenIntegration(dur(time.Hour), "", time.Now())
	m := NewTokenManager(newFakeIntegrationRepo(integration), newStubRegistry(), fakeEncryption{}, 0, newTestMetrics(), zerolog.Nop())

	plain, err := m.EnsureValid(context.Background(), integration)
	require.NoError(t, err)
	assert.Equal(t, "access", plain.AccessToken)
}

func TestEnsureValidRefreshSuccessPersistsEncrypted(t *testing.T) {
	now := time.Now()
	integration := tokenIntegration(dur(time.Hour), "enc:refresh", now)
	repo := newFakeIntegrationRepo(integration)

	newExpiry := now.Add(24 * time.Hour)
	connector := &stubConnector{platform: domain.PlatformTikTok}
	connector.refreshFn = func(_ context.Context, plain *domain.Integration) (*domain.Integration, error) {
		assert.Equal(t, "refresh", plain.RefreshToken, "refresh grant uses the decrypted token")
		out := *plain
		out.AccessToken = "new-access"
		out.RefreshToken = "new-refresh"
		out.TokenExpiresAt = &newExpiry
		return &out, nil
	}

	m := NewTokenManager(repo, newStubRegistry(connector), fakeEncryption{}, 0, newTestMetrics(), zerolog.Nop())
	plain, err := m.EnsureValid(context.Background(), integration)

	require.NoError(t, err)
	assert.Equal(t, "new-access", plain.AccessToken)

	stored := repo.get("int-1")
	assert.Equal(t, "enc:new-access", stored.AccessToken, "tokens reach storage encrypted")
	assert.Equal(t, "enc:new-refresh", stored.RefreshToken)
	require.NotNil(t, stored.TokenExpiresAt)
	assert.True(t, stored.TokenExpiresAt.Equal(newExpiry))
}

func TestEnsureValidRefreshFailureWhileExpiringSoonReturnsTokenAndError(t *testing.T) {
	integration := tokenIntegration(dur(time.Hour), "enc:refresh", time.Now())
	connector := &stubConnector{platform: domain.PlatformTikTok}
	connector.refreshFn = func(context.Context, *domain.Integration) (*domain.Integration, error) {
		return nil, errors.New("provider unavailable")
	}
	repo := newFakeIntegrationRepo(integration)

	m := NewTokenManager(repo, newStubRegistry(connector), fakeEncryption{}, 0, newTestMetrics(), zerolog.Nop())
	plain, err := m.EnsureValid(context.Background(), integration)

	require.ErrorIs(t, err, domain.ErrCredentialRefreshFailed, "the failure must stay visible to the caller")
	assert.Contains(t, err.Error(), "provider unavailable")
	require.NotNil(t, plain, "the current token still works inside the validity window")
	assert.Equal(t, "access", plain.AccessToken)
	assert.Equal(t, 1, connector.refreshCalls)
}

func TestEnsureValidRefreshFailureWhenExpiredSurfaces(t *testing.T) {
	integration := tokenIntegration(dur(-time.Minute), "enc:refresh", time.Now())
	connector := &stubConnector{platform: domain.PlatformTikTok}
	connector.refreshFn = func(context.Context, *domain.Integration) (*domain.Integration, error) {
		return nil, errors.New("invalid_grant")
	}

	m := NewTokenManager(newFakeIntegrationRepo(integration), newStubRegistry(connector), fakeEncryption{}, 0, newTestMetrics(), zerolog.Nop())
	_, err := m.EnsureValid(context.Background(), integration)

	require.ErrorIs(t, err, domain.ErrCredentialRefreshFailed)
}

func TestEncryptDecryptRoundTripLeavesOriginalUntouched(t *testing.T) {
	m := NewTokenManager(newFakeIntegrationRepo(), newStubRegistry(), fakeEncryption{}, 0, newTestMetrics(), zerolog.Nop())

	original := &domain.Integration{AccessToken: "access", RefreshToken: "refresh"}
	encrypted, err := m.EncryptTokens(original)
	require.NoError(t, err)
	assert.Equal(t, "enc:access", encrypted.AccessToken)
	assert.Equal(t, "access", original.AccessToken, "encryption works on a copy")

	plain, err := m.DecryptTokens(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "access", plain.AccessToken)
	assert.Equal(t, "refresh", plain.RefreshToken)
}
