package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/ports"
)

// oauthSessionTTL bounds how long a consent redirect may stay outstanding.
const oauthSessionTTL = 15 * time.Minute

// IntegrationService owns the connection lifecycle: OAuth flows, direct
// credential connects, disconnects and lookups. Completing a connect for an
// account that is already integrated updates the existing integration in
// place; the (org, platform, account) triple never duplicates.
type IntegrationService struct {
	integrationRepo ports.IntegrationRepository
	sessionRepo     ports.SessionRepository
	registry        ConnectorRegistry
	tokens          *TokenManager
	orchestrator    *SyncOrchestrator
	logger          zerolog.Logger
}

// NewIntegrationService creates the service.
func NewIntegrationService(
	integrationRepo ports.IntegrationRepository,
	sessionRepo ports.SessionRepository,
	registry ConnectorRegistry,
	tokens *TokenManager,
	orchestrator *SyncOrchestrator,
	logger zerolog.Logger,
) *IntegrationService {
	return &IntegrationService{
		integrationRepo: integrationRepo,
		sessionRepo:     sessionRepo,
		registry:        registry,
		tokens:          tokens,
		orchestrator:    orchestrator,
		logger:          logger.With().Str("component", "integration_service").Logger(),
	}
}

// StartOAuth begins a consent flow: it stores a CSRF state session and
// returns the platform authorization URL to redirect the user to.
func (s *IntegrationService) StartOAuth(ctx context.Context, orgID, platform, redirectURI, returnURL string) (string, error) {
	connector, err := s.registry.Get(platform)
	if err != nil {
		return "", err
	}

	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := hex.EncodeToString(stateBytes)

	authURL, err := connector.AuthURL(ports.AuthURLParams{
		OrgID:       orgID,
		State:       state,
		RedirectURI: redirectURI,
	})
	if err != nil {
		return "", err
	}

	session := &domain.OAuthSession{
		OrgID:     orgID,
		Platform:  platform,
		State:     state,
		ReturnURL: returnURL,
		ExpiresAt: time.Now().Add(oauthSessionTTL),
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return "", fmt.Errorf("failed to create oauth session: %w", err)
	}

	s.logger.Info().Str("org_id", orgID).Str("platform", platform).Msg("OAuth flow started")
	return authURL, nil
}

// CompleteOAuth finishes the consent flow on the provider callback. It
// returns the integration and the return URL captured at flow start.
func (s *IntegrationService) CompleteOAuth(ctx context.Context, state, code, redirectURI string) (*domain.Integration, string, error) {
	session, err := s.sessionRepo.GetByState(ctx, state)
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up oauth session: %w", err)
	}
	if session == nil {
		return nil, "", fmt.Errorf("unknown or expired oauth state")
	}

	connector, err := s.registry.Get(session.Platform)
	if err != nil {
		return nil, "", err
	}

	integration, err := connector.Connect(ctx, session.OrgID, ports.Credentials{
		Code:        code,
		RedirectURI: redirectURI,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect %s account: %w", session.Platform, err)
	}

	saved, err := s.saveConnection(ctx, integration)
	if err != nil {
		return nil, "", err
	}

	if err := s.sessionRepo.Delete(ctx, state); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to delete completed oauth session")
	}
	return saved, session.ReturnURL, nil
}

// ConnectDirect creates an integration from direct credentials, used by
// platforms without a consent redirect.
func (s *IntegrationService) ConnectDirect(ctx context.Context, orgID, platform string, creds ports.Credentials) (*domain.Integration, error) {
	connector, err := s.registry.Get(platform)
	if err != nil {
		return nil, err
	}

	integration, err := connector.Connect(ctx, orgID, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s account: %w", platform, err)
	}
	return s.saveConnection(ctx, integration)
}

// TestCredentials validates raw credentials without creating an integration.
func (s *IntegrationService) TestCredentials(ctx context.Context, platform string, creds ports.Credentials) (ports.CredentialCheck, error) {
	connector, err := s.registry.Get(platform)
	if err != nil {
		return ports.CredentialCheck{}, err
	}
	return connector.TestCredentials(ctx, creds), nil
}

// saveConnection persists a freshly connected integration, reusing the
// existing row when the account was already connected. Token material is
// encrypted before it reaches storage, then an initial sync is queued.
func (s *IntegrationService) saveConnection(ctx context.Context, integration *domain.Integration) (*domain.Integration, error) {
	encrypted, err := s.tokens.EncryptTokens(integration)
	if err != nil {
		return nil, err
	}

	existing, err := s.integrationRepo.GetByAccount(ctx, integration.OrgID, integration.Platform, integration.ExternalAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing integration: %w", err)
	}

	if existing != nil {
		encrypted.ID = existing.ID
		encrypted.CreatedAt = existing.CreatedAt
		encrypted.SyncStatus = existing.SyncStatus
		encrypted.LastSyncedAt = existing.LastSyncedAt
		// Reconnect clears a credential failure.
		encrypted.SyncErrors = ""
		encrypted.SyncRetryCount = 0
		encrypted.IsActive = true
		for key, value := range existing.Settings {
			if _, ok := encrypted.Settings[key]; !ok {
				encrypted.Settings[key] = value
			}
		}
		if err := s.integrationRepo.Update(ctx, encrypted); err != nil {
			return nil, fmt.Errorf("failed to update integration: %w", err)
		}
		s.logger.Info().
			Str("integration_id", encrypted.ID).
			Str("platform", encrypted.Platform).
			Str("account_id", encrypted.ExternalAccountID).
			Msg("Existing integration reconnected")
	} else {
		encrypted.ID = uuid.NewString()
		if err := s.integrationRepo.Create(ctx, encrypted); err != nil {
			return nil, fmt.Errorf("failed to create integration: %w", err)
		}
		s.logger.Info().
			Str("integration_id", encrypted.ID).
			Str("platform", encrypted.Platform).
			Str("account_id", encrypted.ExternalAccountID).
			Msg("Integration connected")
	}

	if err := s.orchestrator.Enqueue(ctx, encrypted, domain.AllKinds, domain.PriorityHigh, domain.SyncOptions{}); err != nil {
		s.logger.Warn().Err(err).Str("integration_id", encrypted.ID).Msg("Failed to queue initial sync")
	}
	return encrypted, nil
}

// Disconnect revokes platform access where supported and deactivates the
// integration. The row and its synced records survive for the audit trail.
func (s *IntegrationService) Disconnect(ctx context.Context, orgID, id string) error {
	integration, err := s.integrationRepo.GetByID(ctx, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to get integration: %w", err)
	}
	if integration == nil {
		return domain.ErrIntegrationNotFound
	}

	if plain, err := s.tokens.DecryptTokens(integration); err == nil {
		if connector, err := s.registry.Get(integration.Platform); err == nil {
			if err := connector.Disconnect(ctx, plain); err != nil {
				s.logger.Warn().Err(err).
					Str("integration_id", id).
					Msg("Platform-side revocation failed, deactivating locally")
			}
		}
	}

	integration.IsActive = false
	if err := s.integrationRepo.Update(ctx, integration); err != nil {
		return fmt.Errorf("failed to deactivate integration: %w", err)
	}
	s.logger.Info().Str("integration_id", id).Str("platform", integration.Platform).Msg("Integration disconnected")
	return nil
}

// Get returns one integration within the org.
func (s *IntegrationService) Get(ctx context.Context, orgID, id string) (*domain.Integration, error) {
	integration, err := s.integrationRepo.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	if integration == nil {
		return nil, domain.ErrIntegrationNotFound
	}
	return integration, nil
}

// List returns the org's integrations.
func (s *IntegrationService) List(ctx context.Context, orgID string, activeOnly bool) ([]*domain.Integration, error) {
	return s.integrationRepo.ListByOrg(ctx, orgID, activeOnly)
}

// TriggerSync queues a high-priority sync for the integration. With no kinds
// given, all kinds are queued.
func (s *IntegrationService) TriggerSync(ctx context.Context, orgID, id string, kinds []domain.ActivityKind) error {
	integration, err := s.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if !integration.IsActive {
		return fmt.Errorf("integration %s is disconnected: %w", id, domain.ErrIntegrationNotFound)
	}
	if len(kinds) == 0 {
		kinds = domain.AllKinds
	}
	return s.orchestrator.Enqueue(ctx, integration, kinds, domain.PriorityHigh, domain.SyncOptions{})
}

// PublishPost publishes outbound content through the integration and returns
// the platform-native id of the created post.
func (s *IntegrationService) PublishPost(ctx context.Context, orgID, id string, content ports.PostContent) (string, error) {
	plain, connector, err := s.usable(ctx, orgID, id)
	if err != nil {
		return "", err
	}
	remoteID, err := connector.PublishPost(ctx, plain, content)
	if err != nil {
		return "", err
	}
	s.logger.Info().
		Str("integration_id", id).
		Str("platform", plain.Platform).
		Str("remote_id", remoteID).
		Msg("Post published")
	return remoteID, nil
}

// CreateCampaign creates an ad campaign through the integration.
func (s *IntegrationService) CreateCampaign(ctx context.Context, orgID, id string, params ports.CampaignParams) (*ports.CampaignResult, error) {
	plain, connector, err := s.usable(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return connector.CreateAdCampaign(ctx, plain, params)
}

// UpdateCampaign applies partial updates to an ad campaign.
func (s *IntegrationService) UpdateCampaign(ctx context.Context, orgID, id, campaignID string, updates map[string]any) (*ports.CampaignResult, error) {
	plain, connector, err := s.usable(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return connector.UpdateAdCampaign(ctx, plain, campaignID, updates)
}

// usable loads an active integration with decrypted credentials and its
// connector.
func (s *IntegrationService) usable(ctx context.Context, orgID, id string) (*domain.Integration, ports.Connector, error) {
	integration, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, nil, err
	}
	if !integration.IsActive {
		return nil, nil, fmt.Errorf("integration %s is disconnected: %w", id, domain.ErrIntegrationNotFound)
	}
	plain, err := s.tokens.DecryptTokens(integration)
	if err != nil {
		return nil, nil, err
	}
	connector, err := s.registry.Get(integration.Platform)
	if err != nil {
		return nil, nil, err
	}
	return plain, connector, nil
}

// TestConnection checks the integration's stored credentials against the
// platform.
func (s *IntegrationService) TestConnection(ctx context.Context, orgID, id string) error {
	integration, err := s.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	plain, err := s.tokens.DecryptTokens(integration)
	if err != nil {
		return err
	}
	connector, err := s.registry.Get(integration.Platform)
	if err != nil {
		return err
	}
	return connector.TestConnection(ctx, plain)
}
