package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/ports"
)

// statusWindow is the aggregation window for run counts.
const statusWindow = 24 * time.Hour

// IntegrationStatus is the per-integration health projection.
type IntegrationStatus struct {
	IntegrationID  string             `json:"integration_id"`
	Platform       string             `json:"platform"`
	AccountName    string             `json:"account_name"`
	IsActive       bool               `json:"is_active"`
	SyncStatus     domain.SyncStatus  `json:"sync_status"`
	LastSyncedAt   *time.Time         `json:"last_synced_at,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	RetryCount     int                `json:"retry_count"`
	TokenHealth    domain.TokenHealth `json:"token_health"`
	TokenExpiresAt *time.Time         `json:"token_expires_at,omitempty"`
	RunsSucceeded  int                `json:"runs_succeeded_24h"`
	RunsFailed     int                `json:"runs_failed_24h"`
	ItemsSynced    int                `json:"items_synced_24h"`
	NextSyncDue    *time.Time         `json:"next_sync_due,omitempty"`
}

// OrgStatus aggregates an organization's integrations.
type OrgStatus struct {
	OrgID        string               `json:"org_id"`
	Total        int                  `json:"total"`
	Active       int                  `json:"active"`
	Healthy      int                  `json:"healthy"`
	Failing      int                  `json:"failing"`
	NeedsAction  int                  `json:"needs_action"` // expired credentials, reconnect required
	Integrations []*IntegrationStatus `json:"integrations"`
}

// StatusService builds read-only health projections for dashboards. It never
// mutates sync state.
type StatusService struct {
	integrationRepo ports.IntegrationRepository
	runRepo         ports.SyncRunRepository
	tokens          *TokenManager
	syncInterval    time.Duration
	logger          zerolog.Logger
}

// NewStatusService creates the service. syncInterval is the scheduler cadence
// used to estimate the next due sync.
func NewStatusService(
	integrationRepo ports.IntegrationRepository,
	runRepo ports.SyncRunRepository,
	tokens *TokenManager,
	syncInterval time.Duration,
	logger zerolog.Logger,
) *StatusService {
	return &StatusService{
		integrationRepo: integrationRepo,
		runRepo:         runRepo,
		tokens:          tokens,
		syncInterval:    syncInterval,
		logger:          logger,
	}
}

// GetIntegrationStatus returns the projection for one integration.
func (s *StatusService) GetIntegrationStatus(ctx context.Context, orgID, id string) (*IntegrationStatus, error) {
	integration, err := s.integrationRepo.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	if integration == nil {
		return nil, domain.ErrIntegrationNotFound
	}

	runs, err := s.recentRuns(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return s.project(integration, runs), nil
}

// GetOrgStatus returns the projection for every integration in the org.
func (s *StatusService) GetOrgStatus(ctx context.Context, orgID string) (*OrgStatus, error) {
	integrations, err := s.integrationRepo.ListByOrg(ctx, orgID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}

	runs, err := s.recentRuns(ctx, orgID)
	if err != nil {
		return nil, err
	}

	status := &OrgStatus{OrgID: orgID, Integrations: make([]*IntegrationStatus, 0, len(integrations))}
	for _, integration := range integrations {
		projected := s.project(integration, runs)
		status.Integrations = append(status.Integrations, projected)

		status.Total++
		if !integration.IsActive {
			continue
		}
		status.Active++
		switch {
		case projected.TokenHealth == domain.TokenExpired:
			status.NeedsAction++
		case projected.SyncStatus == domain.SyncFailed:
			status.Failing++
		default:
			status.Healthy++
		}
	}
	return status, nil
}

func (s *StatusService) recentRuns(ctx context.Context, orgID string) ([]*domain.SyncRun, error) {
	scoped := domain.WithOrgScope(ctx, orgID)
	runs, err := s.runRepo.ListSince(scoped, time.Now().Add(-statusWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	return runs, nil
}

func (s *StatusService) project(integration *domain.Integration, runs []*domain.SyncRun) *IntegrationStatus {
	status := &IntegrationStatus{
		IntegrationID:  integration.ID,
		Platform:       integration.Platform,
		AccountName:    integration.AccountName,
		IsActive:       integration.IsActive,
		SyncStatus:     integration.SyncStatus,
		LastSyncedAt:   integration.LastSyncedAt,
		LastError:      integration.SyncErrors,
		RetryCount:     integration.SyncRetryCount,
		TokenHealth:    s.tokens.Health(integration),
		TokenExpiresAt: integration.TokenExpiresAt,
	}

	for _, run := range runs {
		if run.IntegrationID != integration.ID {
			continue
		}
		switch run.Status {
		case domain.SyncSuccess:
			status.RunsSucceeded++
			status.ItemsSynced += run.ItemsSynced
		case domain.SyncFailed:
			status.RunsFailed++
		}
	}

	if integration.IsActive && s.syncInterval > 0 && integration.LastSyncedAt != nil {
		due := integration.LastSyncedAt.Add(s.syncInterval)
		status.NextSyncDue = &due
	}
	return status
}
