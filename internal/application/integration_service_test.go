package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/locks"
	"cmis-platform-sync/internal/infrastructure/ratelimit"
	"cmis-platform-sync/internal/ports"
)

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.OAuthSession
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*domain.OAuthSession)}
}

func (r *fakeSessionRepo) Create(_ context.Context, session *domain.OAuthSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *session
	r.sessions[session.State] = &copied
	return nil
}

func (r *fakeSessionRepo) GetByState(_ context.Context, state string) (*domain.OAuthSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[state]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (r *fakeSessionRepo) Delete(_ context.Context, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, state)
	return nil
}

type serviceFixture struct {
	service   *IntegrationService
	repo      *fakeIntegrationRepo
	sessions  *fakeSessionRepo
	queue     *fakeQueue
	connector *stubConnector
}

func newServiceFixture(t *testing.T, integrations ...*domain.Integration) *serviceFixture {
	t.Helper()
	repo := newFakeIntegrationRepo(integrations...)
	sessions := newFakeSessionRepo()
	queue := &fakeQueue{}
	connector := &stubConnector{platform: domain.PlatformMeta}
	connector.connectFn = func(_ context.Context, orgID string, _ ports.Credentials) (*domain.Integration, error) {
		return &domain.Integration{
			OrgID:             orgID,
			Platform:          domain.PlatformMeta,
			ExternalAccountID: "page-1",
			AccountName:       "Acme Page",
			AccessToken:       "fresh-token",
			Settings:          map[string]any{"page_id": "page-1"},
			SyncStatus:        domain.SyncPending,
			IsActive:          true,
		}, nil
	}
	registry := newStubRegistry(connector)
	m := newTestMetrics()
	tokens := NewTokenManager(repo, registry, fakeEncryption{}, 0, m, zerolog.Nop())
	orchestrator := NewSyncOrchestrator(
		queue, repo, newFakeActivityRepo(), &fakeRunRepo{}, registry, tokens,
		ratelimit.DefaultRetryPolicy(), locks.NewIntegrationLocks(), m, zerolog.Nop(), OrchestratorConfig{},
	)
	return &serviceFixture{
		service:   NewIntegrationService(repo, sessions, registry, tokens, orchestrator, zerolog.Nop()),
		repo:      repo,
		sessions:  sessions,
		queue:     queue,
		connector: connector,
	}
}

func TestOAuthFlowRoundTrip(t *testing.T) {
	f := newServiceFixture(t)

	authURL, err := f.service.StartOAuth(context.Background(), "org-1", domain.PlatformMeta, "https://app.example.com/cb", "https://app.example.com/settings")
	require.NoError(t, err)
	assert.Contains(t, authURL, "state=")

	require.Len(t, f.sessions.sessions, 1)
	var state string
	for s := range f.sessions.sessions {
		state = s
	}

	integration, returnURL, err := f.service.CompleteOAuth(context.Background(), state, "auth-code", "https://app.example.com/cb")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/settings", returnURL)
	assert.Equal(t, "org-1", integration.OrgID)
	assert.NotEmpty(t, integration.ID)
	assert.Equal(t, "enc:fresh-token", integration.AccessToken, "token encrypted before storage")

	assert.Empty(t, f.sessions.sessions, "state is single use")
	assert.Len(t, f.queue.jobs, len(domain.AllKinds), "initial sync queued for every kind")
}

func TestCompleteOAuthRejectsUnknownState(t *testing.T) {
	f := newServiceFixture(t)
	_, _, err := f.service.CompleteOAuth(context.Background(), "forged-state", "code", "")
	require.Error(t, err)
}

func TestReconnectReusesExistingIntegration(t *testing.T) {
	existing := &domain.Integration{
		ID:                "int-1",
		OrgID:             "org-1",
		Platform:          domain.PlatformMeta,
		ExternalAccountID: "page-1",
		AccessToken:       "enc:stale",
		SyncStatus:        domain.SyncFailed,
		SyncErrors:        "credential expired",
		SyncRetryCount:    3,
		IsActive:          false,
		Settings:          map[string]any{"custom_field": "kept"},
		CreatedAt:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f := newServiceFixture(t, existing)

	saved, err := f.service.ConnectDirect(context.Background(), "org-1", domain.PlatformMeta, ports.Credentials{AccessToken: "t"})
	require.NoError(t, err)

	assert.Equal(t, "int-1", saved.ID, "one integration per (org, platform, account)")
	assert.True(t, saved.IsActive)
	assert.Empty(t, saved.SyncErrors)
	assert.Zero(t, saved.SyncRetryCount)
	assert.Equal(t, existing.CreatedAt, saved.CreatedAt)
	assert.Equal(t, "kept", saved.Settings["custom_field"], "operator settings survive reconnect")
	assert.Equal(t, "page-1", saved.Settings["page_id"])
	assert.Len(t, f.repo.integrations, 1)
}

func TestConnectDirectUnknownPlatform(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.ConnectDirect(context.Background(), "org-1", "myspace", ports.Credentials{})
	require.ErrorIs(t, err, domain.ErrUnsupportedPlatform)
}

func TestDisconnectDeactivatesAndRevokes(t *testing.T) {
	existing := &domain.Integration{
		ID:                "int-1",
		OrgID:             "org-1",
		Platform:          domain.PlatformMeta,
		ExternalAccountID: "page-1",
		AccessToken:       "enc:token",
		IsActive:          true,
	}
	f := newServiceFixture(t, existing)

	require.NoError(t, f.service.Disconnect(context.Background(), "org-1", "int-1"))

	stored := f.repo.get("int-1")
	assert.False(t, stored.IsActive)
	assert.Equal(t, 1, f.connector.disconnects)
}

func TestDisconnectScopedToOrg(t *testing.T) {
	existing := &domain.Integration{ID: "int-1", OrgID: "org-1", Platform: domain.PlatformMeta, IsActive: true}
	f := newServiceFixture(t, existing)

	err := f.service.Disconnect(context.Background(), "org-2", "int-1")
	require.ErrorIs(t, err, domain.ErrIntegrationNotFound)
	assert.True(t, f.repo.get("int-1").IsActive, "cross-org disconnect must not touch the row")
}

func TestTriggerSyncQueuesHighPriority(t *testing.T) {
	existing := &domain.Integration{ID: "int-1", OrgID: "org-1", Platform: domain.PlatformMeta, AccessToken: "enc:t", IsActive: true}
	f := newServiceFixture(t, existing)

	require.NoError(t, f.service.TriggerSync(context.Background(), "org-1", "int-1", []domain.ActivityKind{domain.KindPost}))

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, domain.PriorityHigh, f.queue.jobs[0].Priority)
	assert.Equal(t, domain.KindPost, f.queue.jobs[0].Kind)
}

func TestTriggerSyncRejectsDisconnected(t *testing.T) {
	existing := &domain.Integration{ID: "int-1", OrgID: "org-1", Platform: domain.PlatformMeta, IsActive: false}
	f := newServiceFixture(t, existing)

	err := f.service.TriggerSync(context.Background(), "org-1", "int-1", nil)
	require.ErrorIs(t, err, domain.ErrIntegrationNotFound)
	assert.Empty(t, f.queue.jobs)
}
