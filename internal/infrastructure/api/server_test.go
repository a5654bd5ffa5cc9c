package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmis-platform-sync/internal/application"
	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/connectors"
	"cmis-platform-sync/internal/infrastructure/locks"
	"cmis-platform-sync/internal/infrastructure/metrics"
	"cmis-platform-sync/internal/infrastructure/ratelimit"
	"cmis-platform-sync/internal/infrastructure/webhook"
	"cmis-platform-sync/internal/ports"
)

const shopifyWebhookSecret = "shpss_test_secret"

// Minimal in-memory ports implementations for routing-level tests. Service
// behavior is covered in the application package; these tests exercise the
// HTTP boundary: middleware, status mapping and webhook plumbing.

type memIntegrationRepo struct {
	mu           sync.Mutex
	integrations map[string]*domain.Integration
}

func (r *memIntegrationRepo) Create(_ context.Context, i *domain.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.integrations[i.ID] = i
	return nil
}

func (r *memIntegrationRepo) Update(_ context.Context, i *domain.Integration) error {
	return r.Create(context.Background(), i)
}

func (r *memIntegrationRepo) GetByID(_ context.Context, orgID, id string) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.integrations[id]; ok && i.OrgID == orgID {
		return i, nil
	}
	return nil, nil
}

func (r *memIntegrationRepo) GetByAccount(_ context.Context, orgID, platform, account string) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.integrations {
		if i.OrgID == orgID && i.Platform == platform && i.ExternalAccountID == account {
			return i, nil
		}
	}
	return nil, nil
}

func (r *memIntegrationRepo) ListByOrg(_ context.Context, orgID string, activeOnly bool) ([]*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Integration
	for _, i := range r.integrations {
		if i.OrgID == orgID && (!activeOnly || i.IsActive) {
			out = append(out, i)
		}
	}
	return out, nil
}

func (r *memIntegrationRepo) FindActiveByPlatformAccount(_ context.Context, platform, account string) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.integrations {
		if i.Platform == platform && i.ExternalAccountID == account && i.IsActive {
			return i, nil
		}
	}
	return nil, nil
}

func (r *memIntegrationRepo) ListActive(_ context.Context) ([]*domain.Integration, error) {
	return r.ListByOrg(context.Background(), "org-1", true)
}

func (r *memIntegrationRepo) BeginSync(_ context.Context, id string, startedAt, _ time.Time) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.integrations[id]
	if !ok {
		return nil, domain.ErrIntegrationNotFound
	}
	i.SyncStartedAt = &startedAt
	return i, nil
}

type memActivityRepo struct {
	mu      sync.Mutex
	records []*domain.ActivityRecord
}

func (r *memActivityRepo) Upsert(ctx context.Context, record *domain.ActivityRecord) (bool, error) {
	if _, err := domain.OrgScopeFromContext(ctx); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return true, nil
}

func (r *memActivityRepo) List(ctx context.Context, _ ports.ActivityFilter) ([]*domain.ActivityRecord, error) {
	orgID, err := domain.OrgScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ActivityRecord
	for _, rec := range r.records {
		if rec.OrgID == orgID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memActivityRepo) Count(ctx context.Context, _ ports.ActivityFilter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.records)), nil
}

func (r *memActivityRepo) RecentNativeIDs(context.Context, string, domain.ActivityKind, time.Time) ([]string, error) {
	return nil, nil
}

type memRunRepo struct{}

func (memRunRepo) Record(context.Context, *domain.SyncRun) error { return nil }
func (memRunRepo) ListSince(context.Context, time.Time) ([]*domain.SyncRun, error) {
	return nil, nil
}

type memSessionRepo struct{}

func (memSessionRepo) Create(context.Context, *domain.OAuthSession) error { return nil }
func (memSessionRepo) GetByState(context.Context, string) (*domain.OAuthSession, error) {
	return nil, nil
}
func (memSessionRepo) Delete(context.Context, string) error { return nil }

type memQueue struct{}

func (memQueue) Enqueue(context.Context, *domain.SyncJob) error { return nil }
func (memQueue) EnqueueDelayed(context.Context, *domain.SyncJob, time.Duration) error {
	return nil
}
func (memQueue) Dequeue(ctx context.Context) (*domain.SyncJob, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type plainCrypto struct{}

func (plainCrypto) Encrypt(s string) (string, error) { return s, nil }
func (plainCrypto) Decrypt(s string) (string, error) { return s, nil }

func newTestRouter(t *testing.T) (http.Handler, *memIntegrationRepo, *memActivityRepo) {
	t.Helper()

	repo := &memIntegrationRepo{integrations: map[string]*domain.Integration{
		"int-1": {
			ID:                "int-1",
			OrgID:             "org-1",
			Platform:          domain.PlatformShopify,
			ExternalAccountID: "acme.myshopify.com",
			AccountName:       "Acme Store",
			AccessToken:       "token",
			SyncStatus:        domain.SyncSuccess,
			IsActive:          true,
		},
	}}
	activity := &memActivityRepo{}

	logger := zerolog.Nop()
	limiter := ratelimit.NewLimiter(nil, logger)
	registry := connectors.NewRegistry(
		connectors.NewMetaConnector(connectors.MetaConfig{VerifyToken: "verify-me"}, limiter, logger),
		connectors.NewShopifyConnector(connectors.ShopifyConfig{}, logger),
	)
	m := metrics.New(prometheus.NewRegistry())

	tokens := application.NewTokenManager(repo, registry, plainCrypto{}, 0, m, logger)
	orchestrator := application.NewSyncOrchestrator(
		memQueue{}, repo, activity, memRunRepo{}, registry, tokens,
		ratelimit.DefaultRetryPolicy(), locks.NewIntegrationLocks(), m, logger,
		application.OrchestratorConfig{},
	)
	integrations := application.NewIntegrationService(repo, memSessionRepo{}, registry, tokens, orchestrator, logger)
	ingest := application.NewWebhookIngestService(
		repo, activity, registry,
		map[string]*webhook.Verifier{domain.PlatformShopify: webhook.NewVerifier(shopifyWebhookSecret)},
		nil, m, logger,
	)
	status := application.NewStatusService(repo, memRunRepo{}, tokens, 15*time.Minute, logger)

	server := NewServer(integrations, status, ingest, activity,
		promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}), logger)
	return server.Router(), repo, activity
}

func TestHealthIsPublic(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresOrgHeader(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/integrations", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/integrations", nil)
	req.Header.Set("X-Org-ID", "org-1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Integrations []*domain.Integration `json:"integrations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Integrations, 1)
	assert.Equal(t, "int-1", body.Integrations[0].ID)
}

func TestGetIntegrationScopedToOrg(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/integrations/int-1", nil)
	req.Header.Set("X-Org-ID", "other-org")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code, "cross-org reads look like missing rows")
}

func TestIntegrationResponseOmitsTokens(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/integrations/int-1", nil)
	req.Header.Set("X-Org-ID", "org-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "token", "credential material never leaves the API")
}

func TestTriggerSyncAccepted(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/integrations/int-1/sync", strings.NewReader(`{"kinds":["metric"]}`))
	req.Header.Set("X-Org-ID", "org-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWebhookHandshake(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhooks/meta?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=challenge-42", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "challenge-42", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhooks/meta?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=challenge-42", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func shopifyHMAC(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(shopifyWebhookSecret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestWebhookDeliveryStoresOrderRecord(t *testing.T) {
	router, _, activity := newTestRouter(t)
	payload := []byte(`{"id": 42, "total_price": "19.99", "currency": "USD"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", strings.NewReader(string(payload)))
	req.Header.Set("X-Shopify-Topic", "orders/create")
	req.Header.Set("X-Shopify-Shop-Domain", "acme.myshopify.com")
	req.Header.Set("X-Shopify-Webhook-Id", "whk-1")
	req.Header.Set("X-Shopify-Hmac-SHA256", shopifyHMAC(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, activity.records, 1)
	assert.Equal(t, "order:42", activity.records[0].PlatformNativeID)
	assert.Equal(t, "org-1", activity.records[0].OrgID)
}

func TestWebhookDeliveryRejectsBadSignature(t *testing.T) {
	router, _, activity := newTestRouter(t)
	payload := `{"id": 42, "total_price": "19.99"}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", strings.NewReader(payload))
	req.Header.Set("X-Shopify-Topic", "orders/create")
	req.Header.Set("X-Shopify-Shop-Domain", "acme.myshopify.com")
	req.Header.Set("X-Shopify-Hmac-SHA256", "forged")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, activity.records)
}

func TestWebhookDeliveryUnknownShopAcknowledged(t *testing.T) {
	router, _, activity := newTestRouter(t)
	payload := []byte(`{"id": 42, "total_price": "19.99"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", strings.NewReader(string(payload)))
	req.Header.Set("X-Shopify-Topic", "orders/create")
	req.Header.Set("X-Shopify-Shop-Domain", "stranger.myshopify.com")
	req.Header.Set("X-Shopify-Hmac-SHA256", shopifyHMAC(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "redelivery would not help, so acknowledge")
	assert.Empty(t, activity.records)
}

func TestActivityListScopedToOrg(t *testing.T) {
	router, _, activity := newTestRouter(t)
	activity.records = append(activity.records, &domain.ActivityRecord{
		OrgID:            "org-1",
		IntegrationID:    "int-1",
		Platform:         domain.PlatformShopify,
		Kind:             domain.KindMetric,
		PlatformNativeID: "order:42",
	})

	list := func(orgID string) []*domain.ActivityRecord {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/activity", nil)
		req.Header.Set("X-Org-ID", orgID)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Records []*domain.ActivityRecord `json:"records"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		return body.Records
	}

	require.Len(t, list("org-1"), 1)
	assert.Empty(t, list("other-org"), "one org's records never surface under another org's scope")
}
