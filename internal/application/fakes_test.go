package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/metrics"
	"cmis-platform-sync/internal/ports"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

// fakeIntegrationRepo is an in-memory IntegrationRepository with the same
// BeginSync guard semantics as the Mongo implementation.
type fakeIntegrationRepo struct {
	mu           sync.Mutex
	integrations map[string]*domain.Integration
	updates      int
}

func newFakeIntegrationRepo(integrations ...*domain.Integration) *fakeIntegrationRepo {
	r := &fakeIntegrationRepo{integrations: make(map[string]*domain.Integration)}
	for _, i := range integrations {
		copied := *i
		r.integrations[i.ID] = &copied
	}
	return r
}

func (r *fakeIntegrationRepo) get(id string) *domain.Integration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.integrations[id]; ok {
		copied := *i
		return &copied
	}
	return nil
}

func (r *fakeIntegrationRepo) Create(_ context.Context, integration *domain.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *integration
	r.integrations[integration.ID] = &copied
	return nil
}

func (r *fakeIntegrationRepo) Update(_ context.Context, integration *domain.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *integration
	r.integrations[integration.ID] = &copied
	r.updates++
	return nil
}

func (r *fakeIntegrationRepo) GetByID(_ context.Context, orgID, id string) (*domain.Integration, error) {
	i := r.get(id)
	if i == nil || i.OrgID != orgID {
		return nil, nil
	}
	return i, nil
}

func (r *fakeIntegrationRepo) GetByAccount(_ context.Context, orgID, platform, externalAccountID string) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.integrations {
		if i.OrgID == orgID && i.Platform == platform && i.ExternalAccountID == externalAccountID {
			copied := *i
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeIntegrationRepo) ListByOrg(_ context.Context, orgID string, activeOnly bool) ([]*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Integration
	for _, i := range r.integrations {
		if i.OrgID != orgID || (activeOnly && !i.IsActive) {
			continue
		}
		copied := *i
		out = append(out, &copied)
	}
	return out, nil
}

func (r *fakeIntegrationRepo) FindActiveByPlatformAccount(_ context.Context, platform, externalAccountID string) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.integrations {
		if i.Platform == platform && i.ExternalAccountID == externalAccountID && i.IsActive {
			copied := *i
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeIntegrationRepo) ListActive(_ context.Context) ([]*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Integration
	for _, i := range r.integrations {
		if i.IsActive {
			copied := *i
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeIntegrationRepo) BeginSync(_ context.Context, id string, startedAt, staleBefore time.Time) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.integrations[id]
	if !ok || !i.IsActive {
		return nil, domain.ErrIntegrationNotFound
	}
	if i.SyncStatus == domain.SyncRunning && i.SyncStartedAt != nil && i.SyncStartedAt.After(staleBefore) {
		return nil, domain.ErrSyncInFlight
	}
	i.SyncStatus = domain.SyncRunning
	i.SyncStartedAt = &startedAt
	copied := *i
	return &copied, nil
}

// fakeActivityRepo stores records keyed on the canonical upsert key and
// enforces the context org scope like the Mongo implementation.
type fakeActivityRepo struct {
	mu      sync.Mutex
	records map[string]*domain.ActivityRecord
	recent  []string
	upserts int
}

func newFakeActivityRepo() *fakeActivityRepo {
	return &fakeActivityRepo{records: make(map[string]*domain.ActivityRecord)}
}

func (r *fakeActivityRepo) key(orgID, platform, nativeID string) string {
	return orgID + "|" + platform + "|" + nativeID
}

func (r *fakeActivityRepo) Upsert(ctx context.Context, record *domain.ActivityRecord) (bool, error) {
	orgID, err := domain.OrgScopeFromContext(ctx)
	if err != nil {
		return false, err
	}
	if record.OrgID != orgID {
		return false, fmt.Errorf("record org %q outside scope %q", record.OrgID, orgID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	key := r.key(record.OrgID, record.Platform, record.PlatformNativeID)
	_, exists := r.records[key]
	copied := *record
	r.records[key] = &copied
	return !exists, nil
}

func (r *fakeActivityRepo) List(ctx context.Context, _ ports.ActivityFilter) ([]*domain.ActivityRecord, error) {
	orgID, err := domain.OrgScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ActivityRecord
	for _, rec := range r.records {
		if rec.OrgID != orgID {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}

func (r *fakeActivityRepo) Count(ctx context.Context, _ ports.ActivityFilter) (int64, error) {
	orgID, err := domain.OrgScopeFromContext(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rec := range r.records {
		if rec.OrgID == orgID {
			n++
		}
	}
	return n, nil
}

func (r *fakeActivityRepo) RecentNativeIDs(ctx context.Context, _ string, _ domain.ActivityKind, _ time.Time) ([]string, error) {
	if _, err := domain.OrgScopeFromContext(ctx); err != nil {
		return nil, err
	}
	return r.recent, nil
}

type fakeRunRepo struct {
	mu   sync.Mutex
	runs []*domain.SyncRun
}

func (r *fakeRunRepo) Record(_ context.Context, run *domain.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *run
	r.runs = append(r.runs, &copied)
	return nil
}

func (r *fakeRunRepo) ListSince(_ context.Context, since time.Time) ([]*domain.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SyncRun
	for _, run := range r.runs {
		if run.FinishedAt.After(since) {
			out = append(out, run)
		}
	}
	return out, nil
}

type delayedJob struct {
	job   *domain.SyncJob
	delay time.Duration
}

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []*domain.SyncJob
	delayed []delayedJob
}

func (q *fakeQueue) Enqueue(_ context.Context, job *domain.SyncJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	copied := *job
	q.jobs = append(q.jobs, &copied)
	return nil
}

func (q *fakeQueue) EnqueueDelayed(_ context.Context, job *domain.SyncJob, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	copied := *job
	q.delayed = append(q.delayed, delayedJob{job: &copied, delay: delay})
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (*domain.SyncJob, error) {
	q.mu.Lock()
	if len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return job, nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newFakeDedup() *fakeDedup { return &fakeDedup{seen: make(map[string]bool)} }

func (d *fakeDedup) Seen(_ context.Context, platform, eventID string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := platform + ":" + eventID
	was := d.seen[key]
	d.seen[key] = true
	return was, nil
}

// fakeEncryption is reversible and visible in assertions.
type fakeEncryption struct{}

func (fakeEncryption) Encrypt(plaintext string) (string, error) {
	return "enc:" + plaintext, nil
}

func (fakeEncryption) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, "enc:") {
		return "", errors.New("not encrypted")
	}
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

// stubConnector implements ports.Connector with overridable behavior. Methods
// without an override return domain.ErrUnsupportedOperation.
type stubConnector struct {
	platform    string
	verifyToken string

	authURLFn   func(ports.AuthURLParams) (string, error)
	connectFn   func(ctx context.Context, orgID string, creds ports.Credentials) (*domain.Integration, error)
	refreshFn   func(ctx context.Context, integration *domain.Integration) (*domain.Integration, error)
	postsFn     func(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error)
	commentsFn  func(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error)
	messagesFn  func(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error)
	campaignsFn func(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error)
	metricsFn   func(ctx context.Context, integration *domain.Integration) (map[string]float64, error)
	parseFn     func(event *domain.WebhookEvent) (*ports.WebhookDelivery, error)

	refreshCalls int
	disconnects  int
}

func (c *stubConnector) Platform() string { return c.platform }

func (c *stubConnector) AuthURL(params ports.AuthURLParams) (string, error) {
	if c.authURLFn != nil {
		return c.authURLFn(params)
	}
	return "https://example.com/auth?state=" + params.State, nil
}

func (c *stubConnector) Connect(ctx context.Context, orgID string, creds ports.Credentials) (*domain.Integration, error) {
	if c.connectFn != nil {
		return c.connectFn(ctx, orgID, creds)
	}
	return nil, domain.ErrUnsupportedOperation
}

func (c *stubConnector) Disconnect(context.Context, *domain.Integration) error {
	c.disconnects++
	return nil
}

func (c *stubConnector) RefreshToken(ctx context.Context, integration *domain.Integration) (*domain.Integration, error) {
	c.refreshCalls++
	if c.refreshFn != nil {
		return c.refreshFn(ctx, integration)
	}
	return nil, domain.ErrUnsupportedOperation
}

func (c *stubConnector) TestConnection(context.Context, *domain.Integration) error { return nil }

func (c *stubConnector) TestCredentials(context.Context, ports.Credentials) ports.CredentialCheck {
	return ports.CredentialCheck{Valid: true}
}

func (c *stubConnector) SyncPosts(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	if c.postsFn != nil {
		return c.postsFn(ctx, integration, opts)
	}
	return nil, domain.ErrUnsupportedOperation
}

func (c *stubConnector) SyncComments(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	if c.commentsFn != nil {
		return c.commentsFn(ctx, integration, opts)
	}
	return nil, domain.ErrUnsupportedOperation
}

func (c *stubConnector) SyncMessages(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	if c.messagesFn != nil {
		return c.messagesFn(ctx, integration, opts)
	}
	return nil, domain.ErrUnsupportedOperation
}

func (c *stubConnector) SyncCampaigns(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	if c.campaignsFn != nil {
		return c.campaignsFn(ctx, integration, opts)
	}
	return nil, domain.ErrUnsupportedOperation
}

func (c *stubConnector) AccountMetrics(ctx context.Context, integration *domain.Integration) (map[string]float64, error) {
	if c.metricsFn != nil {
		return c.metricsFn(ctx, integration)
	}
	return nil, domain.ErrUnsupportedOperation
}

func (c *stubConnector) PublishPost(context.Context, *domain.Integration, ports.PostContent) (string, error) {
	return "", domain.ErrUnsupportedOperation
}

func (c *stubConnector) CreateAdCampaign(context.Context, *domain.Integration, ports.CampaignParams) (*ports.CampaignResult, error) {
	return nil, domain.ErrUnsupportedOperation
}

func (c *stubConnector) UpdateAdCampaign(context.Context, *domain.Integration, string, map[string]any) (*ports.CampaignResult, error) {
	return nil, domain.ErrUnsupportedOperation
}

func (c *stubConnector) VerifyToken() string { return c.verifyToken }

func (c *stubConnector) ParseWebhook(event *domain.WebhookEvent) (*ports.WebhookDelivery, error) {
	if c.parseFn != nil {
		return c.parseFn(event)
	}
	return nil, domain.ErrUnsupportedOperation
}

type stubRegistry struct {
	connectors map[string]ports.Connector
}

func newStubRegistry(conns ...ports.Connector) *stubRegistry {
	r := &stubRegistry{connectors: make(map[string]ports.Connector)}
	for _, c := range conns {
		r.connectors[c.Platform()] = c
	}
	return r
}

func (r *stubRegistry) Get(platform string) (ports.Connector, error) {
	c, ok := r.connectors[platform]
	if !ok {
		return nil, fmt.Errorf("%q: %w", platform, domain.ErrUnsupportedPlatform)
	}
	return c, nil
}
