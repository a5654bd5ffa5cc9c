package ports

import (
	"context"
	"time"

	"cmis-platform-sync/internal/domain"
)

// AuthURLParams carries what a connector needs to build an OAuth
// authorization URL.
type AuthURLParams struct {
	OrgID       string
	State       string
	RedirectURI string
}

// Credentials is the normalized credential input: either an OAuth
// authorization code, or a direct key/secret pair for non-OAuth platforms.
type Credentials struct {
	Code        string
	RedirectURI string
	AccessToken string
	APIKey      string
	APISecret   string
	AccountID   string // external account hint for direct-credential platforms
}

// CredentialCheck is the result of validating raw credentials without
// creating an integration.
type CredentialCheck struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// PostContent is the outbound publish payload.
type PostContent struct {
	Text        string
	MediaURLs   []string
	ScheduledAt *time.Time
}

// CampaignParams describes an ad campaign create request.
type CampaignParams struct {
	Name           string
	Objective      string
	Status         string
	DailyBudget    float64
	LifetimeBudget float64
	Targeting      map[string]any
}

// CampaignResult reports the outcome of a campaign create/update.
type CampaignResult struct {
	Success  bool   `json:"success"`
	RemoteID string `json:"remote_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WebhookDelivery is a verified, parsed inbound event: the platform account
// it targets and the canonical records it carries.
type WebhookDelivery struct {
	AccountID string
	Records   []*domain.ActivityRecord
}

// Connector is the uniform contract every platform adapter implements.
// All surrounding modules depend on this seam, never on a platform SDK.
// Calls are stateless; side effects are limited to what the remote API does.
// Kinds a platform has no equivalent of return domain.ErrUnsupportedOperation.
type Connector interface {
	Platform() string

	// Authentication and connection lifecycle.
	AuthURL(params AuthURLParams) (string, error)
	Connect(ctx context.Context, orgID string, creds Credentials) (*domain.Integration, error)
	Disconnect(ctx context.Context, integration *domain.Integration) error
	RefreshToken(ctx context.Context, integration *domain.Integration) (*domain.Integration, error)
	TestConnection(ctx context.Context, integration *domain.Integration) error
	TestCredentials(ctx context.Context, creds Credentials) CredentialCheck

	// Pull sync. Returned records are canonical but unsaved; the caller owns
	// the idempotent upsert.
	SyncPosts(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error)
	SyncComments(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error)
	SyncMessages(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error)
	SyncCampaigns(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error)
	AccountMetrics(ctx context.Context, integration *domain.Integration) (map[string]float64, error)

	// Outbound actions.
	PublishPost(ctx context.Context, integration *domain.Integration, content PostContent) (string, error)
	CreateAdCampaign(ctx context.Context, integration *domain.Integration, params CampaignParams) (*CampaignResult, error)
	UpdateAdCampaign(ctx context.Context, integration *domain.Integration, campaignID string, updates map[string]any) (*CampaignResult, error)

	// Webhook support.
	VerifyToken() string
	ParseWebhook(event *domain.WebhookEvent) (*WebhookDelivery, error)
}
