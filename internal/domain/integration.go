package domain

import "time"

// Platform keys for the supported connectors.
const (
	PlatformMeta     = "meta"
	PlatformTikTok   = "tiktok"
	PlatformLinkedIn = "linkedin"
	PlatformShopify  = "shopify"
)

// SyncStatus is the state of the last (or in-flight) sync for an integration.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncRunning SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// TokenHealth classifies credential validity against the refresh lookahead window.
type TokenHealth string

const (
	TokenValid        TokenHealth = "valid"
	TokenExpiringSoon TokenHealth = "expiring_soon"
	TokenExpired      TokenHealth = "expired"
)

// Integration is one credentialed connection from an organization to an
// external platform account. Exactly one active integration may exist per
// (org, platform, external account) triple. Integrations are never hard
// deleted; disconnect deactivates them so the audit trail survives.
type Integration struct {
	ID                string         `json:"id"`
	OrgID             string         `json:"org_id"`
	Platform          string         `json:"platform"`
	ExternalAccountID string         `json:"external_account_id"`
	AccountName       string         `json:"account_name"`
	AccessToken       string         `json:"-"` // encrypted at rest
	RefreshToken      string         `json:"-"` // encrypted at rest, empty for non-refreshable platforms
	TokenExpiresAt    *time.Time     `json:"token_expires_at,omitempty"`
	Settings          map[string]any `json:"settings,omitempty"`
	SyncStatus        SyncStatus     `json:"sync_status"`
	SyncErrors        string         `json:"sync_errors,omitempty"`
	SyncRetryCount    int            `json:"sync_retry_count"`
	LastSyncedAt      *time.Time     `json:"last_synced_at,omitempty"`
	SyncStartedAt     *time.Time     `json:"sync_started_at,omitempty"`
	IsActive          bool           `json:"is_active"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Setting returns a string setting by key, or "" when absent.
func (i *Integration) Setting(key string) string {
	if i.Settings == nil {
		return ""
	}
	if v, ok := i.Settings[key].(string); ok {
		return v
	}
	return ""
}

// HasRefreshToken reports whether the integration can be refreshed without
// user interaction.
func (i *Integration) HasRefreshToken() bool {
	return i.RefreshToken != ""
}
