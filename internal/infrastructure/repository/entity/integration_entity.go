package entity

import (
	"time"

	"cmis-platform-sync/internal/domain"
)

// IntegrationDoc is the MongoDB shape of a domain.Integration.
type IntegrationDoc struct {
	ID                string         `bson:"_id"`
	OrgID             string         `bson:"orgId"`
	Platform          string         `bson:"platform"`
	ExternalAccountID string         `bson:"externalAccountId"`
	AccountName       string         `bson:"accountName,omitempty"`
	AccessToken       string         `bson:"accessToken,omitempty"`
	RefreshToken      string         `bson:"refreshToken,omitempty"`
	TokenExpiresAt    *time.Time     `bson:"tokenExpiresAt,omitempty"`
	Settings          map[string]any `bson:"settings,omitempty"`
	SyncStatus        string         `bson:"syncStatus"`
	SyncErrors        string         `bson:"syncErrors,omitempty"`
	SyncRetryCount    int            `bson:"syncRetryCount"`
	LastSyncedAt      *time.Time     `bson:"lastSyncedAt,omitempty"`
	SyncStartedAt     *time.Time     `bson:"syncStartedAt,omitempty"`
	IsActive          bool           `bson:"isActive"`
	CreatedAt         time.Time      `bson:"createdAt"`
	UpdatedAt         time.Time      `bson:"updatedAt"`
}

// ToDomain converts the document to a domain entity.
func (d *IntegrationDoc) ToDomain() *domain.Integration {
	return &domain.Integration{
		ID:                d.ID,
		OrgID:             d.OrgID,
		Platform:          d.Platform,
		ExternalAccountID: d.ExternalAccountID,
		AccountName:       d.AccountName,
		AccessToken:       d.AccessToken,
		RefreshToken:      d.RefreshToken,
		TokenExpiresAt:    d.TokenExpiresAt,
		Settings:          d.Settings,
		SyncStatus:        domain.SyncStatus(d.SyncStatus),
		SyncErrors:        d.SyncErrors,
		SyncRetryCount:    d.SyncRetryCount,
		LastSyncedAt:      d.LastSyncedAt,
		SyncStartedAt:     d.SyncStartedAt,
		IsActive:          d.IsActive,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

// IntegrationDocFromDomain converts a domain entity to its document.
func IntegrationDocFromDomain(i *domain.Integration) *IntegrationDoc {
	return &IntegrationDoc{
		ID:                i.ID,
		OrgID:             i.OrgID,
		Platform:          i.Platform,
		ExternalAccountID: i.ExternalAccountID,
		AccountName:       i.AccountName,
		AccessToken:       i.AccessToken,
		RefreshToken:      i.RefreshToken,
		TokenExpiresAt:    i.TokenExpiresAt,
		Settings:          i.Settings,
		SyncStatus:        string(i.SyncStatus),
		SyncErrors:        i.SyncErrors,
		SyncRetryCount:    i.SyncRetryCount,
		LastSyncedAt:      i.LastSyncedAt,
		SyncStartedAt:     i.SyncStartedAt,
		IsActive:          i.IsActive,
		CreatedAt:         i.CreatedAt,
		UpdatedAt:         i.UpdatedAt,
	}
}
