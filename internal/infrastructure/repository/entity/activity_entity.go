package entity

import (
	"time"

	"cmis-platform-sync/internal/domain"
)

// ActivityDoc is the MongoDB shape of a canonical activity record. A unique
// index on (orgId, platform, platformNativeId) backs the idempotent upsert.
type ActivityDoc struct {
	ID               string             `bson:"_id"`
	OrgID            string             `bson:"orgId"`
	IntegrationID    string             `bson:"integrationId"`
	Platform         string             `bson:"platform"`
	Kind             string             `bson:"kind"`
	PlatformNativeID string             `bson:"platformNativeId"`
	ParentNativeID   string             `bson:"parentNativeId,omitempty"`
	Content          string             `bson:"content,omitempty"`
	AuthorID         string             `bson:"authorId,omitempty"`
	AuthorName       string             `bson:"authorName,omitempty"`
	Permalink        string             `bson:"permalink,omitempty"`
	Status           string             `bson:"status,omitempty"`
	Metrics          map[string]float64 `bson:"metrics,omitempty"`
	PublishedAt      *time.Time         `bson:"publishedAt,omitempty"`
	Deleted          bool               `bson:"deleted"`
	CreatedAt        time.Time          `bson:"createdAt"`
	UpdatedAt        time.Time          `bson:"updatedAt"`
}

// ToDomain converts the document to a domain record.
func (d *ActivityDoc) ToDomain() *domain.ActivityRecord {
	return &domain.ActivityRecord{
		ID:               d.ID,
		OrgID:            d.OrgID,
		IntegrationID:    d.IntegrationID,
		Platform:         d.Platform,
		Kind:             domain.ActivityKind(d.Kind),
		PlatformNativeID: d.PlatformNativeID,
		ParentNativeID:   d.ParentNativeID,
		Content:          d.Content,
		AuthorID:         d.AuthorID,
		AuthorName:       d.AuthorName,
		Permalink:        d.Permalink,
		Status:           d.Status,
		Metrics:          d.Metrics,
		PublishedAt:      d.PublishedAt,
		Deleted:          d.Deleted,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

// SyncRunDoc is the MongoDB shape of one sync attempt's audit record.
type SyncRunDoc struct {
	ID            string    `bson:"_id"`
	OrgID         string    `bson:"orgId"`
	IntegrationID string    `bson:"integrationId"`
	Platform      string    `bson:"platform"`
	Kind          string    `bson:"kind"`
	Status        string    `bson:"status"`
	ItemsSynced   int       `bson:"itemsSynced"`
	ItemsSkipped  int       `bson:"itemsSkipped"`
	Error         string    `bson:"error,omitempty"`
	StartedAt     time.Time `bson:"startedAt"`
	FinishedAt    time.Time `bson:"finishedAt"`
}

// ToDomain converts the document to a domain run.
func (d *SyncRunDoc) ToDomain() *domain.SyncRun {
	return &domain.SyncRun{
		ID:            d.ID,
		OrgID:         d.OrgID,
		IntegrationID: d.IntegrationID,
		Platform:      d.Platform,
		Kind:          domain.ActivityKind(d.Kind),
		Status:        domain.SyncStatus(d.Status),
		ItemsSynced:   d.ItemsSynced,
		ItemsSkipped:  d.ItemsSkipped,
		Error:         d.Error,
		StartedAt:     d.StartedAt,
		FinishedAt:    d.FinishedAt,
	}
}

// SyncRunDocFromDomain converts a domain run to its document.
func SyncRunDocFromDomain(r *domain.SyncRun) *SyncRunDoc {
	return &SyncRunDoc{
		ID:            r.ID,
		OrgID:         r.OrgID,
		IntegrationID: r.IntegrationID,
		Platform:      r.Platform,
		Kind:          string(r.Kind),
		Status:        string(r.Status),
		ItemsSynced:   r.ItemsSynced,
		ItemsSkipped:  r.ItemsSkipped,
		Error:         r.Error,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
}
