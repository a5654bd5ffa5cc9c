package domain

import "time"

// ActivityKind is one of the canonical record kinds pulled from (or pushed
// by) the platforms.
type ActivityKind string

const (
	KindPost     ActivityKind = "post"
	KindComment  ActivityKind = "comment"
	KindMessage  ActivityKind = "message"
	KindCampaign ActivityKind = "campaign"
	KindMetric   ActivityKind = "metric"
)

// AllKinds lists the syncable kinds in the order the scheduler enqueues them.
var AllKinds = []ActivityKind{KindPost, KindComment, KindMessage, KindCampaign, KindMetric}

// ValidKind reports whether k names a known activity kind.
func ValidKind(k ActivityKind) bool {
	switch k {
	case KindPost, KindComment, KindMessage, KindCampaign, KindMetric:
		return true
	}
	return false
}

// ActivityRecord is the platform-agnostic shape every pulled or pushed item
// is normalized into before it reaches storage.
//
// Uniqueness on (org_id, platform, platform_native_id) is the idempotency
// key shared by the sync orchestrator and the webhook pipeline: writing the
// same remote item twice updates in place instead of duplicating. Platform
// side deletions set Deleted, they never purge the row.
type ActivityRecord struct {
	ID               string             `json:"id"`
	OrgID            string             `json:"org_id"`
	IntegrationID    string             `json:"integration_id"`
	Platform         string             `json:"platform"`
	Kind             ActivityKind       `json:"kind"`
	PlatformNativeID string             `json:"platform_native_id"`
	ParentNativeID   string             `json:"parent_native_id,omitempty"` // post for a comment, conversation for a message
	Content          string             `json:"content,omitempty"`
	AuthorID         string             `json:"author_id,omitempty"`
	AuthorName       string             `json:"author_name,omitempty"`
	Permalink        string             `json:"permalink,omitempty"`
	Status           string             `json:"status,omitempty"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	PublishedAt      *time.Time         `json:"published_at,omitempty"`
	Deleted          bool               `json:"deleted"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}
