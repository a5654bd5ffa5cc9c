package ports

import (
	"context"
	"time"

	"cmis-platform-sync/internal/domain"
)

// IntegrationRepository persists integrations. Reads and writes are scoped by
// explicit org parameters; the webhook bootstrap lookup is the one deliberate
// exception since the org is not known until the integration is resolved.
type IntegrationRepository interface {
	Create(ctx context.Context, integration *domain.Integration) error
	Update(ctx context.Context, integration *domain.Integration) error

	GetByID(ctx context.Context, orgID, id string) (*domain.Integration, error)
	GetByAccount(ctx context.Context, orgID, platform, externalAccountID string) (*domain.Integration, error)
	ListByOrg(ctx context.Context, orgID string, activeOnly bool) ([]*domain.Integration, error)

	// FindActiveByPlatformAccount resolves an inbound webhook's target account
	// to its integration (and therefore its org).
	FindActiveByPlatformAccount(ctx context.Context, platform, externalAccountID string) (*domain.Integration, error)

	// ListActive feeds the scheduler across all orgs.
	ListActive(ctx context.Context) ([]*domain.Integration, error)

	// BeginSync atomically transitions the integration to syncing. It fails
	// with domain.ErrSyncInFlight when a non-stale sync is already running,
	// which is the cross-process half of the per-integration mutual exclusion.
	BeginSync(ctx context.Context, id string, startedAt, staleBefore time.Time) (*domain.Integration, error)
}

// ActivityFilter narrows canonical-record reads.
type ActivityFilter struct {
	IntegrationID string
	Kind          domain.ActivityKind
	Since         *time.Time
	Limit         int
}

// ActivityRepository persists canonical activity records. Every method
// derives the organization from the context scope (domain.OrgScopeFromContext)
// and fails with domain.ErrNoTenantScope when it is absent. There is no
// unscoped access path.
type ActivityRepository interface {
	// Upsert inserts or updates in place, keyed on
	// (org, platform, platform_native_id). Returns whether a new record was
	// created.
	Upsert(ctx context.Context, record *domain.ActivityRecord) (created bool, err error)

	List(ctx context.Context, filter ActivityFilter) ([]*domain.ActivityRecord, error)
	Count(ctx context.Context, filter ActivityFilter) (int64, error)

	// RecentNativeIDs returns platform-native ids of records synced since the
	// cutoff, used to scope comment pulls to recent posts.
	RecentNativeIDs(ctx context.Context, integrationID string, kind domain.ActivityKind, since time.Time) ([]string, error)
}

// SyncRunRepository keeps the per-attempt audit trail behind the status
// reporter. Org-scoped via context like ActivityRepository.
type SyncRunRepository interface {
	Record(ctx context.Context, run *domain.SyncRun) error
	ListSince(ctx context.Context, since time.Time) ([]*domain.SyncRun, error)
}

// SessionRepository stores in-flight OAuth sessions keyed by state.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.OAuthSession) error
	GetByState(ctx context.Context, state string) (*domain.OAuthSession, error)
	Delete(ctx context.Context, state string) error
}
