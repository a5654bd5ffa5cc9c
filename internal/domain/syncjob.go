package domain

import "time"

// JobPriority selects the queue tier a job is enqueued on.
type JobPriority string

const (
	PriorityHigh    JobPriority = "high"
	PriorityDefault JobPriority = "default"
)

// SyncOptions are the caller-supplied pull parameters forwarded to the
// connector.
type SyncOptions struct {
	Since *time.Time `json:"since,omitempty"`
	Limit int        `json:"limit,omitempty"`
	// ParentIDs narrows comment/message pulls to specific posts or
	// conversations; when empty the orchestrator fills it with the
	// integration's recently synced posts.
	ParentIDs []string `json:"parent_ids,omitempty"`
}

// SyncJob is one queued request to pull one data kind for one integration.
// Jobs are consumed once and never mutated after completion; a retry is a
// fresh job for the same integration and kind with Attempt incremented.
type SyncJob struct {
	ID            string       `json:"id"`
	OrgID         string       `json:"org_id"`
	IntegrationID string       `json:"integration_id"`
	Platform      string       `json:"platform"`
	Kind          ActivityKind `json:"kind"`
	Options       SyncOptions  `json:"options"`
	Attempt       int          `json:"attempt"`
	Priority      JobPriority  `json:"priority"`
	RequestedAt   time.Time    `json:"requested_at"`
}

// SyncRun is the audit record of one completed sync attempt, kept for the
// status reporter's last-24h aggregates.
type SyncRun struct {
	ID            string       `json:"id"`
	OrgID         string       `json:"org_id"`
	IntegrationID string       `json:"integration_id"`
	Platform      string       `json:"platform"`
	Kind          ActivityKind `json:"kind"`
	Status        SyncStatus   `json:"status"`
	ItemsSynced   int          `json:"items_synced"`
	ItemsSkipped  int          `json:"items_skipped"`
	Error         string       `json:"error,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
}
