package ports

import (
	"context"
	"time"

	"cmis-platform-sync/internal/domain"
)

// SyncQueue is the at-least-once work queue the orchestrator consumes.
// Duplicate deliveries are safe: the idempotent upsert and the per-integration
// sync guard make repeated effects converge.
type SyncQueue interface {
	Enqueue(ctx context.Context, job *domain.SyncJob) error
	// EnqueueDelayed defers a job, used for rate-limit deferral and retry
	// backoff instead of blocking a worker.
	EnqueueDelayed(ctx context.Context, job *domain.SyncJob, delay time.Duration) error
	// Dequeue blocks until a job is available or ctx is done. High-priority
	// jobs are delivered before default-priority ones.
	Dequeue(ctx context.Context) (*domain.SyncJob, error)
}

// EventDedup remembers webhook event ids briefly to suppress platform
// redelivery. Purely an optimization: a miss (or an error) must never block
// processing, the upsert key is the correctness mechanism.
type EventDedup interface {
	// Seen records the event id and reports whether it was already present.
	Seen(ctx context.Context, platform, eventID string) (bool, error)
}

// EncryptionService encrypts credential material at rest.
type EncryptionService interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
