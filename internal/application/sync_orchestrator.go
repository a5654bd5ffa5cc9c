package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/locks"
	"cmis-platform-sync/internal/infrastructure/metrics"
	"cmis-platform-sync/internal/infrastructure/ratelimit"
	"cmis-platform-sync/internal/ports"
)

const (
	// defaultPullBudget bounds one connector pull; a stuck platform call fails
	// the attempt as transient instead of starving the worker pool.
	defaultPullBudget = 2 * time.Minute

	// defaultStaleAfter is the dead-man window: a sync marked running longer
	// than this is treated as crashed and taken over.
	defaultStaleAfter = 10 * time.Minute

	// lockDeferDelay is the requeue delay when the integration is busy locally
	// or in another process. Not an attempt; busy is not failure.
	lockDeferDelay = 15 * time.Second

	// commentParentWindow is how far back posts are collected as comment-pull
	// parents when the job does not name them.
	commentParentWindow = 7 * 24 * time.Hour
)

// OrchestratorConfig tunes the worker pool.
type OrchestratorConfig struct {
	Workers    int
	PullBudget time.Duration
	StaleAfter time.Duration
}

// SyncOrchestrator consumes sync jobs and executes them: one job pulls one
// data kind for one integration through its connector and upserts the
// canonical records. Every job is safe to re-deliver; the upsert key and the
// per-integration guard absorb duplicates.
type SyncOrchestrator struct {
	queue           ports.SyncQueue
	integrationRepo ports.IntegrationRepository
	activityRepo    ports.ActivityRepository
	runRepo         ports.SyncRunRepository
	registry        ConnectorRegistry
	tokens          *TokenManager
	retry           ratelimit.RetryPolicy
	locks           *locks.IntegrationLocks
	metrics         *metrics.Metrics
	logger          zerolog.Logger
	cfg             OrchestratorConfig
	now             func() time.Time
}

// NewSyncOrchestrator creates the orchestrator.
func NewSyncOrchestrator(
	queue ports.SyncQueue,
	integrationRepo ports.IntegrationRepository,
	activityRepo ports.ActivityRepository,
	runRepo ports.SyncRunRepository,
	registry ConnectorRegistry,
	tokens *TokenManager,
	retry ratelimit.RetryPolicy,
	integrationLocks *locks.IntegrationLocks,
	m *metrics.Metrics,
	logger zerolog.Logger,
	cfg OrchestratorConfig,
) *SyncOrchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PullBudget <= 0 {
		cfg.PullBudget = defaultPullBudget
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return &SyncOrchestrator{
		queue:           queue,
		integrationRepo: integrationRepo,
		activityRepo:    activityRepo,
		runRepo:         runRepo,
		registry:        registry,
		tokens:          tokens,
		retry:           retry,
		locks:           integrationLocks,
		metrics:         m,
		logger:          logger.With().Str("component", "sync_orchestrator").Logger(),
		cfg:             cfg,
		now:             time.Now,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (o *SyncOrchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			o.metrics.QueueWorkers.Inc()
			defer o.metrics.QueueWorkers.Dec()
			return o.worker(ctx)
		})
	}
	o.logger.Info().Int("workers", o.cfg.Workers).Msg("Sync workers started")
	return g.Wait()
}

func (o *SyncOrchestrator) worker(ctx context.Context) error {
	for {
		job, err := o.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Error().Err(err).Msg("Failed to dequeue sync job")
			continue
		}
		o.process(ctx, job)
	}
}

// Enqueue queues one job per requested kind for the integration.
func (o *SyncOrchestrator) Enqueue(ctx context.Context, integration *domain.Integration, kinds []domain.ActivityKind, priority domain.JobPriority, opts domain.SyncOptions) error {
	for _, kind := range kinds {
		if !domain.ValidKind(kind) {
			return fmt.Errorf("unknown activity kind %q", kind)
		}
		job := &domain.SyncJob{
			ID:            uuid.NewString(),
			OrgID:         integration.OrgID,
			IntegrationID: integration.ID,
			Platform:      integration.Platform,
			Kind:          kind,
			Options:       opts,
			Attempt:       0,
			Priority:      priority,
			RequestedAt:   o.now(),
		}
		if err := o.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("failed to enqueue %s sync: %w", kind, err)
		}
	}
	return nil
}

func (o *SyncOrchestrator) process(ctx context.Context, job *domain.SyncJob) {
	log := o.logger.With().
		Str("job_id", job.ID).
		Str("integration_id", job.IntegrationID).
		Str("kind", string(job.Kind)).
		Int("attempt", job.Attempt).
		Logger()

	unlock := o.locks.TryLock(job.IntegrationID)
	if unlock == nil {
		o.deferJob(ctx, job, lockDeferDelay, "lock")
		return
	}
	defer unlock()

	startedAt := o.now()
	integration, err := o.integrationRepo.BeginSync(ctx, job.IntegrationID, startedAt, startedAt.Add(-o.cfg.StaleAfter))
	switch {
	case errors.Is(err, domain.ErrSyncInFlight):
		o.deferJob(ctx, job, lockDeferDelay, "lock")
		return
	case errors.Is(err, domain.ErrIntegrationNotFound):
		log.Warn().Msg("Dropping job for missing or inactive integration")
		return
	case err != nil:
		log.Error().Err(err).Msg("Failed to begin sync, requeueing")
		o.deferJob(ctx, job, lockDeferDelay, "retry")
		return
	}

	ctx = domain.WithOrgScope(ctx, integration.OrgID)

	// A refresh failure on a still-valid token returns the usable credentials
	// alongside the error; the pull proceeds but the run must not finish clean.
	plain, tokenErr := o.tokens.EnsureValid(ctx, integration)
	if plain == nil {
		o.finishFailure(ctx, job, integration, startedAt, tokenErr, log)
		return
	}

	pullCtx, cancel := context.WithTimeout(ctx, o.cfg.PullBudget)
	records, err := o.pull(pullCtx, plain, job)
	cancel()

	if errors.Is(err, domain.ErrUnsupportedOperation) {
		// Not a failure; the platform has no equivalent of this kind.
		log.Debug().Msg("Kind not supported by platform, completing empty")
		o.finish(ctx, job, integration, startedAt, 0, 0, tokenErr, log)
		return
	}
	if err != nil {
		o.finishFailure(ctx, job, integration, startedAt, err, log)
		return
	}

	synced, skipped, err := o.store(ctx, integration, records)
	if err != nil {
		o.finishFailure(ctx, job, integration, startedAt, err, log)
		return
	}
	o.finish(ctx, job, integration, startedAt, synced, skipped, tokenErr, log)
}

// pull dispatches to the connector method for the job's kind. Comment pulls
// without explicit parents use the integration's recently synced posts.
func (o *SyncOrchestrator) pull(ctx context.Context, integration *domain.Integration, job *domain.SyncJob) ([]*domain.ActivityRecord, error) {
	connector, err := o.registry.Get(integration.Platform)
	if err != nil {
		return nil, err
	}

	opts := job.Options
	switch job.Kind {
	case domain.KindPost:
		return connector.SyncPosts(ctx, integration, opts)
	case domain.KindComment, domain.KindMessage:
		if len(opts.ParentIDs) == 0 && job.Kind == domain.KindComment {
			parents, err := o.activityRepo.RecentNativeIDs(ctx, integration.ID, domain.KindPost, o.now().Add(-commentParentWindow))
			if err != nil {
				return nil, fmt.Errorf("failed to collect comment parents: %w", err)
			}
			opts.ParentIDs = parents
		}
		if job.Kind == domain.KindComment {
			return connector.SyncComments(ctx, integration, opts)
		}
		return connector.SyncMessages(ctx, integration, opts)
	case domain.KindCampaign:
		return connector.SyncCampaigns(ctx, integration, opts)
	case domain.KindMetric:
		return o.pullAccountMetrics(ctx, connector, integration)
	}
	return nil, fmt.Errorf("unknown activity kind %q", job.Kind)
}

// pullAccountMetrics snapshots account-level counters as one daily metric
// record, idempotent per (account, day).
func (o *SyncOrchestrator) pullAccountMetrics(ctx context.Context, connector ports.Connector, integration *domain.Integration) ([]*domain.ActivityRecord, error) {
	values, err := connector.AccountMetrics(ctx, integration)
	if err != nil {
		return nil, err
	}
	now := o.now()
	return []*domain.ActivityRecord{{
		Platform:         integration.Platform,
		Kind:             domain.KindMetric,
		PlatformNativeID: fmt.Sprintf("metrics:%s:%s", integration.ExternalAccountID, now.UTC().Format("2006-01-02")),
		Metrics:          values,
		PublishedAt:      &now,
	}}, nil
}

// store upserts the pulled records. Records that fail validation are skipped
// and counted; a storage error aborts the batch.
func (o *SyncOrchestrator) store(ctx context.Context, integration *domain.Integration, records []*domain.ActivityRecord) (synced, skipped int, err error) {
	for _, record := range records {
		if record == nil || record.PlatformNativeID == "" || !domain.ValidKind(record.Kind) {
			skipped++
			continue
		}
		record.OrgID = integration.OrgID
		record.IntegrationID = integration.ID
		record.Platform = integration.Platform

		if _, err := o.activityRepo.Upsert(ctx, record); err != nil {
			return synced, skipped, fmt.Errorf("failed to store record %s: %w", record.PlatformNativeID, err)
		}
		synced++
	}
	return synced, skipped, nil
}

// finish completes a run whose pull and store went through. A pending
// credential problem keeps the integration out of success: the data landed,
// but the refresh-failure reason stays on the record until a refresh goes
// through or the operator reconnects.
func (o *SyncOrchestrator) finish(ctx context.Context, job *domain.SyncJob, integration *domain.Integration, startedAt time.Time, synced, skipped int, tokenErr error, log zerolog.Logger) {
	if tokenErr == nil {
		o.finishSuccess(ctx, job, integration, startedAt, synced, skipped, log)
		return
	}

	now := o.now()
	integration.SyncStatus = domain.SyncFailed
	integration.SyncErrors = tokenErr.Error()
	integration.LastSyncedAt = &now
	integration.SyncStartedAt = nil
	if err := o.integrationRepo.Update(ctx, integration); err != nil {
		log.Error().Err(err).Msg("Failed to persist sync result")
	}

	o.recordRun(ctx, job, integration, domain.SyncFailed, synced, skipped, tokenErr.Error(), startedAt, log)
	o.metrics.SyncRuns.WithLabelValues(integration.Platform, string(job.Kind), "failed").Inc()
	o.metrics.SyncItems.WithLabelValues(integration.Platform, string(job.Kind)).Add(float64(synced))
	// No retry here: the data is stored and the next scheduled sync retries
	// the refresh.
	log.Warn().Err(tokenErr).Int("synced", synced).Msg("Sync stored data but credential refresh is failing")
}

func (o *SyncOrchestrator) finishSuccess(ctx context.Context, job *domain.SyncJob, integration *domain.Integration, startedAt time.Time, synced, skipped int, log zerolog.Logger) {
	now := o.now()
	integration.SyncStatus = domain.SyncSuccess
	integration.SyncErrors = ""
	integration.SyncRetryCount = 0
	integration.LastSyncedAt = &now
	integration.SyncStartedAt = nil
	if err := o.integrationRepo.Update(ctx, integration); err != nil {
		log.Error().Err(err).Msg("Failed to persist sync success")
	}

	o.recordRun(ctx, job, integration, domain.SyncSuccess, synced, skipped, "", startedAt, log)
	o.metrics.SyncRuns.WithLabelValues(integration.Platform, string(job.Kind), "success").Inc()
	o.metrics.SyncItems.WithLabelValues(integration.Platform, string(job.Kind)).Add(float64(synced))
	if skipped > 0 {
		o.metrics.SyncSkipped.WithLabelValues(integration.Platform, string(job.Kind)).Add(float64(skipped))
	}
	log.Info().Int("synced", synced).Int("skipped", skipped).Msg("Sync completed")
}

func (o *SyncOrchestrator) finishFailure(ctx context.Context, job *domain.SyncJob, integration *domain.Integration, startedAt time.Time, cause error, log zerolog.Logger) {
	class := domain.Classify(cause)

	// Rate limiting is deferral, not failure: the job retries after the
	// platform-suggested wait without burning an attempt.
	if class == domain.ClassRateLimited {
		integration.SyncStatus = domain.SyncPending
		integration.SyncStartedAt = nil
		if err := o.integrationRepo.Update(ctx, integration); err != nil {
			log.Error().Err(err).Msg("Failed to reset sync status after rate limit")
		}
		o.deferJob(ctx, job, o.retry.Delay(cause, job.Attempt+1), "rate_limit")
		return
	}

	attempt := job.Attempt + 1
	integration.SyncStatus = domain.SyncFailed
	integration.SyncErrors = cause.Error()
	integration.SyncRetryCount = attempt
	integration.SyncStartedAt = nil
	if err := o.integrationRepo.Update(ctx, integration); err != nil {
		log.Error().Err(err).Msg("Failed to persist sync failure")
	}

	o.recordRun(ctx, job, integration, domain.SyncFailed, 0, 0, cause.Error(), startedAt, log)
	o.metrics.SyncRuns.WithLabelValues(integration.Platform, string(job.Kind), "failed").Inc()

	if o.retry.ShouldRetry(cause, attempt) {
		retryJob := *job
		retryJob.Attempt = attempt
		delay := o.retry.Delay(cause, attempt)
		if err := o.queue.EnqueueDelayed(ctx, &retryJob, delay); err != nil {
			log.Error().Err(err).Msg("Failed to requeue for retry")
			return
		}
		o.metrics.SyncDeferred.WithLabelValues(integration.Platform, "retry").Inc()
		log.Warn().Err(cause).Dur("delay", delay).Int("next_attempt", attempt).Msg("Sync failed, retry scheduled")
		return
	}
	log.Error().Err(cause).Str("class", className(class)).Msg("Sync failed permanently")
}

func (o *SyncOrchestrator) recordRun(ctx context.Context, job *domain.SyncJob, integration *domain.Integration, status domain.SyncStatus, synced, skipped int, errText string, startedAt time.Time, log zerolog.Logger) {
	run := &domain.SyncRun{
		OrgID:         integration.OrgID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Kind:          job.Kind,
		Status:        status,
		ItemsSynced:   synced,
		ItemsSkipped:  skipped,
		Error:         errText,
		StartedAt:     startedAt,
		FinishedAt:    o.now(),
	}
	if err := o.runRepo.Record(ctx, run); err != nil {
		log.Error().Err(err).Msg("Failed to record sync run")
	}
}

// deferJob requeues the job unchanged after delay. Used when the integration
// is busy or throttled; the attempt counter is untouched.
func (o *SyncOrchestrator) deferJob(ctx context.Context, job *domain.SyncJob, delay time.Duration, reason string) {
	if err := o.queue.EnqueueDelayed(ctx, job, delay); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to defer job")
		return
	}
	o.metrics.SyncDeferred.WithLabelValues(job.Platform, reason).Inc()
}

func className(class domain.ErrorClass) string {
	switch class {
	case domain.ClassPermanent:
		return "permanent"
	case domain.ClassTransient:
		return "transient"
	case domain.ClassRateLimited:
		return "rate_limited"
	case domain.ClassCredential:
		return "credential"
	}
	return "unknown"
}
