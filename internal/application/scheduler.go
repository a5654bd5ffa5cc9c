package application

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/ports"
)

// DefaultKindIntervals is the per-kind sync cadence. Posts move fastest,
// account metric snapshots slowest.
var DefaultKindIntervals = map[domain.ActivityKind]time.Duration{
	domain.KindPost:     15 * time.Minute,
	domain.KindComment:  30 * time.Minute,
	domain.KindMessage:  30 * time.Minute,
	domain.KindCampaign: time.Hour,
	domain.KindMetric:   6 * time.Hour,
}

// schedulerTick is how often due integrations are collected.
const schedulerTick = 5 * time.Minute

// Scheduler enqueues periodic default-priority syncs for every active
// integration. It only produces jobs; dedup against concurrent manual
// triggers happens at execution time via the per-integration sync guard.
type Scheduler struct {
	scheduler       *gocron.Scheduler
	integrationRepo ports.IntegrationRepository
	orchestrator    *SyncOrchestrator
	intervals       map[domain.ActivityKind]time.Duration
	logger          zerolog.Logger

	mu           sync.Mutex
	lastEnqueued map[string]time.Time
	now          func() time.Time
}

// NewScheduler creates the scheduler. Nil intervals fall back to the
// defaults.
func NewScheduler(
	integrationRepo ports.IntegrationRepository,
	orchestrator *SyncOrchestrator,
	intervals map[domain.ActivityKind]time.Duration,
	logger zerolog.Logger,
) *Scheduler {
	if intervals == nil {
		intervals = DefaultKindIntervals
	}
	return &Scheduler{
		scheduler:       gocron.NewScheduler(time.UTC),
		integrationRepo: integrationRepo,
		orchestrator:    orchestrator,
		intervals:       intervals,
		logger:          logger.With().Str("component", "scheduler").Logger(),
		lastEnqueued:    make(map[string]time.Time),
		now:             time.Now,
	}
}

// Start registers the periodic job and runs the scheduler in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.scheduler.Every(schedulerTick).Do(func() {
		s.enqueueDue(ctx)
	})
	if err != nil {
		return err
	}
	s.scheduler.StartAsync()
	s.logger.Info().Dur("tick", schedulerTick).Msg("Sync scheduler started")
	return nil
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// enqueueDue walks active integrations and queues the kinds whose cadence has
// elapsed since this process last queued them.
func (s *Scheduler) enqueueDue(ctx context.Context) {
	integrations, err := s.integrationRepo.ListActive(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list active integrations")
		return
	}

	queued := 0
	for _, integration := range integrations {
		for kind, interval := range s.intervals {
			if !s.due(integration.ID, kind, interval) {
				continue
			}
			err := s.orchestrator.Enqueue(ctx, integration, []domain.ActivityKind{kind}, domain.PriorityDefault, domain.SyncOptions{})
			if err != nil {
				s.logger.Error().Err(err).
					Str("integration_id", integration.ID).
					Str("kind", string(kind)).
					Msg("Failed to enqueue scheduled sync")
				continue
			}
			s.markEnqueued(integration.ID, kind)
			queued++
		}
	}
	if queued > 0 {
		s.logger.Info().Int("jobs", queued).Int("integrations", len(integrations)).Msg("Scheduled syncs enqueued")
	}
}

func (s *Scheduler) due(integrationID string, kind domain.ActivityKind, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastEnqueued[integrationID+":"+string(kind)]
	if !ok {
		return true
	}
	return s.now().Sub(last) >= interval
}

func (s *Scheduler) markEnqueued(integrationID string, kind domain.ActivityKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEnqueued[integrationID+":"+string(kind)] = s.now()
}
