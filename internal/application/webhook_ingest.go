package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/metrics"
	"cmis-platform-sync/internal/infrastructure/webhook"
	"cmis-platform-sync/internal/ports"
)

// WebhookIngestService is the push pipeline: verify, dedup, resolve the
// target integration, normalize, upsert. Both push and pull converge on the
// same canonical upsert key, so a record arriving on both paths stays one row.
type WebhookIngestService struct {
	integrationRepo ports.IntegrationRepository
	activityRepo    ports.ActivityRepository
	registry        ConnectorRegistry
	verifiers       map[string]*webhook.Verifier
	dedup           ports.EventDedup
	metrics         *metrics.Metrics
	logger          zerolog.Logger
}

// NewWebhookIngestService creates the service. verifiers holds the per
// platform HMAC secrets; deliveries for a platform without one are rejected.
func NewWebhookIngestService(
	integrationRepo ports.IntegrationRepository,
	activityRepo ports.ActivityRepository,
	registry ConnectorRegistry,
	verifiers map[string]*webhook.Verifier,
	dedup ports.EventDedup,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *WebhookIngestService {
	return &WebhookIngestService{
		integrationRepo: integrationRepo,
		activityRepo:    activityRepo,
		registry:        registry,
		verifiers:       verifiers,
		dedup:           dedup,
		metrics:         m,
		logger:          logger.With().Str("component", "webhook_ingest").Logger(),
	}
}

// VerifySubscription answers a platform's GET handshake. It returns the
// challenge to echo when the verify token matches.
func (s *WebhookIngestService) VerifySubscription(platform, mode, token, challenge string) (string, error) {
	connector, err := s.registry.Get(platform)
	if err != nil {
		return "", err
	}
	if mode != "subscribe" || token == "" || token != connector.VerifyToken() {
		return "", fmt.Errorf("subscription handshake: %w", domain.ErrSignatureInvalid)
	}
	return challenge, nil
}

// Process handles one inbound delivery. A signature failure is the only error
// surfaced to the HTTP layer; everything downstream of verification is
// acknowledged to the platform and resolved here, since redelivery would not
// fix an unknown account or a malformed payload.
func (s *WebhookIngestService) Process(ctx context.Context, event *domain.WebhookEvent) error {
	log := s.logger.With().
		Str("platform", event.Platform).
		Str("topic", event.Topic).
		Str("event_id", event.EventID).
		Logger()

	verifier, ok := s.verifiers[event.Platform]
	if !ok {
		s.metrics.WebhookEvents.WithLabelValues(event.Platform, "rejected").Inc()
		log.Warn().Msg("No webhook secret configured for platform")
		return fmt.Errorf("no webhook secret for platform %s: %w", event.Platform, domain.ErrSignatureInvalid)
	}
	if err := verifier.Verify(event.Payload, event.Signature); err != nil {
		s.metrics.WebhookEvents.WithLabelValues(event.Platform, "rejected").Inc()
		log.Warn().Msg("Webhook signature verification failed")
		return err
	}

	if event.EventID != "" && s.dedup != nil {
		seen, err := s.dedup.Seen(ctx, event.Platform, event.EventID)
		if err != nil {
			// Dedup is an optimization; the upsert key handles duplicates.
			log.Warn().Err(err).Msg("Event dedup unavailable, processing anyway")
		} else if seen {
			s.metrics.WebhookEvents.WithLabelValues(event.Platform, "duplicate").Inc()
			log.Debug().Msg("Duplicate webhook delivery suppressed")
			return nil
		}
	}

	connector, err := s.registry.Get(event.Platform)
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues(event.Platform, "ignored").Inc()
		log.Warn().Err(err).Msg("Webhook for unregistered platform ignored")
		return nil
	}

	delivery, err := connector.ParseWebhook(event)
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues(event.Platform, "ignored").Inc()
		log.Warn().Err(err).Msg("Unparseable webhook payload ignored")
		return nil
	}

	integration, err := s.integrationRepo.FindActiveByPlatformAccount(ctx, event.Platform, delivery.AccountID)
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues(event.Platform, "error").Inc()
		return fmt.Errorf("failed to resolve webhook target: %w", err)
	}
	if integration == nil {
		s.metrics.WebhookEvents.WithLabelValues(event.Platform, "ignored").Inc()
		log.Info().Str("account_id", delivery.AccountID).Msg("Webhook for unknown account ignored")
		return nil
	}

	ctx = domain.WithOrgScope(ctx, integration.OrgID)

	stored := 0
	for _, record := range delivery.Records {
		if record == nil || record.PlatformNativeID == "" || !domain.ValidKind(record.Kind) {
			log.Warn().Msg("Skipping malformed webhook record")
			continue
		}
		record.OrgID = integration.OrgID
		record.IntegrationID = integration.ID
		record.Platform = integration.Platform

		if _, err := s.activityRepo.Upsert(ctx, record); err != nil {
			s.metrics.WebhookEvents.WithLabelValues(event.Platform, "error").Inc()
			return fmt.Errorf("failed to store webhook record: %w", err)
		}
		stored++
	}

	s.metrics.WebhookEvents.WithLabelValues(event.Platform, "processed").Inc()
	log.Info().Int("records", stored).Msg("Webhook processed")
	return nil
}

// IsRejection reports whether a Process error should map to an auth failure
// at the HTTP boundary.
func IsRejection(err error) bool {
	return errors.Is(err, domain.ErrSignatureInvalid)
}
