package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"

	"cmis-platform-sync/internal/application"
	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/ports"
)

// Server assembles the HTTP surface: integration lifecycle, sync triggers,
// status projections, activity reads and the webhook receiver.
type Server struct {
	integrations *application.IntegrationService
	status       *application.StatusService
	ingest       *application.WebhookIngestService
	activityRepo ports.ActivityRepository
	metrics      http.Handler
	logger       zerolog.Logger
}

// NewServer creates the server.
func NewServer(
	integrations *application.IntegrationService,
	status *application.StatusService,
	ingest *application.WebhookIngestService,
	activityRepo ports.ActivityRepository,
	metricsHandler http.Handler,
	logger zerolog.Logger,
) *Server {
	return &Server{
		integrations: integrations,
		status:       status,
		ingest:       ingest,
		activityRepo: activityRepo,
		metrics:      metricsHandler,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))
	r.Use(s.orgScopeMiddleware)

	// Public routes.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.metrics)
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	r.Get("/swagger/doc.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		http.ServeFile(w, r, "./docs/swagger.json")
	})

	// OAuth flow. The callback is public; the platform redirects here without
	// our headers.
	r.Get("/auth/{platform}", s.handleAuthStart)
	r.Get("/auth/callback", s.handleAuthCallback)

	// Webhook receiver: GET is the subscription handshake, POST the delivery.
	r.Get("/webhooks/{platform}", s.handleWebhookVerify)
	r.Post("/webhooks/{platform}", s.handleWebhookDelivery)

	// Org-scoped API.
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/integrations", s.handleConnect)
		r.Post("/integrations/test", s.handleTestCredentials)
		r.Get("/integrations", s.handleListIntegrations)
		r.Get("/integrations/{id}", s.handleGetIntegration)
		r.Delete("/integrations/{id}", s.handleDisconnect)
		r.Post("/integrations/{id}/sync", s.handleTriggerSync)
		r.Post("/integrations/{id}/test", s.handleTestConnection)
		r.Get("/integrations/{id}/status", s.handleIntegrationStatus)
		r.Post("/integrations/{id}/posts", s.handlePublishPost)
		r.Post("/integrations/{id}/campaigns", s.handleCreateCampaign)
		r.Put("/integrations/{id}/campaigns/{campaignId}", s.handleUpdateCampaign)
		r.Get("/status", s.handleOrgStatus)
		r.Get("/activity", s.handleListActivity)
	})

	return r
}

// orgScopeMiddleware resolves the calling organization from the X-Org-ID
// header and stamps it onto the context. Public and platform-facing routes
// are exempt; everything else without an org is rejected up front.
func (s *Server) orgScopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" ||
			strings.HasPrefix(path, "/swagger/") ||
			path == "/auth/callback" ||
			strings.HasPrefix(path, "/webhooks/") {
			next.ServeHTTP(w, r)
			return
		}

		orgID := r.Header.Get("X-Org-ID")
		if orgID == "" {
			writeError(w, http.StatusBadRequest, "X-Org-ID header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(domain.WithOrgScope(r.Context(), orgID)))
	})
}

func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, err := domain.OrgScopeFromContext(ctx)
	if err != nil {
		writeError(w, http.StatusBadRequest, "X-Org-ID header is required")
		return
	}
	platform := chi.URLParam(r, "platform")
	returnURL := r.URL.Query().Get("return_url")

	authURL, err := s.integrations.StartOAuth(ctx, orgID, platform, "", returnURL)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "state and code parameters are required")
		return
	}

	integration, returnURL, err := s.integrations.CompleteOAuth(r.Context(), state, code, "")
	if err != nil {
		s.logger.Error().Err(err).Msg("OAuth callback failed")
		writeError(w, http.StatusBadRequest, "failed to complete connection")
		return
	}

	if returnURL != "" {
		redirect := returnURL + "?connected=" + url.QueryEscape(integration.Platform) +
			"&integration_id=" + url.QueryEscape(integration.ID)
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, integration)
}

type connectRequest struct {
	Platform    string `json:"platform"`
	AccessToken string `json:"access_token,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	APISecret   string `json:"api_secret,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
}

func (r connectRequest) credentials() ports.Credentials {
	return ports.Credentials{
		AccessToken: r.AccessToken,
		APIKey:      r.APIKey,
		APISecret:   r.APISecret,
		AccountID:   r.AccountID,
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, _ := domain.OrgScopeFromContext(ctx)

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	integration, err := s.integrations.ConnectDirect(ctx, orgID, req.Platform, req.credentials())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, integration)
}

func (s *Server) handleTestCredentials(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	check, err := s.integrations.TestCredentials(r.Context(), req.Platform, req.credentials())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, _ := domain.OrgScopeFromContext(ctx)
	activeOnly := r.URL.Query().Get("active") == "true"

	integrations, err := s.integrations.List(ctx, orgID, activeOnly)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": integrations})
}

func (s *Server) handleGetIntegration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, _ := domain.OrgScopeFromContext(ctx)

	integration, err := s.integrations.Get(ctx, orgID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, integration)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, _ := domain.OrgScopeFromContext(ctx)

	if err := s.integrations.Disconnect(ctx, orgID, chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, _ := domain.OrgScopeFromContext(ctx)

	var req struct {
		Kinds []domain.ActivityKind `json:"kinds,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := s.integrations.TriggerSync(ctx, orgID, chi.URLParam(r, "id"), req.Kinds); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, _ := domain.OrgScopeFromContext(ctx)

	if err := s.integrations.TestConnection(ctx, orgID, chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, domain.ErrIntegrationNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ports.CredentialCheck{Valid: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ports.CredentialCheck{Valid: true})
}

func (s *Server) handleIntegrationStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, _ := domain.OrgScopeFromContext(ctx)

	status, err := s.status.GetIntegrationStatus(ctx, orgID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleOrgStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, _ := domain.OrgScopeFromContext(ctx)

	status, err := s.status.GetOrgStatus(ctx, orgID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePublishPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, _ := domain.OrgScopeFromContext(ctx)

	var req struct {
		Text        string     `json:"text"`
		MediaURLs   []string   `json:"media_urls,omitempty"`
		ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	remoteID, err := s.integrations.PublishPost(ctx, orgID, chi.URLParam(r, "id"), ports.PostContent{
		Text:        req.Text,
		MediaURLs:   req.MediaURLs,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"remote_id": remoteID})
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, _ := domain.OrgScopeFromContext(ctx)

	var req struct {
		Name           string         `json:"name"`
		Objective      string         `json:"objective"`
		Status         string         `json:"status,omitempty"`
		DailyBudget    float64        `json:"daily_budget,omitempty"`
		LifetimeBudget float64        `json:"lifetime_budget,omitempty"`
		Targeting      map[string]any `json:"targeting,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.integrations.CreateCampaign(ctx, orgID, chi.URLParam(r, "id"), ports.CampaignParams{
		Name:           req.Name,
		Objective:      req.Objective,
		Status:         req.Status,
		DailyBudget:    req.DailyBudget,
		LifetimeBudget: req.LifetimeBudget,
		Targeting:      req.Targeting,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, _ := domain.OrgScopeFromContext(ctx)

	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.integrations.UpdateCampaign(ctx, orgID, chi.URLParam(r, "id"), chi.URLParam(r, "campaignId"), updates)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	filter := ports.ActivityFilter{
		IntegrationID: r.URL.Query().Get("integration_id"),
		Kind:          domain.ActivityKind(r.URL.Query().Get("kind")),
		Limit:         100,
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}

	records, err := s.activityRepo.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	q := r.URL.Query()

	challenge, err := s.ingest.VerifySubscription(platform,
		q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if err != nil {
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// signatureHeaders maps platforms to the header their deliveries are signed
// with.
var signatureHeaders = map[string]string{
	domain.PlatformMeta:     "X-Hub-Signature-256",
	domain.PlatformTikTok:   "X-TikTok-Signature",
	domain.PlatformLinkedIn: "X-LinkedIn-Signature",
	domain.PlatformShopify:  "X-Shopify-Hmac-SHA256",
}

func (s *Server) handleWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	event := &domain.WebhookEvent{
		Platform:   platform,
		EventID:    r.Header.Get("X-Shopify-Webhook-Id"),
		Topic:      r.Header.Get("X-Shopify-Topic"),
		AccountID:  r.Header.Get("X-Shopify-Shop-Domain"),
		Payload:    payload,
		Signature:  r.Header.Get(signatureHeaders[platform]),
		ReceivedAt: time.Now(),
	}
	if event.EventID == "" {
		event.EventID = r.Header.Get("X-Event-Id")
	}

	if err := s.ingest.Process(r.Context(), event); err != nil {
		if application.IsRejection(err) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		// Transient processing failure; non-2xx makes the platform redeliver.
		s.logger.Error().Err(err).Str("platform", platform).Msg("Webhook processing failed")
		writeError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

// writeServiceError maps service errors to HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrIntegrationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrUnsupportedPlatform),
		errors.Is(err, domain.ErrUnsupportedOperation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNoTenantScope):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
