package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/ratelimit"
	"cmis-platform-sync/internal/ports"
)

const (
	metaGraphURL  = "https://graph.facebook.com/v19.0"
	metaDialogURL = "https://www.facebook.com/v19.0/dialog/oauth"
	metaScopes    = "pages_show_list,pages_read_engagement,pages_manage_posts,pages_messaging,ads_management,ads_read,business_management"

	// Long-lived user tokens default to 60 days when the exchange response
	// omits expires_in.
	metaDefaultTokenTTL = 5184000 * time.Second
)

// MetaConfig holds the Meta app credentials.
type MetaConfig struct {
	AppID       string
	AppSecret   string
	RedirectURI string
	VerifyToken string
}

// MetaConnector integrates Facebook pages and ad accounts through the Graph
// API. Page content (posts, comments, conversations) hangs off the page_id
// setting; campaigns off ad_account_id.
type MetaConnector struct {
	cfg    MetaConfig
	api    *httpAPI
	logger zerolog.Logger
}

// NewMetaConnector creates the connector.
func NewMetaConnector(cfg MetaConfig, limiter *ratelimit.Limiter, logger zerolog.Logger) *MetaConnector {
	return &MetaConnector{
		cfg:    cfg,
		api:    newHTTPAPI(domain.PlatformMeta, metaGraphURL, limiter, logger),
		logger: logger.With().Str("connector", domain.PlatformMeta).Logger(),
	}
}

func (c *MetaConnector) Platform() string { return domain.PlatformMeta }

// AuthURL builds the OAuth dialog URL for the consent redirect.
func (c *MetaConnector) AuthURL(params ports.AuthURLParams) (string, error) {
	redirect := params.RedirectURI
	if redirect == "" {
		redirect = c.cfg.RedirectURI
	}
	q := url.Values{}
	q.Set("client_id", c.cfg.AppID)
	q.Set("redirect_uri", redirect)
	q.Set("scope", metaScopes)
	q.Set("response_type", "code")
	q.Set("state", params.State)
	return metaDialogURL + "?" + q.Encode(), nil
}

// Connect exchanges the authorization code for a short-lived token, upgrades
// it to a long-lived one, and resolves the connected user account.
func (c *MetaConnector) Connect(ctx context.Context, orgID string, creds ports.Credentials) (*domain.Integration, error) {
	redirect := creds.RedirectURI
	if redirect == "" {
		redirect = c.cfg.RedirectURI
	}

	q := url.Values{}
	q.Set("client_id", c.cfg.AppID)
	q.Set("client_secret", c.cfg.AppSecret)
	q.Set("redirect_uri", redirect)
	q.Set("code", creds.Code)
	resp, err := c.api.get(ctx, "", "/oauth/access_token", q, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	shortToken := str(resp, "access_token")
	if shortToken == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("token exchange returned no access_token")}
	}

	longToken, expiresAt, err := c.exchangeLongLived(ctx, shortToken)
	if err != nil {
		return nil, err
	}

	me, err := c.api.get(ctx, "", "/me", url.Values{
		"fields":       []string{"id,name,email"},
		"access_token": []string{longToken},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve connected account: %w", err)
	}
	accountID := str(me, "id")
	if accountID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("account lookup returned no id")}
	}

	settings := map[string]any{}
	if email := str(me, "email"); email != "" {
		settings["account_email"] = email
	}

	return &domain.Integration{
		OrgID:             orgID,
		Platform:          domain.PlatformMeta,
		ExternalAccountID: accountID,
		AccountName:       str(me, "name"),
		AccessToken:       longToken,
		TokenExpiresAt:    &expiresAt,
		Settings:          settings,
		SyncStatus:        domain.SyncPending,
		IsActive:          true,
	}, nil
}

// exchangeLongLived upgrades a token via the fb_exchange_token grant.
func (c *MetaConnector) exchangeLongLived(ctx context.Context, token string) (string, time.Time, error) {
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", c.cfg.AppID)
	q.Set("client_secret", c.cfg.AppSecret)
	q.Set("fb_exchange_token", token)

	resp, err := c.api.get(ctx, "", "/oauth/access_token", q, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to exchange for long-lived token: %w", err)
	}
	longToken := str(resp, "access_token")
	if longToken == "" {
		return "", time.Time{}, &domain.PermanentError{Status: 400, Err: errors.New("long-lived exchange returned no access_token")}
	}

	ttl := metaDefaultTokenTTL
	if secs := num(resp, "expires_in"); secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	return longToken, time.Now().Add(ttl), nil
}

// Disconnect revokes the granted permissions. Revocation failures are logged
// and swallowed; local deactivation proceeds regardless.
func (c *MetaConnector) Disconnect(ctx context.Context, integration *domain.Integration) error {
	_, err := c.api.delete(ctx, integration.ID, "/me/permissions", url.Values{
		"access_token": []string{integration.AccessToken},
	}, nil)
	if err != nil {
		c.logger.Warn().Err(err).
			Str("integration_id", integration.ID).
			Msg("Failed to revoke permissions, continuing with local disconnect")
	}
	return nil
}

// RefreshToken re-exchanges the current long-lived token for a fresh one.
// Meta issues no refresh tokens; once the token lapses a reconnect is the
// only recovery.
func (c *MetaConnector) RefreshToken(ctx context.Context, integration *domain.Integration) (*domain.Integration, error) {
	token, expiresAt, err := c.exchangeLongLived(ctx, integration.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCredentialRefreshFailed, err)
	}
	refreshed := *integration
	refreshed.AccessToken = token
	refreshed.TokenExpiresAt = &expiresAt
	return &refreshed, nil
}

// TestConnection verifies the stored token still resolves the account.
func (c *MetaConnector) TestConnection(ctx context.Context, integration *domain.Integration) error {
	_, err := c.api.get(ctx, integration.ID, "/me", url.Values{
		"fields":       []string{"id"},
		"access_token": []string{integration.AccessToken},
	}, nil)
	return err
}

// TestCredentials validates a raw token without creating an integration.
func (c *MetaConnector) TestCredentials(ctx context.Context, creds ports.Credentials) ports.CredentialCheck {
	if creds.AccessToken == "" {
		return ports.CredentialCheck{Valid: false, Message: "access token is required"}
	}
	_, err := c.api.get(ctx, "", "/me", url.Values{
		"fields":       []string{"id"},
		"access_token": []string{creds.AccessToken},
	}, nil)
	if err != nil {
		return ports.CredentialCheck{Valid: false, Message: err.Error()}
	}
	return ports.CredentialCheck{Valid: true}
}

// SyncPosts pulls the page feed.
func (c *MetaConnector) SyncPosts(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	pageID, err := c.pageID(integration)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("fields", "id,message,created_time,permalink_url,from,reactions.summary(true),comments.summary(true),shares")
	q.Set("access_token", integration.AccessToken)
	q.Set("limit", pullLimit(opts, 100))
	if opts.Since != nil {
		q.Set("since", strconv.FormatInt(opts.Since.Unix(), 10))
	}

	resp, err := c.api.get(ctx, integration.ID, "/"+pageID+"/posts", q, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to pull page posts: %w", err)
	}

	var records []*domain.ActivityRecord
	for _, item := range list(resp, "data") {
		metrics := map[string]float64{}
		if summary := obj(obj(item, "reactions"), "summary"); summary != nil {
			metrics["reactions"] = num(summary, "total_count")
		}
		if summary := obj(obj(item, "comments"), "summary"); summary != nil {
			metrics["comments"] = num(summary, "total_count")
		}
		if shares := obj(item, "shares"); shares != nil {
			metrics["shares"] = num(shares, "count")
		}
		from := obj(item, "from")

		records = append(records, &domain.ActivityRecord{
			Platform:         domain.PlatformMeta,
			Kind:             domain.KindPost,
			PlatformNativeID: str(item, "id"),
			Content:          str(item, "message"),
			AuthorID:         str(from, "id"),
			AuthorName:       str(from, "name"),
			Permalink:        str(item, "permalink_url"),
			Status:           "published",
			Metrics:          metrics,
			PublishedAt:      parseTime(str(item, "created_time")),
		})
	}
	return records, nil
}

// SyncComments pulls comments under each parent post.
func (c *MetaConnector) SyncComments(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	var records []*domain.ActivityRecord
	for _, postID := range opts.ParentIDs {
		q := url.Values{}
		q.Set("fields", "id,message,from,created_time,like_count,is_hidden,permalink_url")
		q.Set("access_token", integration.AccessToken)
		q.Set("limit", pullLimit(opts, 100))

		resp, err := c.api.get(ctx, integration.ID, "/"+postID+"/comments", q, nil)
		if err != nil {
			return records, fmt.Errorf("failed to pull comments for post %s: %w", postID, err)
		}

		for _, item := range list(resp, "data") {
			from := obj(item, "from")
			status := "visible"
			if hidden, ok := item["is_hidden"].(bool); ok && hidden {
				status = "hidden"
			}
			records = append(records, &domain.ActivityRecord{
				Platform:         domain.PlatformMeta,
				Kind:             domain.KindComment,
				PlatformNativeID: str(item, "id"),
				ParentNativeID:   postID,
				Content:          str(item, "message"),
				AuthorID:         str(from, "id"),
				AuthorName:       str(from, "name"),
				Permalink:        str(item, "permalink_url"),
				Status:           status,
				Metrics:          map[string]float64{"likes": num(item, "like_count")},
				PublishedAt:      parseTime(str(item, "created_time")),
			})
		}
	}
	return records, nil
}

// SyncMessages pulls page conversations with their most recent messages.
func (c *MetaConnector) SyncMessages(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	pageID, err := c.pageID(integration)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("fields", "id,updated_time,messages.limit(25){id,message,from,created_time}")
	q.Set("access_token", integration.AccessToken)
	q.Set("limit", pullLimit(opts, 50))

	resp, err := c.api.get(ctx, integration.ID, "/"+pageID+"/conversations", q, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to pull conversations: %w", err)
	}

	var records []*domain.ActivityRecord
	for _, conv := range list(resp, "data") {
		convID := str(conv, "id")
		for _, msg := range list(obj(conv, "messages"), "data") {
			from := obj(msg, "from")
			records = append(records, &domain.ActivityRecord{
				Platform:         domain.PlatformMeta,
				Kind:             domain.KindMessage,
				PlatformNativeID: str(msg, "id"),
				ParentNativeID:   convID,
				Content:          str(msg, "message"),
				AuthorID:         str(from, "id"),
				AuthorName:       str(from, "name"),
				PublishedAt:      parseTime(str(msg, "created_time")),
			})
		}
	}
	return records, nil
}

// SyncCampaigns pulls the ad account's campaigns with lifetime insights.
func (c *MetaConnector) SyncCampaigns(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	adAccountID := integration.Setting("ad_account_id")
	if adAccountID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("ad_account_id setting is required for campaign sync")}
	}

	q := url.Values{}
	q.Set("fields", "id,name,status,objective,daily_budget,lifetime_budget,created_time,insights.date_preset(maximum){impressions,clicks,spend,reach}")
	q.Set("access_token", integration.AccessToken)
	q.Set("limit", pullLimit(opts, 100))

	resp, err := c.api.get(ctx, integration.ID, "/act_"+adAccountID+"/campaigns", q, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to pull campaigns: %w", err)
	}

	var records []*domain.ActivityRecord
	for _, item := range list(resp, "data") {
		metrics := map[string]float64{
			// Budgets arrive in minor currency units.
			"daily_budget":    num(item, "daily_budget") / 100,
			"lifetime_budget": num(item, "lifetime_budget") / 100,
		}
		if insights := list(obj(item, "insights"), "data"); len(insights) > 0 {
			metrics["impressions"] = num(insights[0], "impressions")
			metrics["clicks"] = num(insights[0], "clicks")
			metrics["spend"] = num(insights[0], "spend")
			metrics["reach"] = num(insights[0], "reach")
		}
		records = append(records, &domain.ActivityRecord{
			Platform:         domain.PlatformMeta,
			Kind:             domain.KindCampaign,
			PlatformNativeID: str(item, "id"),
			Content:          str(item, "name"),
			Status:           str(item, "status"),
			Metrics:          metrics,
			PublishedAt:      parseTime(str(item, "created_time")),
		})
	}
	return records, nil
}

// AccountMetrics returns page-level audience counters.
func (c *MetaConnector) AccountMetrics(ctx context.Context, integration *domain.Integration) (map[string]float64, error) {
	pageID, err := c.pageID(integration)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.get(ctx, integration.ID, "/"+pageID, url.Values{
		"fields":       []string{"followers_count,fan_count"},
		"access_token": []string{integration.AccessToken},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to pull page metrics: %w", err)
	}
	return map[string]float64{
		"followers": num(resp, "followers_count"),
		"fans":      num(resp, "fan_count"),
	}, nil
}

// PublishPost publishes to the page feed, optionally scheduled.
func (c *MetaConnector) PublishPost(ctx context.Context, integration *domain.Integration, content ports.PostContent) (string, error) {
	pageID, err := c.pageID(integration)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("message", content.Text)
	form.Set("access_token", integration.AccessToken)
	if len(content.MediaURLs) > 0 {
		form.Set("link", content.MediaURLs[0])
	}
	if content.ScheduledAt != nil {
		form.Set("published", "false")
		form.Set("scheduled_publish_time", strconv.FormatInt(content.ScheduledAt.Unix(), 10))
	}

	resp, err := c.api.postForm(ctx, integration.ID, "/"+pageID+"/feed", form)
	if err != nil {
		return "", fmt.Errorf("failed to publish post: %w", err)
	}
	remoteID := str(resp, "id")
	if remoteID == "" {
		return "", &domain.PermanentError{Status: 400, Err: errors.New("publish returned no post id")}
	}
	return remoteID, nil
}

// CreateAdCampaign creates a paused-by-default campaign on the ad account.
// Budgets live on ad sets, so a budget in params creates one under the new
// campaign.
func (c *MetaConnector) CreateAdCampaign(ctx context.Context, integration *domain.Integration, params ports.CampaignParams) (*ports.CampaignResult, error) {
	adAccountID := integration.Setting("ad_account_id")
	if adAccountID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("ad_account_id setting is required to create campaigns")}
	}

	status := params.Status
	if status == "" {
		status = "PAUSED"
	}
	form := url.Values{}
	form.Set("name", params.Name)
	form.Set("objective", params.Objective)
	form.Set("status", status)
	form.Set("special_ad_categories", "[]")
	form.Set("access_token", integration.AccessToken)

	resp, err := c.api.postForm(ctx, integration.ID, "/act_"+adAccountID+"/campaigns", form)
	if err != nil {
		return &ports.CampaignResult{Success: false, Error: err.Error()}, err
	}
	campaignID := str(resp, "id")

	if params.DailyBudget > 0 || params.LifetimeBudget > 0 {
		if err := c.createAdSet(ctx, integration, adAccountID, campaignID, params); err != nil {
			c.logger.Warn().Err(err).
				Str("campaign_id", campaignID).
				Msg("Campaign created but ad set creation failed")
		}
	}
	return &ports.CampaignResult{Success: true, RemoteID: campaignID}, nil
}

func (c *MetaConnector) createAdSet(ctx context.Context, integration *domain.Integration, adAccountID, campaignID string, params ports.CampaignParams) error {
	form := url.Values{}
	form.Set("name", params.Name+" - Ad Set")
	form.Set("campaign_id", campaignID)
	form.Set("status", "PAUSED")
	form.Set("billing_event", "IMPRESSIONS")
	form.Set("access_token", integration.AccessToken)
	if params.DailyBudget > 0 {
		form.Set("daily_budget", strconv.FormatInt(int64(params.DailyBudget*100), 10))
	}
	if params.LifetimeBudget > 0 {
		form.Set("lifetime_budget", strconv.FormatInt(int64(params.LifetimeBudget*100), 10))
	}
	if len(params.Targeting) > 0 {
		targeting, err := json.Marshal(params.Targeting)
		if err != nil {
			return fmt.Errorf("failed to marshal targeting: %w", err)
		}
		form.Set("targeting", string(targeting))
	}

	_, err := c.api.postForm(ctx, integration.ID, "/act_"+adAccountID+"/adsets", form)
	return err
}

// UpdateAdCampaign applies partial updates to a campaign.
func (c *MetaConnector) UpdateAdCampaign(ctx context.Context, integration *domain.Integration, campaignID string, updates map[string]any) (*ports.CampaignResult, error) {
	form := url.Values{}
	form.Set("access_token", integration.AccessToken)
	for key, value := range updates {
		form.Set(key, fmt.Sprintf("%v", value))
	}

	if _, err := c.api.postForm(ctx, integration.ID, "/"+campaignID, form); err != nil {
		return &ports.CampaignResult{Success: false, Error: err.Error()}, err
	}
	return &ports.CampaignResult{Success: true, RemoteID: campaignID}, nil
}

// VerifyToken returns the subscription handshake token.
func (c *MetaConnector) VerifyToken() string { return c.cfg.VerifyToken }

// metaWebhookPayload is the Graph webhook envelope shape.
type metaWebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string  `json:"id"`
		Time    float64 `json:"time"`
		Changes []struct {
			Field string         `json:"field"`
			Value map[string]any `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook maps feed change notifications onto canonical records. Changes
// outside the feed field are ignored.
func (c *MetaConnector) ParseWebhook(event *domain.WebhookEvent) (*ports.WebhookDelivery, error) {
	var payload metaWebhookPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return nil, &domain.PermanentError{Status: 400, Err: fmt.Errorf("undecodable webhook payload: %w", err)}
	}
	if len(payload.Entry) == 0 {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("webhook payload has no entries")}
	}

	delivery := &ports.WebhookDelivery{AccountID: payload.Entry[0].ID}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "feed" {
				continue
			}
			record := c.feedChangeToRecord(change.Value)
			if record == nil {
				continue
			}
			delivery.Records = append(delivery.Records, record)
		}
	}
	return delivery, nil
}

func (c *MetaConnector) feedChangeToRecord(value map[string]any) *domain.ActivityRecord {
	from := obj(value, "from")
	record := &domain.ActivityRecord{
		Platform:    domain.PlatformMeta,
		Content:     str(value, "message"),
		AuthorID:    str(from, "id"),
		AuthorName:  str(from, "name"),
		PublishedAt: unixTime(num(value, "created_time")),
		Deleted:     str(value, "verb") == "remove",
	}
	if commentID := str(value, "comment_id"); commentID != "" {
		record.Kind = domain.KindComment
		record.PlatformNativeID = commentID
		record.ParentNativeID = str(value, "post_id")
	} else if postID := str(value, "post_id"); postID != "" {
		record.Kind = domain.KindPost
		record.PlatformNativeID = postID
	} else {
		return nil
	}
	return record
}

func (c *MetaConnector) pageID(integration *domain.Integration) (string, error) {
	pageID := integration.Setting("page_id")
	if pageID == "" {
		return "", &domain.PermanentError{Status: 400, Err: errors.New("page_id setting is required")}
	}
	return pageID, nil
}

func pullLimit(opts domain.SyncOptions, fallback int) string {
	if opts.Limit > 0 {
		return strconv.Itoa(opts.Limit)
	}
	return strconv.Itoa(fallback)
}
