package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/ratelimit"
	"cmis-platform-sync/internal/ports"
)

const (
	tiktokAuthorizeURL = "https://www.tiktok.com/auth/authorize/"
	tiktokOAuthURL     = "https://open-api.tiktok.com"
	tiktokBusinessURL  = "https://business-api.tiktok.com/open_api/v1.3"
	tiktokScopes       = "user.info.basic,video.list,video.publish,comment.list,comment.manage"
)

// TikTokConfig holds the TikTok app credentials.
type TikTokConfig struct {
	ClientKey    string
	ClientSecret string
	RedirectURI  string
	VerifyToken  string
}

// TikTokConnector integrates TikTok creator accounts and the business ads
// API. Organic content is keyed by the open_id setting, campaigns by
// advertiser_id. TikTok issues refresh tokens, so expiring credentials renew
// without user interaction.
type TikTokConnector struct {
	cfg     TikTokConfig
	authAPI *httpAPI
	api     *httpAPI
	logger  zerolog.Logger
}

// NewTikTokConnector creates the connector.
func NewTikTokConnector(cfg TikTokConfig, limiter *ratelimit.Limiter, logger zerolog.Logger) *TikTokConnector {
	l := logger.With().Str("connector", domain.PlatformTikTok).Logger()
	return &TikTokConnector{
		cfg:     cfg,
		authAPI: newHTTPAPI(domain.PlatformTikTok, tiktokOAuthURL, limiter, l),
		api:     newHTTPAPI(domain.PlatformTikTok, tiktokBusinessURL, limiter, l),
		logger:  l,
	}
}

func (c *TikTokConnector) Platform() string { return domain.PlatformTikTok }

// AuthURL builds the authorization URL for the consent redirect.
func (c *TikTokConnector) AuthURL(params ports.AuthURLParams) (string, error) {
	redirect := params.RedirectURI
	if redirect == "" {
		redirect = c.cfg.RedirectURI
	}
	q := url.Values{}
	q.Set("client_key", c.cfg.ClientKey)
	q.Set("scope", tiktokScopes)
	q.Set("response_type", "code")
	q.Set("redirect_uri", redirect)
	q.Set("state", params.State)
	return tiktokAuthorizeURL + "?" + q.Encode(), nil
}

// Connect exchanges the authorization code for access and refresh tokens and
// resolves the creator profile.
func (c *TikTokConnector) Connect(ctx context.Context, orgID string, creds ports.Credentials) (*domain.Integration, error) {
	form := url.Values{}
	form.Set("client_key", c.cfg.ClientKey)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("code", creds.Code)
	form.Set("grant_type", "authorization_code")

	resp, err := c.authAPI.postForm(ctx, "", "/oauth/access_token/", form)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	data, err := tiktokData(resp)
	if err != nil {
		return nil, err
	}

	accessToken := str(data, "access_token")
	openID := str(data, "open_id")
	if accessToken == "" || openID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("token exchange returned no access_token or open_id")}
	}
	expiresAt := time.Now().Add(time.Duration(num(data, "expires_in")) * time.Second)

	integration := &domain.Integration{
		OrgID:             orgID,
		Platform:          domain.PlatformTikTok,
		ExternalAccountID: openID,
		AccessToken:       accessToken,
		RefreshToken:      str(data, "refresh_token"),
		TokenExpiresAt:    &expiresAt,
		Settings:          map[string]any{"open_id": openID},
		SyncStatus:        domain.SyncPending,
		IsActive:          true,
	}

	if profile, err := c.userInfo(ctx, "", accessToken, openID); err == nil {
		integration.AccountName = str(profile, "display_name")
		if avatar := str(profile, "avatar_url"); avatar != "" {
			integration.Settings["avatar_url"] = avatar
		}
	} else {
		c.logger.Warn().Err(err).Msg("Failed to resolve creator profile during connect")
	}
	return integration, nil
}

// Disconnect is local only. TikTok has no revocation endpoint for this grant
// type; the token lapses on its own.
func (c *TikTokConnector) Disconnect(ctx context.Context, integration *domain.Integration) error {
	return nil
}

// RefreshToken renews the token pair with the refresh grant.
func (c *TikTokConnector) RefreshToken(ctx context.Context, integration *domain.Integration) (*domain.Integration, error) {
	if !integration.HasRefreshToken() {
		return nil, domain.ErrCredentialExpired
	}

	form := url.Values{}
	form.Set("client_key", c.cfg.ClientKey)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", integration.RefreshToken)

	resp, err := c.authAPI.postForm(ctx, integration.ID, "/oauth/refresh_token/", form)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCredentialRefreshFailed, err)
	}
	data, err := tiktokData(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCredentialRefreshFailed, err)
	}

	accessToken := str(data, "access_token")
	if accessToken == "" {
		return nil, fmt.Errorf("%w: refresh returned no access_token", domain.ErrCredentialRefreshFailed)
	}
	expiresAt := time.Now().Add(time.Duration(num(data, "expires_in")) * time.Second)

	refreshed := *integration
	refreshed.AccessToken = accessToken
	refreshed.TokenExpiresAt = &expiresAt
	if rt := str(data, "refresh_token"); rt != "" {
		refreshed.RefreshToken = rt
	}
	return &refreshed, nil
}

// TestConnection verifies the stored token still resolves the creator.
func (c *TikTokConnector) TestConnection(ctx context.Context, integration *domain.Integration) error {
	_, err := c.userInfo(ctx, integration.ID, integration.AccessToken, integration.Setting("open_id"))
	return err
}

// TestCredentials validates a raw token and open id pair.
func (c *TikTokConnector) TestCredentials(ctx context.Context, creds ports.Credentials) ports.CredentialCheck {
	if creds.AccessToken == "" || creds.AccountID == "" {
		return ports.CredentialCheck{Valid: false, Message: "access token and open id are required"}
	}
	if _, err := c.userInfo(ctx, "", creds.AccessToken, creds.AccountID); err != nil {
		return ports.CredentialCheck{Valid: false, Message: err.Error()}
	}
	return ports.CredentialCheck{Valid: true}
}

func (c *TikTokConnector) userInfo(ctx context.Context, integrationID, token, openID string) (map[string]any, error) {
	resp, err := c.api.postJSON(ctx, integrationID, "/user/info/", map[string]any{
		"open_id": openID,
		"fields":  []string{"open_id", "display_name", "avatar_url", "follower_count", "following_count", "likes_count", "video_count"},
	}, c.headers(token))
	if err != nil {
		return nil, err
	}
	data, err := tiktokData(resp)
	if err != nil {
		return nil, err
	}
	if user := obj(data, "user"); user != nil {
		return user, nil
	}
	return data, nil
}

// SyncPosts pulls the creator's video list.
func (c *TikTokConnector) SyncPosts(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	openID := integration.Setting("open_id")
	if openID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("open_id setting is required")}
	}

	maxCount := 20
	if opts.Limit > 0 && opts.Limit < maxCount {
		maxCount = opts.Limit
	}
	resp, err := c.api.postJSON(ctx, integration.ID, "/video/list/", map[string]any{
		"open_id":   openID,
		"cursor":    0,
		"max_count": maxCount,
		"fields":    []string{"id", "title", "video_description", "create_time", "share_url", "like_count", "comment_count", "share_count", "view_count"},
	}, c.headers(integration.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to pull videos: %w", err)
	}
	data, err := tiktokData(resp)
	if err != nil {
		return nil, err
	}

	var records []*domain.ActivityRecord
	for _, video := range list(data, "videos") {
		content := str(video, "video_description")
		if content == "" {
			content = str(video, "title")
		}
		records = append(records, &domain.ActivityRecord{
			Platform:         domain.PlatformTikTok,
			Kind:             domain.KindPost,
			PlatformNativeID: str(video, "id"),
			Content:          content,
			AuthorID:         openID,
			AuthorName:       integration.AccountName,
			Permalink:        str(video, "share_url"),
			Status:           "published",
			Metrics: map[string]float64{
				"likes":    num(video, "like_count"),
				"comments": num(video, "comment_count"),
				"shares":   num(video, "share_count"),
				"views":    num(video, "view_count"),
			},
			PublishedAt: unixTime(num(video, "create_time")),
		})
	}
	return records, nil
}

// SyncComments pulls comments under each parent video.
func (c *TikTokConnector) SyncComments(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	openID := integration.Setting("open_id")
	if openID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("open_id setting is required")}
	}

	var records []*domain.ActivityRecord
	for _, videoID := range opts.ParentIDs {
		resp, err := c.api.postJSON(ctx, integration.ID, "/comment/list/", map[string]any{
			"open_id":  openID,
			"video_id": videoID,
			"cursor":   0,
			"count":    50,
		}, c.headers(integration.AccessToken))
		if err != nil {
			return records, fmt.Errorf("failed to pull comments for video %s: %w", videoID, err)
		}
		data, err := tiktokData(resp)
		if err != nil {
			return records, err
		}

		for _, comment := range list(data, "comments") {
			records = append(records, &domain.ActivityRecord{
				Platform:         domain.PlatformTikTok,
				Kind:             domain.KindComment,
				PlatformNativeID: str(comment, "comment_id"),
				ParentNativeID:   videoID,
				Content:          str(comment, "text"),
				AuthorID:         str(comment, "user_id"),
				AuthorName:       str(comment, "username"),
				Status:           "visible",
				Metrics:          map[string]float64{"likes": num(comment, "like_count")},
				PublishedAt:      unixTime(num(comment, "create_time")),
			})
		}
	}
	return records, nil
}

// SyncMessages is unsupported; TikTok exposes no messaging API.
func (c *TikTokConnector) SyncMessages(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	return nil, fmt.Errorf("tiktok messages: %w", domain.ErrUnsupportedOperation)
}

// SyncCampaigns pulls the advertiser's campaigns with integrated report
// metrics.
func (c *TikTokConnector) SyncCampaigns(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	advertiserID := integration.Setting("advertiser_id")
	if advertiserID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("advertiser_id setting is required for campaign sync")}
	}

	q := url.Values{}
	q.Set("advertiser_id", advertiserID)
	q.Set("page_size", "100")
	resp, err := c.api.get(ctx, integration.ID, "/campaign/get/", q, c.headers(integration.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to pull campaigns: %w", err)
	}
	data, err := tiktokData(resp)
	if err != nil {
		return nil, err
	}

	reports, err := c.campaignReports(ctx, integration, advertiserID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to pull campaign reports, syncing without metrics")
		reports = map[string]map[string]float64{}
	}

	var records []*domain.ActivityRecord
	for _, campaign := range list(data, "list") {
		campaignID := str(campaign, "campaign_id")
		metrics := map[string]float64{"budget": num(campaign, "budget")}
		for k, v := range reports[campaignID] {
			metrics[k] = v
		}
		records = append(records, &domain.ActivityRecord{
			Platform:         domain.PlatformTikTok,
			Kind:             domain.KindCampaign,
			PlatformNativeID: campaignID,
			Content:          str(campaign, "campaign_name"),
			Status:           str(campaign, "operation_status"),
			Metrics:          metrics,
			PublishedAt:      parseTime(str(campaign, "create_time")),
		})
	}
	return records, nil
}

// campaignReports pulls last-30-day integrated reports keyed by campaign id.
func (c *TikTokConnector) campaignReports(ctx context.Context, integration *domain.Integration, advertiserID string) (map[string]map[string]float64, error) {
	now := time.Now()
	q := url.Values{}
	q.Set("advertiser_id", advertiserID)
	q.Set("report_type", "BASIC")
	q.Set("data_level", "AUCTION_CAMPAIGN")
	q.Set("dimensions", `["campaign_id"]`)
	q.Set("metrics", `["impressions","clicks","spend","conversion"]`)
	q.Set("start_date", now.AddDate(0, 0, -30).Format("2006-01-02"))
	q.Set("end_date", now.Format("2006-01-02"))
	q.Set("page_size", "100")

	resp, err := c.api.get(ctx, integration.ID, "/reports/integrated/get/", q, c.headers(integration.AccessToken))
	if err != nil {
		return nil, err
	}
	data, err := tiktokData(resp)
	if err != nil {
		return nil, err
	}

	reports := make(map[string]map[string]float64)
	for _, row := range list(data, "list") {
		campaignID := str(obj(row, "dimensions"), "campaign_id")
		metrics := obj(row, "metrics")
		if campaignID == "" || metrics == nil {
			continue
		}
		reports[campaignID] = map[string]float64{
			"impressions": num(metrics, "impressions"),
			"clicks":      num(metrics, "clicks"),
			"spend":       num(metrics, "spend"),
			"conversions": num(metrics, "conversion"),
		}
	}
	return reports, nil
}

// AccountMetrics returns creator-level audience counters.
func (c *TikTokConnector) AccountMetrics(ctx context.Context, integration *domain.Integration) (map[string]float64, error) {
	profile, err := c.userInfo(ctx, integration.ID, integration.AccessToken, integration.Setting("open_id"))
	if err != nil {
		return nil, fmt.Errorf("failed to pull account metrics: %w", err)
	}
	return map[string]float64{
		"followers": num(profile, "follower_count"),
		"following": num(profile, "following_count"),
		"likes":     num(profile, "likes_count"),
		"videos":    num(profile, "video_count"),
	}, nil
}

// PublishPost shares a hosted video to the creator account. Text-only posts
// have no TikTok equivalent.
func (c *TikTokConnector) PublishPost(ctx context.Context, integration *domain.Integration, content ports.PostContent) (string, error) {
	if len(content.MediaURLs) == 0 {
		return "", fmt.Errorf("tiktok requires a video url: %w", domain.ErrUnsupportedOperation)
	}

	resp, err := c.api.postJSON(ctx, integration.ID, "/share/video/upload/", map[string]any{
		"open_id":   integration.Setting("open_id"),
		"video_url": content.MediaURLs[0],
		"caption":   content.Text,
	}, c.headers(integration.AccessToken))
	if err != nil {
		return "", fmt.Errorf("failed to publish video: %w", err)
	}
	data, err := tiktokData(resp)
	if err != nil {
		return "", err
	}
	shareID := str(data, "share_id")
	if shareID == "" {
		return "", &domain.PermanentError{Status: 400, Err: errors.New("publish returned no share id")}
	}
	return shareID, nil
}

// CreateAdCampaign creates a campaign on the advertiser account.
func (c *TikTokConnector) CreateAdCampaign(ctx context.Context, integration *domain.Integration, params ports.CampaignParams) (*ports.CampaignResult, error) {
	advertiserID := integration.Setting("advertiser_id")
	if advertiserID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("advertiser_id setting is required to create campaigns")}
	}

	body := map[string]any{
		"advertiser_id":  advertiserID,
		"campaign_name":  params.Name,
		"objective_type": params.Objective,
	}
	switch {
	case params.DailyBudget > 0:
		body["budget_mode"] = "BUDGET_MODE_DAY"
		body["budget"] = params.DailyBudget
	case params.LifetimeBudget > 0:
		body["budget_mode"] = "BUDGET_MODE_TOTAL"
		body["budget"] = params.LifetimeBudget
	default:
		body["budget_mode"] = "BUDGET_MODE_INFINITE"
	}

	resp, err := c.api.postJSON(ctx, integration.ID, "/campaign/create/", body, c.headers(integration.AccessToken))
	if err != nil {
		return &ports.CampaignResult{Success: false, Error: err.Error()}, err
	}
	data, err := tiktokData(resp)
	if err != nil {
		return &ports.CampaignResult{Success: false, Error: err.Error()}, err
	}
	return &ports.CampaignResult{Success: true, RemoteID: str(data, "campaign_id")}, nil
}

// UpdateAdCampaign applies partial updates to a campaign.
func (c *TikTokConnector) UpdateAdCampaign(ctx context.Context, integration *domain.Integration, campaignID string, updates map[string]any) (*ports.CampaignResult, error) {
	advertiserID := integration.Setting("advertiser_id")
	if advertiserID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("advertiser_id setting is required to update campaigns")}
	}

	body := map[string]any{
		"advertiser_id": advertiserID,
		"campaign_id":   campaignID,
	}
	for key, value := range updates {
		body[key] = value
	}

	resp, err := c.api.postJSON(ctx, integration.ID, "/campaign/update/", body, c.headers(integration.AccessToken))
	if err != nil {
		return &ports.CampaignResult{Success: false, Error: err.Error()}, err
	}
	if _, err := tiktokData(resp); err != nil {
		return &ports.CampaignResult{Success: false, Error: err.Error()}, err
	}
	return &ports.CampaignResult{Success: true, RemoteID: campaignID}, nil
}

// VerifyToken returns the webhook handshake token.
func (c *TikTokConnector) VerifyToken() string { return c.cfg.VerifyToken }

// tiktokWebhookPayload is the webhook envelope shape.
type tiktokWebhookPayload struct {
	Event      string  `json:"event"`
	ClientKey  string  `json:"client_key"`
	UserOpenID string  `json:"user_openid"`
	CreateTime float64 `json:"create_time"`
	Content    string  `json:"content"`
}

// ParseWebhook maps video and comment events onto canonical records. The
// content field is a nested JSON document.
func (c *TikTokConnector) ParseWebhook(event *domain.WebhookEvent) (*ports.WebhookDelivery, error) {
	var payload tiktokWebhookPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return nil, &domain.PermanentError{Status: 400, Err: fmt.Errorf("undecodable webhook payload: %w", err)}
	}
	if payload.UserOpenID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("webhook payload has no user_openid")}
	}

	delivery := &ports.WebhookDelivery{AccountID: payload.UserOpenID}

	var content map[string]any
	if payload.Content != "" {
		if err := json.Unmarshal([]byte(payload.Content), &content); err != nil {
			return nil, &domain.PermanentError{Status: 400, Err: fmt.Errorf("undecodable webhook content: %w", err)}
		}
	}

	switch {
	case strings.HasPrefix(payload.Event, "video."):
		videoID := str(content, "video_id")
		if videoID == "" {
			return delivery, nil
		}
		delivery.Records = append(delivery.Records, &domain.ActivityRecord{
			Platform:         domain.PlatformTikTok,
			Kind:             domain.KindPost,
			PlatformNativeID: videoID,
			Content:          str(content, "caption"),
			AuthorID:         payload.UserOpenID,
			Status:           "published",
			PublishedAt:      unixTime(payload.CreateTime),
			Deleted:          payload.Event == "video.delete",
		})
	case strings.HasPrefix(payload.Event, "comment."):
		commentID := str(content, "comment_id")
		if commentID == "" {
			return delivery, nil
		}
		delivery.Records = append(delivery.Records, &domain.ActivityRecord{
			Platform:         domain.PlatformTikTok,
			Kind:             domain.KindComment,
			PlatformNativeID: commentID,
			ParentNativeID:   str(content, "video_id"),
			Content:          str(content, "text"),
			AuthorID:         str(content, "user_id"),
			Status:           "visible",
			PublishedAt:      unixTime(payload.CreateTime),
			Deleted:          payload.Event == "comment.delete",
		})
	}
	return delivery, nil
}

func (c *TikTokConnector) headers(token string) map[string]string {
	return map[string]string{"Access-Token": token}
}

// tiktokData unwraps the business API envelope. A non-zero code is an API
// error even on HTTP 200; auth codes map to credential expiry.
func tiktokData(resp map[string]any) (map[string]any, error) {
	code := int(num(resp, "code"))
	if code != 0 {
		message := str(resp, "message")
		switch code {
		case 40100, 40101, 40102, 40104:
			return nil, fmt.Errorf("tiktok code %d: %s: %w", code, message, domain.ErrCredentialExpired)
		case 40133, 51021:
			return nil, &domain.RateLimitedError{Platform: domain.PlatformTikTok}
		}
		return nil, &domain.PermanentError{Status: code, Err: fmt.Errorf("tiktok: %s", message)}
	}
	if data := obj(resp, "data"); data != nil {
		return data, nil
	}
	return map[string]any{}, nil
}
