package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/ratelimit"
	"cmis-platform-sync/internal/ports"
)

const (
	linkedinAuthURL  = "https://www.linkedin.com/oauth/v2/authorization"
	linkedinTokenURL = "https://www.linkedin.com/oauth/v2"
	linkedinAPIURL   = "https://api.linkedin.com/v2"
	linkedinScopes   = "r_liteprofile r_organization_social w_organization_social rw_ads r_ads_reporting"
)

// LinkedInConfig holds the LinkedIn app credentials.
type LinkedInConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	VerifyToken  string
}

// LinkedInConnector integrates organization pages and sponsored accounts
// through the Marketing API. Page content hangs off the organization_id
// setting, campaigns off sponsored_account_id. LinkedIn issues refresh tokens
// for approved marketing apps.
type LinkedInConnector struct {
	cfg      LinkedInConfig
	tokenAPI *httpAPI
	api      *httpAPI
	logger   zerolog.Logger
}

// NewLinkedInConnector creates the connector.
func NewLinkedInConnector(cfg LinkedInConfig, limiter *ratelimit.Limiter, logger zerolog.Logger) *LinkedInConnector {
	l := logger.With().Str("connector", domain.PlatformLinkedIn).Logger()
	return &LinkedInConnector{
		cfg:      cfg,
		tokenAPI: newHTTPAPI(domain.PlatformLinkedIn, linkedinTokenURL, limiter, l),
		api:      newHTTPAPI(domain.PlatformLinkedIn, linkedinAPIURL, limiter, l),
		logger:   l,
	}
}

func (c *LinkedInConnector) Platform() string { return domain.PlatformLinkedIn }

// AuthURL builds the OAuth authorization URL for the consent redirect.
func (c *LinkedInConnector) AuthURL(params ports.AuthURLParams) (string, error) {
	redirect := params.RedirectURI
	if redirect == "" {
		redirect = c.cfg.RedirectURI
	}
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", redirect)
	q.Set("state", params.State)
	q.Set("scope", linkedinScopes)
	return linkedinAuthURL + "?" + q.Encode(), nil
}

// Connect exchanges the authorization code for tokens and resolves the member
// profile.
func (c *LinkedInConnector) Connect(ctx context.Context, orgID string, creds ports.Credentials) (*domain.Integration, error) {
	redirect := creds.RedirectURI
	if redirect == "" {
		redirect = c.cfg.RedirectURI
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", creds.Code)
	form.Set("redirect_uri", redirect)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	resp, err := c.tokenAPI.postForm(ctx, "", "/accessToken", form)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	accessToken := str(resp, "access_token")
	if accessToken == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("token exchange returned no access_token")}
	}
	expiresAt := time.Now().Add(time.Duration(num(resp, "expires_in")) * time.Second)

	me, err := c.api.get(ctx, "", "/me", nil, c.headers(accessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve member profile: %w", err)
	}
	memberID := str(me, "id")
	if memberID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("profile lookup returned no id")}
	}

	return &domain.Integration{
		OrgID:             orgID,
		Platform:          domain.PlatformLinkedIn,
		ExternalAccountID: memberID,
		AccountName:       str(me, "localizedFirstName") + " " + str(me, "localizedLastName"),
		AccessToken:       accessToken,
		RefreshToken:      str(resp, "refresh_token"),
		TokenExpiresAt:    &expiresAt,
		Settings:          map[string]any{},
		SyncStatus:        domain.SyncPending,
		IsActive:          true,
	}, nil
}

// Disconnect is local only; LinkedIn tokens are revoked from the member's
// settings page, not the API.
func (c *LinkedInConnector) Disconnect(ctx context.Context, integration *domain.Integration) error {
	return nil
}

// RefreshToken renews the token pair with the refresh grant.
func (c *LinkedInConnector) RefreshToken(ctx context.Context, integration *domain.Integration) (*domain.Integration, error) {
	if !integration.HasRefreshToken() {
		return nil, domain.ErrCredentialExpired
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", integration.RefreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	resp, err := c.tokenAPI.postForm(ctx, integration.ID, "/accessToken", form)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCredentialRefreshFailed, err)
	}
	accessToken := str(resp, "access_token")
	if accessToken == "" {
		return nil, fmt.Errorf("%w: refresh returned no access_token", domain.ErrCredentialRefreshFailed)
	}
	expiresAt := time.Now().Add(time.Duration(num(resp, "expires_in")) * time.Second)

	refreshed := *integration
	refreshed.AccessToken = accessToken
	refreshed.TokenExpiresAt = &expiresAt
	if rt := str(resp, "refresh_token"); rt != "" {
		refreshed.RefreshToken = rt
	}
	return &refreshed, nil
}

// TestConnection verifies the stored token still resolves the member.
func (c *LinkedInConnector) TestConnection(ctx context.Context, integration *domain.Integration) error {
	_, err := c.api.get(ctx, integration.ID, "/me", nil, c.headers(integration.AccessToken))
	return err
}

// TestCredentials validates a raw token without creating an integration.
func (c *LinkedInConnector) TestCredentials(ctx context.Context, creds ports.Credentials) ports.CredentialCheck {
	if creds.AccessToken == "" {
		return ports.CredentialCheck{Valid: false, Message: "access token is required"}
	}
	if _, err := c.api.get(ctx, "", "/me", nil, c.headers(creds.AccessToken)); err != nil {
		return ports.CredentialCheck{Valid: false, Message: err.Error()}
	}
	return ports.CredentialCheck{Valid: true}
}

// SyncPosts pulls the organization's UGC posts.
func (c *LinkedInConnector) SyncPosts(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	orgURN, err := c.organizationURN(integration)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", "authors")
	q.Set("authors", "List("+orgURN+")")
	q.Set("sortBy", "LAST_MODIFIED")
	q.Set("count", pullLimit(opts, 50))

	resp, err := c.api.get(ctx, integration.ID, "/ugcPosts", q, c.headers(integration.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to pull posts: %w", err)
	}

	var records []*domain.ActivityRecord
	for _, post := range list(resp, "elements") {
		postURN := str(post, "id")
		if postURN == "" {
			continue
		}
		content := ""
		if specific := obj(obj(post, "specificContent"), "com.linkedin.ugc.ShareContent"); specific != nil {
			content = str(obj(specific, "shareCommentary"), "text")
		}
		records = append(records, &domain.ActivityRecord{
			Platform:         domain.PlatformLinkedIn,
			Kind:             domain.KindPost,
			PlatformNativeID: postURN,
			Content:          content,
			AuthorID:         str(post, "author"),
			Status:           str(post, "lifecycleState"),
			PublishedAt:      millisTime(num(obj(post, "created"), "time")),
		})
	}
	return records, nil
}

// SyncComments pulls social action comments under each parent post URN.
func (c *LinkedInConnector) SyncComments(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	var records []*domain.ActivityRecord
	for _, postURN := range opts.ParentIDs {
		resp, err := c.api.get(ctx, integration.ID, "/socialActions/"+url.PathEscape(postURN)+"/comments", url.Values{
			"count": []string{"50"},
		}, c.headers(integration.AccessToken))
		if err != nil {
			return records, fmt.Errorf("failed to pull comments for post %s: %w", postURN, err)
		}

		for _, comment := range list(resp, "elements") {
			commentURN := str(comment, "$URN")
			if commentURN == "" {
				commentURN = str(comment, "commentUrn")
			}
			if commentURN == "" {
				continue
			}
			records = append(records, &domain.ActivityRecord{
				Platform:         domain.PlatformLinkedIn,
				Kind:             domain.KindComment,
				PlatformNativeID: commentURN,
				ParentNativeID:   postURN,
				Content:          str(obj(comment, "message"), "text"),
				AuthorID:         str(comment, "actor"),
				Status:           "visible",
				PublishedAt:      millisTime(num(obj(comment, "created"), "time")),
			})
		}
	}
	return records, nil
}

// SyncMessages is unsupported; the messaging API is restricted to partner
// programs.
func (c *LinkedInConnector) SyncMessages(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	return nil, fmt.Errorf("linkedin messages: %w", domain.ErrUnsupportedOperation)
}

// SyncCampaigns pulls the sponsored account's campaigns.
func (c *LinkedInConnector) SyncCampaigns(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	accountID := integration.Setting("sponsored_account_id")
	if accountID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("sponsored_account_id setting is required for campaign sync")}
	}

	q := url.Values{}
	q.Set("q", "search")
	q.Set("search.account.values[0]", "urn:li:sponsoredAccount:"+accountID)
	q.Set("count", pullLimit(opts, 100))

	resp, err := c.api.get(ctx, integration.ID, "/adCampaignsV2", q, c.headers(integration.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to pull campaigns: %w", err)
	}

	var records []*domain.ActivityRecord
	for _, campaign := range list(resp, "elements") {
		id := fmt.Sprintf("urn:li:sponsoredCampaign:%d", int64(num(campaign, "id")))
		metrics := map[string]float64{}
		if budget := obj(campaign, "dailyBudget"); budget != nil {
			metrics["daily_budget"] = num(budget, "amount")
		}
		if budget := obj(campaign, "totalBudget"); budget != nil {
			metrics["lifetime_budget"] = num(budget, "amount")
		}
		records = append(records, &domain.ActivityRecord{
			Platform:         domain.PlatformLinkedIn,
			Kind:             domain.KindCampaign,
			PlatformNativeID: id,
			Content:          str(campaign, "name"),
			Status:           str(campaign, "status"),
			Metrics:          metrics,
			PublishedAt:      millisTime(num(obj(obj(campaign, "changeAuditStamps"), "created"), "time")),
		})
	}
	return records, nil
}

// AccountMetrics returns organization follower counts.
func (c *LinkedInConnector) AccountMetrics(ctx context.Context, integration *domain.Integration) (map[string]float64, error) {
	orgURN, err := c.organizationURN(integration)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", "organizationalEntity")
	q.Set("organizationalEntity", orgURN)
	resp, err := c.api.get(ctx, integration.ID, "/networkSizes/"+url.PathEscape(orgURN), url.Values{
		"edgeType": []string{"COMPANY_FOLLOWED_BY_MEMBER"},
	}, c.headers(integration.AccessToken))
	if err != nil {
		// networkSizes needs its own permission grant on some apps; fall back
		// to the follower statistics endpoint.
		resp, err = c.api.get(ctx, integration.ID, "/organizationalEntityFollowerStatistics", q, c.headers(integration.AccessToken))
		if err != nil {
			return nil, fmt.Errorf("failed to pull follower metrics: %w", err)
		}
		var total float64
		for _, element := range list(resp, "elements") {
			for _, bucket := range list(element, "followerCountsByAssociationType") {
				counts := obj(bucket, "followerCounts")
				total += num(counts, "organicFollowerCount") + num(counts, "paidFollowerCount")
			}
		}
		return map[string]float64{"followers": total}, nil
	}
	return map[string]float64{"followers": num(resp, "firstDegreeSize")}, nil
}

// PublishPost publishes a UGC post as the organization.
func (c *LinkedInConnector) PublishPost(ctx context.Context, integration *domain.Integration, content ports.PostContent) (string, error) {
	orgURN, err := c.organizationURN(integration)
	if err != nil {
		return "", err
	}
	if content.ScheduledAt != nil {
		return "", fmt.Errorf("linkedin scheduled posts: %w", domain.ErrUnsupportedOperation)
	}

	shareContent := map[string]any{
		"shareCommentary":    map[string]any{"text": content.Text},
		"shareMediaCategory": "NONE",
	}
	if len(content.MediaURLs) > 0 {
		shareContent["shareMediaCategory"] = "ARTICLE"
		media := make([]map[string]any, 0, len(content.MediaURLs))
		for _, u := range content.MediaURLs {
			media = append(media, map[string]any{"status": "READY", "originalUrl": u})
		}
		shareContent["media"] = media
	}

	body := map[string]any{
		"author":         orgURN,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": shareContent,
		},
		"visibility": map[string]any{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}

	resp, err := c.api.postJSON(ctx, integration.ID, "/ugcPosts", body, c.headers(integration.AccessToken))
	if err != nil {
		return "", fmt.Errorf("failed to publish post: %w", err)
	}
	postURN := str(resp, "id")
	if postURN == "" {
		return "", &domain.PermanentError{Status: 400, Err: errors.New("publish returned no post urn")}
	}
	return postURN, nil
}

// CreateAdCampaign creates a campaign on the sponsored account.
func (c *LinkedInConnector) CreateAdCampaign(ctx context.Context, integration *domain.Integration, params ports.CampaignParams) (*ports.CampaignResult, error) {
	accountID := integration.Setting("sponsored_account_id")
	if accountID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("sponsored_account_id setting is required to create campaigns")}
	}

	status := params.Status
	if status == "" {
		status = "PAUSED"
	}
	body := map[string]any{
		"account": "urn:li:sponsoredAccount:" + accountID,
		"name":    params.Name,
		"type":    params.Objective,
		"status":  status,
	}
	if params.DailyBudget > 0 {
		body["dailyBudget"] = map[string]any{
			"amount":       fmt.Sprintf("%.2f", params.DailyBudget),
			"currencyCode": "USD",
		}
	}
	if params.LifetimeBudget > 0 {
		body["totalBudget"] = map[string]any{
			"amount":       fmt.Sprintf("%.2f", params.LifetimeBudget),
			"currencyCode": "USD",
		}
	}

	resp, err := c.api.postJSON(ctx, integration.ID, "/adCampaignsV2", body, c.headers(integration.AccessToken))
	if err != nil {
		return &ports.CampaignResult{Success: false, Error: err.Error()}, err
	}
	return &ports.CampaignResult{Success: true, RemoteID: str(resp, "id")}, nil
}

// UpdateAdCampaign applies a partial update to a campaign.
func (c *LinkedInConnector) UpdateAdCampaign(ctx context.Context, integration *domain.Integration, campaignID string, updates map[string]any) (*ports.CampaignResult, error) {
	body := map[string]any{"patch": map[string]any{"$set": updates}}
	if _, err := c.api.postJSON(ctx, integration.ID, "/adCampaignsV2/"+url.PathEscape(campaignID), body, c.headers(integration.AccessToken)); err != nil {
		return &ports.CampaignResult{Success: false, Error: err.Error()}, err
	}
	return &ports.CampaignResult{Success: true, RemoteID: campaignID}, nil
}

// VerifyToken returns the webhook challenge token.
func (c *LinkedInConnector) VerifyToken() string { return c.cfg.VerifyToken }

// linkedinWebhookPayload is the webhook envelope shape. Organization social
// action events carry the target organization and the acted-on entity.
type linkedinWebhookPayload struct {
	OrganizationID string `json:"organizationId"`
	Events         []struct {
		Type        string  `json:"type"`
		EntityURN   string  `json:"entityUrn"`
		ParentURN   string  `json:"parentUrn"`
		Actor       string  `json:"actor"`
		Text        string  `json:"text"`
		CreatedTime float64 `json:"createdTime"`
		Deleted     bool    `json:"deleted"`
	} `json:"events"`
}

// ParseWebhook maps organization social action events onto canonical records.
func (c *LinkedInConnector) ParseWebhook(event *domain.WebhookEvent) (*ports.WebhookDelivery, error) {
	var payload linkedinWebhookPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return nil, &domain.PermanentError{Status: 400, Err: fmt.Errorf("undecodable webhook payload: %w", err)}
	}
	if payload.OrganizationID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("webhook payload has no organizationId")}
	}

	delivery := &ports.WebhookDelivery{AccountID: payload.OrganizationID}
	for _, e := range payload.Events {
		if e.EntityURN == "" {
			continue
		}
		kind := domain.KindPost
		if e.Type == "COMMENT" || e.ParentURN != "" {
			kind = domain.KindComment
		}
		delivery.Records = append(delivery.Records, &domain.ActivityRecord{
			Platform:         domain.PlatformLinkedIn,
			Kind:             kind,
			PlatformNativeID: e.EntityURN,
			ParentNativeID:   e.ParentURN,
			Content:          e.Text,
			AuthorID:         e.Actor,
			PublishedAt:      millisTime(e.CreatedTime),
			Deleted:          e.Deleted,
		})
	}
	return delivery, nil
}

func (c *LinkedInConnector) organizationURN(integration *domain.Integration) (string, error) {
	orgID := integration.Setting("organization_id")
	if orgID == "" {
		return "", &domain.PermanentError{Status: 400, Err: errors.New("organization_id setting is required")}
	}
	return "urn:li:organization:" + orgID, nil
}

func (c *LinkedInConnector) headers(token string) map[string]string {
	return map[string]string{
		"Authorization":             "Bearer " + token,
		"X-Restli-Protocol-Version": "2.0.0",
	}
}

func millisTime(v float64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.UnixMilli(int64(v)).UTC()
	return &t
}
