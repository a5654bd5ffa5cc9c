package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goshopify "github.com/bold-commerce/go-shopify/v4"
	"github.com/rs/zerolog"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/ports"
)

// ShopifyConfig holds the Shopify app credentials.
type ShopifyConfig struct {
	APIKey    string
	APISecret string
}

// ShopifyConnector integrates Shopify stores as a commerce signal source.
// It is a direct-credential platform: the caller supplies the shop domain and
// an admin access token, there is no consent redirect. Social kinds have no
// Shopify equivalent; store order webhooks surface as metric records.
type ShopifyConnector struct {
	cfg    ShopifyConfig
	app    goshopify.App
	logger zerolog.Logger
}

// NewShopifyConnector creates the connector.
func NewShopifyConnector(cfg ShopifyConfig, logger zerolog.Logger) *ShopifyConnector {
	return &ShopifyConnector{
		cfg:    cfg,
		app:    goshopify.App{ApiKey: cfg.APIKey, ApiSecret: cfg.APISecret},
		logger: logger.With().Str("connector", domain.PlatformShopify).Logger(),
	}
}

func (c *ShopifyConnector) Platform() string { return domain.PlatformShopify }

func (c *ShopifyConnector) client(shopDomain, accessToken string) (*goshopify.Client, error) {
	client, err := goshopify.NewClient(c.app, shopDomain, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create shopify client: %w", err)
	}
	return client, nil
}

// AuthURL is unsupported; Shopify connects with direct credentials.
func (c *ShopifyConnector) AuthURL(params ports.AuthURLParams) (string, error) {
	return "", fmt.Errorf("shopify uses direct credentials: %w", domain.ErrUnsupportedOperation)
}

// Connect validates the shop domain and token pair and resolves the store.
// An OAuth code from a custom-app install flow is also accepted.
func (c *ShopifyConnector) Connect(ctx context.Context, orgID string, creds ports.Credentials) (*domain.Integration, error) {
	shopDomain := creds.AccountID
	if shopDomain == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("shop domain is required")}
	}

	accessToken := creds.AccessToken
	if accessToken == "" && creds.Code != "" {
		token, err := c.app.GetAccessToken(ctx, shopDomain, creds.Code)
		if err != nil {
			return nil, fmt.Errorf("failed to exchange install code: %w", err)
		}
		accessToken = token
	}
	if accessToken == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("access token or install code is required")}
	}

	client, err := c.client(shopDomain, accessToken)
	if err != nil {
		return nil, err
	}
	shop, err := client.Shop.Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get shop: %w", err)
	}

	return &domain.Integration{
		OrgID:             orgID,
		Platform:          domain.PlatformShopify,
		ExternalAccountID: shop.MyshopifyDomain,
		AccountName:       shop.Name,
		AccessToken:       accessToken,
		Settings: map[string]any{
			"shop_domain": shop.MyshopifyDomain,
			"currency":    shop.Currency,
		},
		SyncStatus: domain.SyncPending,
		IsActive:   true,
	}, nil
}

// Disconnect is local only; the merchant uninstalls the app from the admin.
func (c *ShopifyConnector) Disconnect(ctx context.Context, integration *domain.Integration) error {
	return nil
}

// RefreshToken is a no-op; admin tokens do not expire.
func (c *ShopifyConnector) RefreshToken(ctx context.Context, integration *domain.Integration) (*domain.Integration, error) {
	return integration, nil
}

// TestConnection verifies the stored token still reaches the shop.
func (c *ShopifyConnector) TestConnection(ctx context.Context, integration *domain.Integration) error {
	client, err := c.client(integration.ExternalAccountID, integration.AccessToken)
	if err != nil {
		return err
	}
	if _, err := client.Shop.Get(ctx, nil); err != nil {
		return fmt.Errorf("failed to get shop: %w", err)
	}
	return nil
}

// TestCredentials validates a shop domain and token pair without creating an
// integration.
func (c *ShopifyConnector) TestCredentials(ctx context.Context, creds ports.Credentials) ports.CredentialCheck {
	if creds.AccountID == "" || creds.AccessToken == "" {
		return ports.CredentialCheck{Valid: false, Message: "shop domain and access token are required"}
	}
	client, err := c.client(creds.AccountID, creds.AccessToken)
	if err != nil {
		return ports.CredentialCheck{Valid: false, Message: err.Error()}
	}
	if _, err := client.Shop.Get(ctx, nil); err != nil {
		return ports.CredentialCheck{Valid: false, Message: err.Error()}
	}
	return ports.CredentialCheck{Valid: true}
}

func (c *ShopifyConnector) SyncPosts(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	return nil, fmt.Errorf("shopify posts: %w", domain.ErrUnsupportedOperation)
}

func (c *ShopifyConnector) SyncComments(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	return nil, fmt.Errorf("shopify comments: %w", domain.ErrUnsupportedOperation)
}

func (c *ShopifyConnector) SyncMessages(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	return nil, fmt.Errorf("shopify messages: %w", domain.ErrUnsupportedOperation)
}

func (c *ShopifyConnector) SyncCampaigns(ctx context.Context, integration *domain.Integration, opts domain.SyncOptions) ([]*domain.ActivityRecord, error) {
	return nil, fmt.Errorf("shopify campaigns: %w", domain.ErrUnsupportedOperation)
}

// AccountMetrics returns store-level counters.
func (c *ShopifyConnector) AccountMetrics(ctx context.Context, integration *domain.Integration) (map[string]float64, error) {
	client, err := c.client(integration.ExternalAccountID, integration.AccessToken)
	if err != nil {
		return nil, err
	}

	products, err := client.Product.Count(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}
	orders, err := client.Order.Count(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}
	return map[string]float64{
		"products": float64(products),
		"orders":   float64(orders),
	}, nil
}

func (c *ShopifyConnector) PublishPost(ctx context.Context, integration *domain.Integration, content ports.PostContent) (string, error) {
	return "", fmt.Errorf("shopify posts: %w", domain.ErrUnsupportedOperation)
}

func (c *ShopifyConnector) CreateAdCampaign(ctx context.Context, integration *domain.Integration, params ports.CampaignParams) (*ports.CampaignResult, error) {
	return nil, fmt.Errorf("shopify campaigns: %w", domain.ErrUnsupportedOperation)
}

func (c *ShopifyConnector) UpdateAdCampaign(ctx context.Context, integration *domain.Integration, campaignID string, updates map[string]any) (*ports.CampaignResult, error) {
	return nil, fmt.Errorf("shopify campaigns: %w", domain.ErrUnsupportedOperation)
}

// VerifyToken is empty; Shopify has no GET handshake, only HMAC verification.
func (c *ShopifyConnector) VerifyToken() string { return "" }

// shopifyOrderPayload is the subset of the order webhook body we read.
type shopifyOrderPayload struct {
	ID         int64  `json:"id"`
	TotalPrice string `json:"total_price"`
	Currency   string `json:"currency"`
	CreatedAt  string `json:"created_at"`
	OrderURL   string `json:"order_status_url"`
	Customer   struct {
		ID        int64  `json:"id"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"customer"`
}

// ParseWebhook maps order lifecycle events onto metric records. The shop
// domain comes from the delivery headers, carried on the event envelope.
// Other topics, app/uninstalled included, produce an empty delivery.
func (c *ShopifyConnector) ParseWebhook(event *domain.WebhookEvent) (*ports.WebhookDelivery, error) {
	if event.AccountID == "" {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("delivery has no shop domain")}
	}
	delivery := &ports.WebhookDelivery{AccountID: event.AccountID}

	switch event.Topic {
	case "orders/create", "orders/updated", "orders/cancelled":
	default:
		return delivery, nil
	}

	var order shopifyOrderPayload
	if err := json.Unmarshal(event.Payload, &order); err != nil {
		return nil, &domain.PermanentError{Status: 400, Err: fmt.Errorf("undecodable order payload: %w", err)}
	}
	if order.ID == 0 {
		return nil, &domain.PermanentError{Status: 400, Err: errors.New("order payload has no id")}
	}

	total, _ := strconv.ParseFloat(order.TotalPrice, 64)
	status := "created"
	switch event.Topic {
	case "orders/updated":
		status = "updated"
	case "orders/cancelled":
		status = "cancelled"
	}

	record := &domain.ActivityRecord{
		Platform:         domain.PlatformShopify,
		Kind:             domain.KindMetric,
		PlatformNativeID: "order:" + strconv.FormatInt(order.ID, 10),
		AuthorID:         strconv.FormatInt(order.Customer.ID, 10),
		AuthorName:       order.Customer.FirstName + " " + order.Customer.LastName,
		Permalink:        order.OrderURL,
		Status:           status,
		Metrics:          map[string]float64{"order_total": total},
		Deleted:          event.Topic == "orders/cancelled",
	}
	if t := parseShopifyTime(order.CreatedAt); t != nil {
		record.PublishedAt = t
	}
	delivery.Records = append(delivery.Records, record)
	return delivery, nil
}

func parseShopifyTime(value string) *time.Time {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t
	}
	return nil
}
