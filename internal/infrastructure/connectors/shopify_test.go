package connectors

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/ports"
)

func shopifyTestConnector() *ShopifyConnector {
	return NewShopifyConnector(ShopifyConfig{APIKey: "key", APISecret: "secret"}, zerolog.Nop())
}

func TestShopifySocialKindsUnsupported(t *testing.T) {
	c := shopifyTestConnector()
	integration := &domain.Integration{Platform: domain.PlatformShopify}
	ctx := context.Background()

	_, err := c.SyncPosts(ctx, integration, domain.SyncOptions{})
	assert.ErrorIs(t, err, domain.ErrUnsupportedOperation)
	_, err = c.SyncComments(ctx, integration, domain.SyncOptions{})
	assert.ErrorIs(t, err, domain.ErrUnsupportedOperation)
	_, err = c.SyncMessages(ctx, integration, domain.SyncOptions{})
	assert.ErrorIs(t, err, domain.ErrUnsupportedOperation)
	_, err = c.SyncCampaigns(ctx, integration, domain.SyncOptions{})
	assert.ErrorIs(t, err, domain.ErrUnsupportedOperation)
	_, err = c.AuthURL(ports.AuthURLParams{})
	assert.ErrorIs(t, err, domain.ErrUnsupportedOperation)
}

func TestShopifyRefreshTokenIsNoOp(t *testing.T) {
	c := shopifyTestConnector()
	integration := &domain.Integration{AccessToken: "admin-token"}

	refreshed, err := c.RefreshToken(context.Background(), integration)
	require.NoError(t, err)
	assert.Equal(t, "admin-token", refreshed.AccessToken)
}

func TestShopifyConnectRequiresShopAndToken(t *testing.T) {
	c := shopifyTestConnector()

	_, err := c.Connect(context.Background(), "org-1", ports.Credentials{AccessToken: "t"})
	var pe *domain.PermanentError
	require.ErrorAs(t, err, &pe, "shop domain is mandatory")

	_, err = c.Connect(context.Background(), "org-1", ports.Credentials{AccountID: "acme.myshopify.com"})
	require.ErrorAs(t, err, &pe, "token or install code is mandatory")
}

func TestShopifyParseWebhookOrderCreate(t *testing.T) {
	c := shopifyTestConnector()
	event := &domain.WebhookEvent{
		Platform:  domain.PlatformShopify,
		Topic:     "orders/create",
		AccountID: "acme.myshopify.com",
		Payload: []byte(`{
			"id": 820982911946154500,
			"total_price": "254.98",
			"currency": "USD",
			"created_at": "2026-02-10T15:04:05Z",
			"order_status_url": "https://acme.myshopify.com/orders/abc",
			"customer": {"id": 115310, "first_name": "John", "last_name": "Smith"}
		}`),
	}

	delivery, err := c.ParseWebhook(event)
	require.NoError(t, err)
	assert.Equal(t, "acme.myshopify.com", delivery.AccountID)
	require.Len(t, delivery.Records, 1)

	record := delivery.Records[0]
	assert.Equal(t, domain.KindMetric, record.Kind)
	assert.Equal(t, "order:820982911946154500", record.PlatformNativeID)
	assert.Equal(t, 254.98, record.Metrics["order_total"])
	assert.Equal(t, "John Smith", record.AuthorName)
	assert.False(t, record.Deleted)
	require.NotNil(t, record.PublishedAt)
}

func TestShopifyParseWebhookCancelledOrderTombstones(t *testing.T) {
	c := shopifyTestConnector()
	event := &domain.WebhookEvent{
		Platform:  domain.PlatformShopify,
		Topic:     "orders/cancelled",
		AccountID: "acme.myshopify.com",
		Payload:   []byte(`{"id": 42, "total_price": "10.00"}`),
	}

	delivery, err := c.ParseWebhook(event)
	require.NoError(t, err)
	require.Len(t, delivery.Records, 1)
	assert.True(t, delivery.Records[0].Deleted)
	assert.Equal(t, "cancelled", delivery.Records[0].Status, "the tombstone names its cause")
}

func TestShopifyParseWebhookOtherTopicsEmpty(t *testing.T) {
	c := shopifyTestConnector()
	event := &domain.WebhookEvent{
		Platform:  domain.PlatformShopify,
		Topic:     "app/uninstalled",
		AccountID: "acme.myshopify.com",
		Payload:   []byte(`{}`),
	}

	delivery, err := c.ParseWebhook(event)
	require.NoError(t, err)
	assert.Empty(t, delivery.Records)
}

func TestShopifyParseWebhookRequiresShopDomain(t *testing.T) {
	c := shopifyTestConnector()
	_, err := c.ParseWebhook(&domain.WebhookEvent{Topic: "orders/create", Payload: []byte(`{"id":1}`)})
	require.Error(t, err)
}
