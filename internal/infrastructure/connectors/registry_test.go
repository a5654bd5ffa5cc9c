package connectors

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/ratelimit"
)

func TestRegistryResolvesByPlatformKey(t *testing.T) {
	limiter := ratelimit.NewLimiter(nil, zerolog.Nop())
	registry := NewRegistry(
		NewMetaConnector(MetaConfig{AppID: "app"}, limiter, zerolog.Nop()),
		NewShopifyConnector(ShopifyConfig{APIKey: "key"}, zerolog.Nop()),
	)

	connector, err := registry.Get(domain.PlatformMeta)
	require.NoError(t, err)
	assert.Equal(t, domain.PlatformMeta, connector.Platform())

	connector, err = registry.Get(domain.PlatformShopify)
	require.NoError(t, err)
	assert.Equal(t, domain.PlatformShopify, connector.Platform())
}

func TestRegistryUnknownPlatform(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Get("friendster")
	assert.ErrorIs(t, err, domain.ErrUnsupportedPlatform)
}

func TestRegistryPlatformsSorted(t *testing.T) {
	limiter := ratelimit.NewLimiter(nil, zerolog.Nop())
	registry := NewRegistry(
		NewShopifyConnector(ShopifyConfig{}, zerolog.Nop()),
		NewMetaConnector(MetaConfig{}, limiter, zerolog.Nop()),
		NewLinkedInConnector(LinkedInConfig{}, limiter, zerolog.Nop()),
	)
	assert.Equal(t, []string{"linkedin", "meta", "shopify"}, registry.Platforms())
}
