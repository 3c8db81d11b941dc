package sessions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeValidSessionIsAvailable(t *testing.T) {
	records := []Record{{
		ID:     "sess-1",
		Domain: "example.com",
		Valid:  true,
	}}

	a := Analyze("Log into example.com", records, time.Now())

	require.Len(t, a.Available, 1)
	assert.Equal(t, "example.com", a.Available[0].Record.Domain)
	assert.Empty(t, a.Missing)
	assert.Empty(t, a.Expired)
}

func TestAnalyzeMissingSession(t *testing.T) {
	a := Analyze("Post the update on shopify", nil, time.Now())

	require.Len(t, a.Missing, 1)
	assert.Equal(t, "shopify.com", a.Missing[0].Domain)
	assert.Equal(t, "shopify", a.Missing[0].Platform)
}

func TestAnalyzeExpiredByFlag(t *testing.T) {
	records := []Record{{Domain: "linkedin.com", Valid: false}}

	a := Analyze("Share the article on LinkedIn", records, time.Now())

	require.Len(t, a.Expired, 1)
	assert.Empty(t, a.Available)
}

func TestAnalyzeExpiredByTimestamp(t *testing.T) {
	records := []Record{{
		Domain:    "example.com",
		Valid:     true,
		ExpiresAt: time.Now().Add(-time.Hour),
	}}

	a := Analyze("visit example.com", records, time.Now())
	require.Len(t, a.Expired, 1)
}

func TestDomainsMatchSubdomainVariants(t *testing.T) {
	assert.True(t, DomainsMatch("example.com", "example.com"))
	assert.True(t, DomainsMatch("app.example.com", "example.com"))
	assert.True(t, DomainsMatch("example.com", "www.example.com"))
	assert.False(t, DomainsMatch("example.com", "other.net"))
	assert.False(t, DomainsMatch("", "example.com"))
}

func TestDetectRequirementsGenericDomain(t *testing.T) {
	reqs := DetectRequirements("Open the admin panel at dashboard.acme-widgets.io and update the banner")

	require.Len(t, reqs, 1)
	assert.Equal(t, "dashboard.acme-widgets.io", reqs[0].Domain)
	assert.Equal(t, "acme-widgets", reqs[0].Platform)
}

func TestDetectRequirementsPlatformWordBoundary(t *testing.T) {
	// "googler" must not trigger the google platform.
	reqs := DetectRequirements("ask a googler about it")
	assert.Empty(t, reqs)
}

func TestDetectRequirementsDeduplicates(t *testing.T) {
	reqs := DetectRequirements("Log into instagram, then open instagram.com again")
	require.Len(t, reqs, 1)
	assert.Equal(t, "instagram.com", reqs[0].Domain)
}

func TestDetectRequirementsStableOrder(t *testing.T) {
	text := "Cross-post the launch to twitter, instagram and facebook"

	first := DetectRequirements(text)
	require.Len(t, first, 3)
	assert.Equal(t, "facebook", first[0].Platform)
	assert.Equal(t, "instagram", first[1].Platform)
	assert.Equal(t, "twitter", first[2].Platform)

	// Map iteration must not leak into the output order.
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, DetectRequirements(text))
	}
}

func TestPromptContext(t *testing.T) {
	a := Analysis{
		Available: []Match{{Record: Record{Domain: "example.com"}}},
		Missing:   []Requirement{{Domain: "acme.io"}},
	}
	ctx := a.PromptContext()
	assert.Contains(t, ctx, "example.com: session available")
	assert.Contains(t, ctx, "acme.io: no stored session")

	assert.Empty(t, Analysis{}.PromptContext())
}
