package middleware

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "sk-12345***", MaskAPIKey("sk-1234567890abcdef"))
	assert.Equal(t, "****", MaskAPIKey("1234"))
	assert.Equal(t, "", MaskAPIKey(""))
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/chat", nil)
	req.RemoteAddr = "192.0.2.7:54321"
	assert.Equal(t, "192.0.2.7", ExtractClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ExtractClientIP(req))

	// X-Real-IP wins over X-Forwarded-For.
	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ExtractClientIP(req))
}

func TestIdentityContextRoundTrip(t *testing.T) {
	id := &Identity{Key: "sk-abc", UserID: "sk-abc", Tier: "pro"}
	ctx := WithIdentity(context.Background(), id)
	assert.Same(t, id, IdentityFromContext(ctx))

	// A bare context yields the anonymous identity rather than nil.
	anon := IdentityFromContext(context.Background())
	assert.True(t, anon.Anonymous)
	assert.Equal(t, TierAnonymous, anon.Tier)
}
