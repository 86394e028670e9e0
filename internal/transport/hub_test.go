package transport

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckOrigin_EmptyAllowlistAllowsAny(t *testing.T) {
	h := NewHub(nil, nil, nil)
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.True(t, h.checkOrigin(req))
}

func TestCheckOrigin_MissingOriginHeaderIsAllowed(t *testing.T) {
	h := NewHub(nil, nil, []string{"https://app.example"})
	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, h.checkOrigin(req), "non-browser clients send no Origin header")
}

func TestCheckOrigin_AllowedSchemeAndHostMatches(t *testing.T) {
	h := NewHub(nil, nil, []string{"https://app.example"})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://app.example")
	assert.True(t, h.checkOrigin(req))
}

func TestCheckOrigin_DisallowedOriginIsRejected(t *testing.T) {
	h := NewHub(nil, nil, []string{"https://app.example"})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://attacker.example")
	assert.False(t, h.checkOrigin(req))
}

func TestCheckOrigin_SchemeMismatchIsRejected(t *testing.T) {
	h := NewHub(nil, nil, []string{"https://app.example"})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "http://app.example")
	assert.False(t, h.checkOrigin(req), "scheme must match exactly, not just host")
}
