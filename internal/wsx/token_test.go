package wsx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTokenInfo(t *testing.T) {
	token := newTokenInfo("ws.token.abc", 20*time.Second)

	assert.Equal(t, "ws.token.abc", token.Value)
	assert.Equal(t, 20*time.Second, token.TTL)
	assert.Equal(t, token.CreationTime.Add(20*time.Second), token.ExpiresAt)
}

func TestTokenExtendMonotonic(t *testing.T) {
	token := newTokenInfo("ws.token.abc", 10*time.Second)

	previous := token.ExpiresAt
	for i := 0; i < 5; i++ {
		token.Extend(time.Duration(i) * time.Second)
		assert.False(t, token.ExpiresAt.Before(previous), "expires_at must never decrease")
		previous = token.ExpiresAt
	}
}

func TestTokenExtendDefaultsToTTL(t *testing.T) {
	token := newTokenInfo("ws.token.abc", 30*time.Second)

	before := token.ExpiresAt
	token.Extend(0)
	assert.Equal(t, before.Add(30*time.Second), token.ExpiresAt)
}

func TestTokenIsExpired(t *testing.T) {
	token := newTokenInfo("ws.token.abc", time.Second)

	now := time.Now().UTC()
	assert.False(t, token.IsExpired(now))
	assert.True(t, token.IsExpired(now.Add(2*time.Second)))
}
