package redis_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gosuda/rewind/internal/domain"
	redisstore "github.com/gosuda/rewind/internal/store/redis"
)

func TestSessionChannel(t *testing.T) {
	t.Parallel()

	alice := domain.ViewKeyFor(domain.Viewer{UserID: "alice", Authenticated: true}, "", "r1")
	bob := domain.ViewKeyFor(domain.Viewer{UserID: "bob", Authenticated: true}, "", "r1")

	assert.Equal(t, "session:user:alice/r1", redisstore.SessionChannel(alice.String()))
	assert.NotEqual(t, redisstore.SessionChannel(alice.String()), redisstore.SessionChannel(bob.String()),
		"viewers of the same recording get their own channel")
}

func TestProtocolChannel(t *testing.T) {
	t.Parallel()

	view := domain.ViewKeyFor(domain.Viewer{}, "v-1", "r1")
	assert.Equal(t, "protocol:anon:v-1/r1", redisstore.ProtocolChannel(view.String()))
}

func TestChannelsDoNotCollide(t *testing.T) {
	t.Parallel()

	const view = "user:alice/r1"
	channels := []string{
		redisstore.SessionChannel(view),
		redisstore.ProtocolChannel(view),
		redisstore.TelemetryChannel,
	}

	seen := make(map[string]bool)
	for _, ch := range channels {
		assert.False(t, seen[ch], "duplicate channel %q", ch)
		seen[ch] = true
	}
}
