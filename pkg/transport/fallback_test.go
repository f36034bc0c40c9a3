package transport

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"friendsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func fourTiers() []Tier {
	return []Tier{
		{Name: "primary", Endpoints: []string{"wss://a", "wss://b"}},
		{Name: "secondary", Endpoints: []string{"wss://c"}},
		{Name: "tertiary", Endpoints: []string{"wss://d", "wss://a"}},
		{Name: "local", Endpoints: []string{"mem://local"}},
	}
}

func TestEscalationScenario(t *testing.T) {
	m := NewFallbackManager("bob", fourTiers(), Options{MinimalFallback: "wss://fallback"}, zaptest.NewLogger(t))
	assert.Equal(t, 0, m.TierIndex())

	for i, ep := range []string{"wss://x1", "wss://x2", "wss://x3"} {
		assert.True(t, m.OnConnectionFailed(ep))
		assert.Equal(t, i+1, m.TierIndex())
	}
	assert.False(t, m.OnConnectionFailed("wss://x4"))
	assert.Equal(t, 4, m.Attempts())

	for _, ep := range []string{"wss://a", "wss://b", "wss://c", "wss://d", "mem://local"} {
		m.MarkFailed(ep)
	}
	assert.Equal(t, []string{"wss://fallback"}, m.ActiveEndpoints())

	m.Reset()
	assert.Equal(t, 0, m.TierIndex())
	assert.Equal(t, 0, m.Attempts())
	for _, ep := range []string{"wss://x1", "wss://x2", "wss://x3"} {
		assert.True(t, m.IsFailed(ep), "%s stays excluded after reset", ep)
	}
	assert.Equal(t, []string{"wss://fallback"}, m.ActiveEndpoints())
}

func TestActiveEndpointsUnion(t *testing.T) {
	m := NewFallbackManager("bob", fourTiers(), Options{}, nil)
	assert.Equal(t, []string{"wss://a", "wss://b"}, m.ActiveEndpoints())

	assert.True(t, m.OnConnectionFailed("wss://b"))
	assert.Equal(t, []string{"wss://a", "wss://c"}, m.ActiveEndpoints())

	assert.True(t, m.OnConnectionFailed(""))
	assert.Equal(t, []string{"wss://a", "wss://c", "wss://d"}, m.ActiveEndpoints(), "duplicates collapse")

	state := m.State()
	assert.Equal(t, types.UserID("bob"), state.PeerID)
	assert.Equal(t, 2, state.TierIndex)
	assert.Equal(t, []string{"wss://b"}, state.FailedEndpoints)
}

func TestActiveEndpointsNeverEmpty(t *testing.T) {
	m := NewFallbackManager("bob", nil, Options{}, nil)
	assert.Equal(t, []string{DefaultMinimalFallback}, m.ActiveEndpoints())
	assert.False(t, m.OnConnectionFailed(DefaultMinimalFallback))
	assert.Equal(t, []string{DefaultMinimalFallback}, m.ActiveEndpoints())
}

func TestValidateEndpoints(t *testing.T) {
	m := NewFallbackManager("bob", fourTiers(), Options{ProbeTimeout: 50 * time.Millisecond}, zaptest.NewLogger(t))

	prober := ProberFunc(func(ctx context.Context, endpoint string) error {
		switch endpoint {
		case "wss://b":
			return errors.New("refused")
		case "wss://d":
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	start := time.Now()
	failed := m.ValidateEndpoints(context.Background(), prober)
	assert.Less(t, time.Since(start), 2*time.Second)

	sort.Strings(failed)
	assert.Equal(t, []string{"wss://b", "wss://d"}, failed)
	assert.Equal(t, []string{"wss://a"}, m.ActiveEndpoints())
	assert.Equal(t, 0, m.TierIndex(), "probing does not escalate")
}
