package abuse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"friendsync/pkg/integrity"
	"friendsync/pkg/protocol"
	"friendsync/pkg/store"
	"friendsync/pkg/syncerr"
	"friendsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func post(id, ciphertext string) protocol.PostPayload {
	p := protocol.PostPayload{
		ID:                  types.PostID(id),
		OwnerID:             "alice",
		Ciphertext:          ciphertext,
		Timestamp:           "2025-01-01T00:00:00Z",
		Signature:           "c2ln",
		AttachmentChecksums: []string{"b", "a"},
	}
	p.ContentHash = integrity.ComputeHash(p.Ciphertext, p.Timestamp, p.Signature, p.AttachmentChecksums)
	return p
}

func payload(t *testing.T, posts ...protocol.PostPayload) []byte {
	if posts == nil {
		posts = []protocol.PostPayload{}
	}
	raw, err := json.Marshal(protocol.SyncData{UserID: "alice", Posts: posts})
	require.NoError(t, err)
	return raw
}

func newTestGuard(t *testing.T, policy Policy) (*Guard, *store.MemoryStore) {
	s := store.NewMemoryStore()
	return NewGuard(policy, s, nil, zaptest.NewLogger(t)), s
}

func TestStructuralValidity(t *testing.T) {
	g, _ := newTestGuard(t, DefaultPolicy())
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `nope`},
		{"missing posts", `{"user_id":"alice"}`},
		{"posts not array", `{"user_id":"alice","posts":{}}`},
		{"missing user", `{"posts":[]}`},
		{"empty user", `{"user_id":"","posts":[]}`},
		{"post without id", `{"user_id":"alice","posts":[{"ciphertext":"x"}]}`},
		{"post not object", `{"user_id":"alice","posts":[1]}`},
		{"sender mismatch", `{"user_id":"mallory","posts":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := g.EvaluatePayload(ctx, "bob", "alice", []byte(tt.raw))
			require.Error(t, err)
			assert.Nil(t, d)
			assert.Equal(t, syncerr.KindMalformedPayload, syncerr.KindOf(err))
		})
	}
}

func TestSecurityScanRejectsWholesale(t *testing.T) {
	g, _ := newTestGuard(t, DefaultPolicy())
	ctx := context.Background()

	leaks := []string{
		"my privateKey is here",
		"PRIVATE_KEY=abc",
		"secret-key",
		"the Signing Key",
		"encryption.key",
		"SecretKey",
	}

	for _, leak := range leaks {
		t.Run(leak, func(t *testing.T) {
			raw := payload(t, post("p1", "benign"), post("p2", leak))
			d, err := g.EvaluatePayload(ctx, "bob", "alice", raw)
			require.Error(t, err)
			assert.Nil(t, d)
			assert.Equal(t, syncerr.KindSecurityViolation, syncerr.KindOf(err))
		})
	}
}

func TestSecurityScanDecodesEscapes(t *testing.T) {
	g, _ := newTestGuard(t, DefaultPolicy())
	raw := []byte(`{"user_id":"alice","posts":[{"id":"p1","ciphertext":"private\u005fkey"}]}`)

	_, err := g.EvaluatePayload(context.Background(), "bob", "alice", raw)
	assert.Equal(t, syncerr.KindSecurityViolation, syncerr.KindOf(err))
}

func TestSecurityScanCoversUnknownFields(t *testing.T) {
	g, _ := newTestGuard(t, DefaultPolicy())
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
	}{
		{"top level key", `{"user_id":"alice","private_key":"abc","posts":[]}`},
		{"post level key", `{"user_id":"alice","posts":[{"id":"p1","signingKey":"abc"}]}`},
		{"nested value", `{"user_id":"alice","posts":[{"id":"p1","meta":{"notes":["my SECRET KEY"]}}]}`},
		{"escaped key", `{"user_id":"alice","posts":[{"id":"p1","encryption\u005fkey":"abc"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := g.EvaluatePayload(ctx, "bob", "alice", []byte(tt.raw))
			require.Error(t, err)
			assert.Nil(t, d)
			assert.Equal(t, syncerr.KindSecurityViolation, syncerr.KindOf(err))
		})
	}
}

func TestKeyLeakPatterns(t *testing.T) {
	patterns := KeyLeakPatterns([]string{"Private", "private", ""})
	assert.Equal(t, []string{"privatekey", "private_key", "private-key", "private key", "private.key"}, patterns)
}

func TestBulkCeiling(t *testing.T) {
	g, _ := newTestGuard(t, DefaultPolicy())
	ctx := context.Background()

	build := func(n int) []byte {
		posts := make([]protocol.PostPayload, n)
		for i := range posts {
			posts[i] = post(fmt.Sprintf("p%d", i), fmt.Sprintf("body-%d", i))
		}
		return payload(t, posts...)
	}

	_, err := g.EvaluatePayload(ctx, "bob", "alice", build(101))
	require.Error(t, err)
	assert.Equal(t, syncerr.KindBulkLimitExceeded, syncerr.KindOf(err))

	d, err := g.EvaluatePayload(ctx, "bob", "alice", build(100))
	require.NoError(t, err)
	assert.Len(t, d.Accepted(), 100)
}

func TestCheckOrderSecurityBeforeBulk(t *testing.T) {
	policy := DefaultPolicy()
	policy.BulkLimit = 1
	g, _ := newTestGuard(t, policy)

	raw := payload(t, post("p1", "ok"), post("p2", "secret_key"))
	_, err := g.EvaluatePayload(context.Background(), "bob", "alice", raw)
	assert.Equal(t, syncerr.KindSecurityViolation, syncerr.KindOf(err))
}

func TestPerItemChecks(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxContentBytes = 64
	g, s := newTestGuard(t, policy)
	ctx := context.Background()

	existing := post("old", "already here")
	item := existing.Item()
	item.OwnerID = "bob"
	require.NoError(t, s.Insert(ctx, item))

	tampered := post("p2", "fine")
	tampered.Ciphertext = "changed"

	big := post("p3", fmt.Sprintf("%0100d", 7))

	raw := payload(t, post("p1", "fresh"), tampered, big, post("p4", "already here"), post("p5", "fresh"))
	d, err := g.EvaluatePayload(ctx, "bob", "alice", raw)
	require.NoError(t, err)
	require.Len(t, d.Verdicts, 5)

	assert.True(t, d.Verdicts[0].Accepted)
	assert.Equal(t, syncerr.ReasonTampered, d.Verdicts[1].Reason)
	assert.Equal(t, syncerr.ReasonOversized, d.Verdicts[2].Reason)
	assert.Equal(t, syncerr.ReasonDuplicate, d.Verdicts[3].Reason)
	assert.Equal(t, syncerr.ReasonDuplicate, d.Verdicts[4].Reason, "duplicate within the batch")

	assert.Len(t, d.Accepted(), 1)
	assert.Equal(t, []string{syncerr.ReasonTampered, syncerr.ReasonOversized, syncerr.ReasonDuplicate}, d.SkippedReasons())
}

func TestPerItemCheckOrder(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxContentBytes = 64
	g, s := newTestGuard(t, policy)
	ctx := context.Background()

	existing := post("old", "already here")
	item := existing.Item()
	item.OwnerID = "bob"
	require.NoError(t, s.Insert(ctx, item))

	bigTampered := post("p1", fmt.Sprintf("%0100d", 7))
	bigTampered.ContentHash = existing.ContentHash

	dupTampered := post("p2", "already here")
	dupTampered.Ciphertext = "changed"

	tampered := post("p3", "fresh")
	tampered.Ciphertext = "changed again"

	raw := payload(t, bigTampered, dupTampered, tampered, post("p4", "fresh"))
	d, err := g.EvaluatePayload(ctx, "bob", "alice", raw)
	require.NoError(t, err)
	require.Len(t, d.Verdicts, 4)

	tests := []struct {
		name   string
		reason string
	}{
		{"oversized before duplicate", syncerr.ReasonOversized},
		{"duplicate before tampered", syncerr.ReasonDuplicate},
		{"tampered", syncerr.ReasonTampered},
		{"tampered claim does not shadow the genuine item", ""},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.reason, d.Verdicts[i].Reason)
			assert.Equal(t, tt.reason == "", d.Verdicts[i].Accepted)
		})
	}
}

func TestInboundRateLimit(t *testing.T) {
	policy := DefaultPolicy()
	policy.InboundHourly = 2
	policy.InboundDaily = 3
	g, _ := newTestGuard(t, policy)
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	g.limiter.now = func() time.Time { return now }

	raw := payload(t)
	for i := 0; i < 2; i++ {
		_, err := g.EvaluatePayload(ctx, "bob", "alice", raw)
		require.NoError(t, err)
	}
	_, err := g.EvaluatePayload(ctx, "bob", "alice", raw)
	assert.Equal(t, syncerr.KindRateLimitExceeded, syncerr.KindOf(err))

	// keyed per peer
	carolRaw, _ := json.Marshal(protocol.SyncData{UserID: "carol", Posts: []protocol.PostPayload{}})
	_, err = g.EvaluatePayload(ctx, "bob", "carol", carolRaw)
	assert.NoError(t, err)

	now = now.Add(61 * time.Minute)
	_, err = g.EvaluatePayload(ctx, "bob", "alice", raw)
	require.NoError(t, err)
	_, err = g.EvaluatePayload(ctx, "bob", "alice", raw)
	assert.Equal(t, syncerr.KindRateLimitExceeded, syncerr.KindOf(err), "daily limit")

	g.Reset(InboundKey("bob", "alice"))
	_, err = g.EvaluatePayload(ctx, "bob", "alice", raw)
	assert.NoError(t, err)
}

func TestOutboundPostLimits(t *testing.T) {
	policy := DefaultPolicy()
	policy.OutboundHourly = 3
	policy.NewUserHourly = 1
	g, _ := newTestGuard(t, policy)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	g.limiter.now = func() time.Time { return now }

	newbie := now.Add(-time.Hour)
	require.NoError(t, g.AllowOutboundPost("newbie", newbie))
	assert.Equal(t, syncerr.KindRateLimitExceeded, syncerr.KindOf(g.AllowOutboundPost("newbie", newbie)))

	veteran := now.Add(-90 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, g.AllowOutboundPost("veteran", veteran))
	}
	assert.Error(t, g.AllowOutboundPost("veteran", veteran))
}

func TestConcurrentCountersAreAtomic(t *testing.T) {
	policy := DefaultPolicy()
	policy.InboundHourly = 10
	g, _ := newTestGuard(t, policy)
	raw := payload(t)

	var wg sync.WaitGroup
	var allowed int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.EvaluatePayload(context.Background(), "bob", "alice", raw); err == nil {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed)
}

func TestSlidingWindowPrune(t *testing.T) {
	w := NewSlidingWindow(time.Hour)
	now := time.Now()
	w.now = func() time.Time { return now }

	assert.True(t, w.Allow("a", Limit{Window: time.Hour, Max: 5}))
	assert.True(t, w.Allow("b"))
	assert.Equal(t, 1, w.Count("a", time.Hour))

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 2, w.Prune())
	assert.Equal(t, 0, w.Keys())
}
