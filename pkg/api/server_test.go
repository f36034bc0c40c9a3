package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"friendsync/pkg/abuse"
	"friendsync/pkg/metrics"
	"friendsync/pkg/protocol"
	"friendsync/pkg/store"
	"friendsync/pkg/syncer"
	"friendsync/pkg/syncerr"
	"friendsync/pkg/transport"
	"friendsync/pkg/trust"
	"friendsync/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	srv      *httptest.Server
	managers map[types.UserID]*syncer.Manager
}

func (f *fixture) client(user types.UserID) *Client {
	return NewClient(f.srv.URL, user).WithHTTPClient(f.srv.Client())
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := prometheus.NewRegistry()
	sm := metrics.NewSyncMetrics(registry)

	g := trust.NewGraph(logger)
	for _, pair := range [][2]types.UserID{{"alice", "bob"}, {"bob", "carol"}} {
		_, err := g.Request(pair[0], pair[1])
		require.NoError(t, err)
		require.NoError(t, g.Respond(pair[1], pair[0], types.FriendshipAccepted))
	}
	require.NoError(t, g.RegisterIdentity(types.Identity{ID: "bob", DisplayName: "Bob", PublicKey: "ed25519:bob"}))

	st := store.NewMemoryStore()
	server := NewServer(g, registry, logger)
	f := &fixture{managers: make(map[types.UserID]*syncer.Manager)}
	for _, id := range []types.UserID{"alice", "bob", "dave"} {
		guard := abuse.NewGuard(abuse.DefaultPolicy(), st, sm, logger)
		m, err := syncer.NewManager(syncer.Options{LocalUserID: id}, g, st, guard, sm, logger)
		require.NoError(t, err)
		t.Cleanup(m.Close)
		server.Host(m)
		f.managers[id] = m
	}

	f.srv = httptest.NewServer(server)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, owner types.UserID, ciphertext string, checksums ...string) *types.ContentItem {
	t.Helper()
	item, err := f.managers[owner].CreatePost(context.Background(), ciphertext, checksums, nil, time.Time{})
	require.NoError(t, err)
	return item
}

func TestMissingIdentityIsUnauthorized(t *testing.T) {
	f := newFixture(t)

	resp, err := f.srv.Client().Get(f.srv.URL + "/api/v1/my-posts-for-friends")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = NewClient(f.srv.URL, "").MyPostsForFriends(context.Background())
	assert.Equal(t, syncerr.KindAuthenticationRequired, syncerr.KindOf(err))
}

func TestFriends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	friends, err := f.client("alice").Friends(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, Friend{ID: "bob", Username: "bob", PublicKey: "ed25519:bob", DisplayName: "Bob"}, friends[0])

	_, err = f.client("alice").Friends(ctx, "bob")
	assert.Equal(t, syncerr.KindAccessDenied, syncerr.KindOf(err))
}

func TestPostListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.post(t, "alice", "first", "att-1", "att-2")
	f.post(t, "alice", "second")

	mine, err := f.client("alice").MyPostsForFriends(ctx)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	counts := []int{mine[0].AttachmentsCount, mine[1].AttachmentsCount}
	assert.ElementsMatch(t, []int{2, 0}, counts)

	forBob, err := f.client("bob").PostsForSync(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, forBob, 2)

	_, err = f.client("dave").PostsForSync(ctx, "alice")
	assert.Equal(t, syncerr.KindAccessDenied, syncerr.KindOf(err))

	_, err = f.client("zed").MyPostsForFriends(ctx)
	assert.Equal(t, syncerr.KindAccessDenied, syncerr.KindOf(err), "identities not hosted here are refused")
}

func TestSinglePostTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.post(t, "alice", "transfer me", "att-1")
	bob := f.client("bob")

	payload, err := bob.PostSyncData(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ContentHash, payload.ContentHash)
	assert.Equal(t, []string{"att-1"}, payload.AttachmentChecksums)

	_, err = f.client("dave").PostSyncData(ctx, item.ID)
	assert.Equal(t, syncerr.KindAccessDenied, syncerr.KindOf(err))

	_, err = bob.PostSyncData(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	exists, err := bob.ContentExists(ctx, item.ContentHash)
	require.NoError(t, err)
	assert.False(t, exists)

	stored, err := bob.StoreSyncedPost(ctx, *payload, "alice")
	require.NoError(t, err)
	assert.True(t, stored.Success)
	assert.NotEmpty(t, stored.SyncedPostID)

	exists, err = bob.ContentExists(ctx, item.ContentHash)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = bob.StoreSyncedPost(ctx, *payload, "alice")
	assert.Equal(t, syncerr.KindDuplicateContent, syncerr.KindOf(err))

	_, err = bob.PostSyncData(ctx, stored.SyncedPostID)
	require.Error(t, err, "synced copies are not handed out")

	stats, err := bob.SyncStats(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FriendsCount)
	assert.Equal(t, 1, stats.SyncedCount)
	assert.Equal(t, 100, stats.SyncLimits.BulkLimit)

	_, err = bob.SyncStats(ctx, "alice")
	assert.Equal(t, syncerr.KindAccessDenied, syncerr.KindOf(err))
}

func TestAcceptSyncEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := f.client("bob")

	item := f.post(t, "alice", "bulk one")
	data := &protocol.SyncData{UserID: "alice", Posts: []protocol.PostPayload{protocol.PayloadFromItem(item, true)}}

	result, err := bob.AcceptSync(ctx, "alice", data)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.SyncedPostsCount)

	result, err = bob.AcceptSync(ctx, "alice", data)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SyncedPostsCount)
	assert.Equal(t, []string{syncerr.ReasonDuplicate}, result.SkippedReasons)

	leaky := *data
	leaky.Posts = append([]protocol.PostPayload{}, data.Posts...)
	leaky.Posts[0].Ciphertext = "-----BEGIN ENCRYPTION KEY-----"
	_, err = bob.AcceptSync(ctx, "alice", &leaky)
	assert.Equal(t, syncerr.KindSecurityViolation, syncerr.KindOf(err))

	bulk := &protocol.SyncData{UserID: "alice"}
	for i := 0; i < 101; i++ {
		bulk.Posts = append(bulk.Posts, protocol.PostPayload{ID: types.PostID(fmt.Sprintf("p%d", i)), OwnerID: "alice"})
	}
	_, err = bob.AcceptSync(ctx, "alice", bulk)
	assert.Equal(t, syncerr.KindBulkLimitExceeded, syncerr.KindOf(err))

	_, err = f.client("dave").AcceptSync(ctx, "alice", data)
	assert.Equal(t, syncerr.KindAccessDenied, syncerr.KindOf(err))

	resp, err := f.srv.Client().Do(mustRequest(t, http.MethodPost, f.srv.URL+"/api/v1/accept-sync/alice", "bob", `{"user_id":`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func withField(t *testing.T, v interface{}, key string, value interface{}) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	m[key] = value
	return m
}

func TestKeyLeakInUnknownFieldsIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.post(t, "alice", "quiet post")
	post := protocol.PayloadFromItem(item, true)

	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{
			name: "top level field of a bulk payload",
			path: "/api/v1/accept-sync/alice",
			body: withField(t, protocol.SyncData{UserID: "alice", Posts: []protocol.PostPayload{post}}, "private_key", "abc"),
		},
		{
			name: "post field of a bulk payload",
			path: "/api/v1/accept-sync/alice",
			body: map[string]interface{}{
				"user_id": "alice",
				"posts":   []interface{}{withField(t, post, "signingKey", "abc")},
			},
		},
		{
			name: "post field of a single post",
			path: "/api/v1/store-synced-post",
			body: map[string]interface{}{
				"post":            withField(t, post, "secretKey", "abc"),
				"originalOwnerId": "alice",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.body)
			require.NoError(t, err)

			resp, err := f.srv.Client().Do(mustRequest(t, http.MethodPost, f.srv.URL+tt.path, "bob", string(raw)))
			require.NoError(t, err)
			var out ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, syncerr.KindSecurityViolation, out.Kind)

			exists, err := f.client("bob").ContentExists(ctx, item.ContentHash)
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func mustRequest(t *testing.T, method, url string, user types.UserID, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(UserIDHeader, string(user))
	return req
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, err := f.srv.Client().Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = f.srv.Client().Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "friendsync_items_synced_total")
}

func TestSyncSocket(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	endpoint := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/sync/bob"
	ch, err := transport.NewWebsocketDialer().Dial(ctx, endpoint)
	require.NoError(t, err)
	defer ch.Close()

	raw, err := protocol.Encode(&protocol.FriendVerification{UserID: "alice", Timestamp: protocol.Now()})
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, raw))

	reply, err := ch.Receive(ctx)
	require.NoError(t, err)
	msg, err := protocol.Decode(reply)
	require.NoError(t, err)
	verified, ok := msg.(*protocol.FriendVerified)
	require.True(t, ok, "unexpected %T", msg)
	assert.True(t, verified.Verified)
	assert.Equal(t, types.UserID("bob"), verified.UserID)

	resp, err := f.srv.Client().Get(f.srv.URL + "/sync/nobody")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
