// Package api serves the collaborator HTTP endpoints used by clients and
// peer nodes: friend listings, sync candidates, single-post transfer, the
// bulk accept endpoint and sync statistics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"friendsync/pkg/metrics"
	"friendsync/pkg/protocol"
	"friendsync/pkg/store"
	"friendsync/pkg/syncer"
	"friendsync/pkg/syncerr"
	"friendsync/pkg/transport"
	"friendsync/pkg/trust"
	"friendsync/pkg/types"
)

const maxBodyBytes = 16 << 20

type Friend struct {
	ID          types.UserID `json:"id"`
	Username    string       `json:"username"`
	PublicKey   string       `json:"publicKey"`
	DisplayName string       `json:"displayName"`
}

type SyncablePost struct {
	ID             types.PostID `json:"id"`
	ContentHash    string       `json:"contentHash"`
	Timestamp      string       `json:"timestamp"`
	HasAttachments bool         `json:"hasAttachments"`
}

type OwnPost struct {
	ID               types.PostID `json:"id"`
	ContentHash      string       `json:"contentHash"`
	Timestamp        string       `json:"timestamp"`
	AttachmentsCount int          `json:"attachmentsCount"`
	AttachmentHashes []string     `json:"attachmentHashes"`
}

type StoreSyncedPostRequest struct {
	Post            protocol.PostPayload `json:"post"`
	OriginalOwnerID types.UserID         `json:"originalOwnerId"`
}

type StoreSyncedPostResponse struct {
	Success      bool         `json:"success"`
	SyncedPostID types.PostID `json:"syncedPostId"`
}

type ContentExistsResponse struct {
	Exists bool `json:"exists"`
}

type ErrorResponse struct {
	Error string       `json:"error"`
	Kind  syncerr.Kind `json:"kind,omitempty"`
}

// Server exposes the sync managers of the identities hosted by this node.
type Server struct {
	graph    *trust.Graph
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	mu       sync.RWMutex
	managers map[types.UserID]*syncer.Manager
	sockets  map[types.UserID]*transport.WebsocketHandler

	mux *http.ServeMux
}

func NewServer(graph *trust.Graph, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		graph:    graph,
		gatherer: gatherer,
		logger:   logger,
		managers: make(map[types.UserID]*syncer.Manager),
		sockets:  make(map[types.UserID]*transport.WebsocketHandler),
		mux:      http.NewServeMux(),
	}
	s.RegisterHandlers(s.mux)
	return s
}

// Host makes m's identity reachable through the API and the websocket
// sync endpoint.
func (s *Server) Host(m *syncer.Manager) {
	id := m.LocalUserID()
	handler := transport.NewWebsocketHandler(func(ch transport.Channel) {
		if _, err := m.Accept(ch); err != nil {
			s.logger.Warn("Failed to accept sync channel",
				zap.String("user", string(id)),
				zap.Error(err))
		}
	}, s.logger)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.managers[id] = m
	s.sockets[id] = handler
}

func (s *Server) manager(id types.UserID) (*syncer.Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.managers[id]
	if !ok {
		return nil, syncerr.New(syncerr.KindAccessDenied, fmt.Sprintf("identity %s is not hosted here", id))
	}
	return m, nil
}

// RegisterHandlers registers the API routes on mux.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/friends/{userId}", requireIdentity(s.handleFriends))
	mux.HandleFunc("GET /api/v1/posts-for-sync/{friendId}", requireIdentity(s.handlePostsForSync))
	mux.HandleFunc("GET /api/v1/my-posts-for-friends", requireIdentity(s.handleMyPosts))
	mux.HandleFunc("GET /api/v1/post-sync-data/{postId}", requireIdentity(s.handlePostSyncData))
	mux.HandleFunc("POST /api/v1/store-synced-post", requireIdentity(s.handleStoreSyncedPost))
	mux.HandleFunc("GET /api/v1/content-exists/{contentHash}", requireIdentity(s.handleContentExists))
	mux.HandleFunc("GET /api/v1/sync-stats/{userId}", requireIdentity(s.handleSyncStats))
	mux.HandleFunc("POST /api/v1/accept-sync/{friendId}", requireIdentity(s.handleAcceptSync))
	mux.HandleFunc("GET /sync/{userId}", s.handleSyncSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start serves the API on addr in the background.
func (s *Server) Start(addr string) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("Starting API server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()

	return server
}

func (s *Server) handleFriends(w http.ResponseWriter, r *http.Request) {
	caller, _ := UserFromContext(r.Context())
	userID := types.UserID(r.PathValue("userId"))
	if caller != userID {
		writeError(w, syncerr.New(syncerr.KindAccessDenied, "friend lists are private"))
		return
	}

	friends := []Friend{}
	for _, ident := range s.graph.FriendProfiles(userID) {
		friends = append(friends, Friend{
			ID:          ident.ID,
			Username:    ident.Username,
			PublicKey:   ident.PublicKey,
			DisplayName: ident.DisplayName,
		})
	}
	writeJSON(w, http.StatusOK, friends)
}

// handlePostsForSync lists the originals of friendId that caller may sync.
func (s *Server) handlePostsForSync(w http.ResponseWriter, r *http.Request) {
	caller, _ := UserFromContext(r.Context())
	friendID := types.UserID(r.PathValue("friendId"))
	m, err := s.manager(caller)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.graph.IsSyncEligible(caller, friendID) {
		writeError(w, syncerr.New(syncerr.KindAccessDenied,
			fmt.Sprintf("%s is not a friend or friend of friend", friendID)))
		return
	}

	items, err := m.Store().ListByOwner(r.Context(), friendID, types.SyncStateOriginal)
	if err != nil {
		writeError(w, fmt.Errorf("failed to list posts: %w", err))
		return
	}

	posts := make([]SyncablePost, 0, len(items))
	for _, item := range items {
		posts = append(posts, SyncablePost{
			ID:             item.ID,
			ContentHash:    item.ContentHash,
			Timestamp:      item.Timestamp,
			HasAttachments: item.HasAttachments(),
		})
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) handleMyPosts(w http.ResponseWriter, r *http.Request) {
	caller, _ := UserFromContext(r.Context())
	m, err := s.manager(caller)
	if err != nil {
		writeError(w, err)
		return
	}

	items, err := m.Store().ListByOwner(r.Context(), caller, types.SyncStateOriginal)
	if err != nil {
		writeError(w, fmt.Errorf("failed to list posts: %w", err))
		return
	}

	posts := make([]OwnPost, 0, len(items))
	for _, item := range items {
		posts = append(posts, OwnPost{
			ID:               item.ID,
			ContentHash:      item.ContentHash,
			Timestamp:        item.Timestamp,
			AttachmentsCount: len(item.AttachmentChecksums),
			AttachmentHashes: append([]string{}, item.AttachmentChecksums...),
		})
	}
	writeJSON(w, http.StatusOK, posts)
}

// handlePostSyncData returns an original item to its owner or to identities
// the owner trusts. Synced copies are never handed out.
func (s *Server) handlePostSyncData(w http.ResponseWriter, r *http.Request) {
	caller, _ := UserFromContext(r.Context())
	m, err := s.manager(caller)
	if err != nil {
		writeError(w, err)
		return
	}

	item, err := m.Store().Get(r.Context(), types.PostID(r.PathValue("postId")))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "post not found")
			return
		}
		writeError(w, fmt.Errorf("failed to load post: %w", err))
		return
	}
	if item.SyncState == types.SyncStateSynced {
		writeJSONError(w, http.StatusNotFound, "post not found")
		return
	}
	if item.OwnerID != caller && !s.graph.IsSyncEligible(item.OwnerID, caller) {
		writeError(w, syncerr.New(syncerr.KindAccessDenied, "post owner does not trust caller"))
		return
	}

	writeJSON(w, http.StatusOK, protocol.PayloadFromItem(item, true))
}

func (s *Server) handleStoreSyncedPost(w http.ResponseWriter, r *http.Request) {
	caller, _ := UserFromContext(r.Context())
	m, err := s.manager(caller)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Post            json.RawMessage `json:"post"`
		OriginalOwnerID types.UserID    `json:"originalOwnerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.OriginalOwnerID == "" {
		writeError(w, syncerr.New(syncerr.KindMalformedPayload, "originalOwnerId is required"))
		return
	}

	if len(req.Post) == 0 {
		writeError(w, syncerr.New(syncerr.KindMalformedPayload, "post is required"))
		return
	}

	row, err := m.StoreSyncedPostPayload(r.Context(), req.Post, req.OriginalOwnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StoreSyncedPostResponse{Success: true, SyncedPostID: row.ID})
}

func (s *Server) handleContentExists(w http.ResponseWriter, r *http.Request) {
	caller, _ := UserFromContext(r.Context())
	m, err := s.manager(caller)
	if err != nil {
		writeError(w, err)
		return
	}

	exists, err := m.Store().Exists(r.Context(), caller, r.PathValue("contentHash"))
	if err != nil {
		writeError(w, fmt.Errorf("failed to check content: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, ContentExistsResponse{Exists: exists})
}

func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	caller, _ := UserFromContext(r.Context())
	userID := types.UserID(r.PathValue("userId"))
	if caller != userID {
		writeError(w, syncerr.New(syncerr.KindAccessDenied, "sync stats are private"))
		return
	}
	m, err := s.manager(caller)
	if err != nil {
		writeError(w, err)
		return
	}

	stats, err := m.Stats(r.Context(), userID)
	if err != nil {
		writeError(w, fmt.Errorf("failed to compute sync stats: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAcceptSync applies a bulk payload that friendId pushes to caller.
func (s *Server) handleAcceptSync(w http.ResponseWriter, r *http.Request) {
	caller, _ := UserFromContext(r.Context())
	m, err := s.manager(caller)
	if err != nil {
		writeError(w, err)
		return
	}

	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := m.AcceptSyncPayload(r.Context(), types.UserID(r.PathValue("friendId")), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h, ok := s.sockets[types.UserID(r.PathValue("userId"))]
	s.mu.RUnlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown identity")
		return
	}
	h.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	hosted := len(s.managers)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"identities": hosted,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return syncerr.Wrap(syncerr.KindMalformedPayload, "invalid request body", err)
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindMalformedPayload, "failed to read request body", err)
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeError(w http.ResponseWriter, err error) {
	kind := syncerr.KindOf(err)
	status := http.StatusInternalServerError
	if kind != "" {
		status = kind.HTTPStatus()
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}
