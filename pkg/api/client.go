package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"friendsync/pkg/protocol"
	"friendsync/pkg/syncer"
	"friendsync/pkg/syncerr"
	"friendsync/pkg/types"
)

// Client calls the collaborator endpoints as one identity.
type Client struct {
	baseURL string
	userID  types.UserID
	http    *http.Client
}

func NewClient(baseURL string, userID types.UserID) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) Friends(ctx context.Context, userID types.UserID) ([]Friend, error) {
	var out []Friend
	err := c.do(ctx, http.MethodGet, "/api/v1/friends/"+url.PathEscape(string(userID)), nil, &out)
	return out, err
}

func (c *Client) PostsForSync(ctx context.Context, friendID types.UserID) ([]SyncablePost, error) {
	var out []SyncablePost
	err := c.do(ctx, http.MethodGet, "/api/v1/posts-for-sync/"+url.PathEscape(string(friendID)), nil, &out)
	return out, err
}

func (c *Client) MyPostsForFriends(ctx context.Context) ([]OwnPost, error) {
	var out []OwnPost
	err := c.do(ctx, http.MethodGet, "/api/v1/my-posts-for-friends", nil, &out)
	return out, err
}

func (c *Client) PostSyncData(ctx context.Context, postID types.PostID) (*protocol.PostPayload, error) {
	var out protocol.PostPayload
	if err := c.do(ctx, http.MethodGet, "/api/v1/post-sync-data/"+url.PathEscape(string(postID)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StoreSyncedPost(ctx context.Context, post protocol.PostPayload, originalOwner types.UserID) (*StoreSyncedPostResponse, error) {
	var out StoreSyncedPostResponse
	req := StoreSyncedPostRequest{Post: post, OriginalOwnerID: originalOwner}
	if err := c.do(ctx, http.MethodPost, "/api/v1/store-synced-post", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ContentExists(ctx context.Context, contentHash string) (bool, error) {
	var out ContentExistsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/content-exists/"+url.PathEscape(contentHash), nil, &out)
	return out.Exists, err
}

func (c *Client) SyncStats(ctx context.Context, userID types.UserID) (*syncer.Stats, error) {
	var out syncer.Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/sync-stats/"+url.PathEscape(string(userID)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptSync pushes data to the client identity as if sent by friendID.
func (c *Client) AcceptSync(ctx context.Context, friendID types.UserID, data *protocol.SyncData) (*syncer.AcceptResult, error) {
	var out syncer.AcceptResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/accept-sync/"+url.PathEscape(string(friendID)), data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.userID != "" {
		req.Header.Set(UserIDHeader, string(c.userID))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return fmt.Errorf("%s returned %s", path, resp.Status)
		}
		if e.Kind != "" {
			return syncerr.New(e.Kind, e.Error)
		}
		return fmt.Errorf("%s returned %s: %s", path, resp.Status, e.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
