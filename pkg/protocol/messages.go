// Package protocol defines the peer sync wire format: a {type, data} JSON
// envelope over five message variants, and the length-prefixed framing
// used on stream transports.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"friendsync/pkg/types"
)

type MessageType string

const (
	TypeFriendVerification  MessageType = "friend_verification"
	TypeFriendVerified      MessageType = "friend_verified"
	TypeContentAnnouncement MessageType = "content_announcement"
	TypeSyncRequest         MessageType = "sync_request"
	TypeSyncResponse        MessageType = "sync_response"
)

// Types lists every message type in protocol order.
var Types = []MessageType{
	TypeFriendVerification,
	TypeFriendVerified,
	TypeContentAnnouncement,
	TypeSyncRequest,
	TypeSyncResponse,
}

// Message is implemented only by the five variants in this package.
type Message interface {
	Type() MessageType
	sealed()
}

type FriendVerification struct {
	UserID    types.UserID `json:"userId"`
	Timestamp string       `json:"timestamp"`
}

type FriendVerified struct {
	UserID   types.UserID `json:"userId,omitempty"`
	Verified bool         `json:"verified"`
	Reason   string       `json:"reason,omitempty"`
}

type AnnouncedItem struct {
	PostID           types.PostID `json:"postId"`
	ContentHash      string       `json:"contentHash"`
	Timestamp        string       `json:"timestamp"`
	HasAttachments   bool         `json:"hasAttachments"`
	AttachmentHashes []string     `json:"attachmentHashes,omitempty"`
	CID              string       `json:"cid,omitempty"`
}

type ContentAnnouncement struct {
	OwnerID types.UserID    `json:"ownerId"`
	Items   []AnnouncedItem `json:"items"`
}

type RequestedItem struct {
	PostID             types.PostID `json:"postId"`
	ContentHash        string       `json:"contentHash"`
	IncludeAttachments bool         `json:"includeAttachments"`
}

type SyncRequest struct {
	RequestID        string          `json:"requestId"`
	RequestedContent []RequestedItem `json:"requestedContent"`
}

type ResponseItem struct {
	PostID      types.PostID    `json:"postId"`
	ContentHash string          `json:"contentHash"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
}

// Post decodes the item payload. The raw bytes stay available in Payload
// so fields unknown to PostPayload still reach the security scan.
func (ri ResponseItem) Post() (*PostPayload, error) {
	if len(ri.Payload) == 0 {
		return nil, fmt.Errorf("item %s carries no payload", ri.PostID)
	}
	var p PostPayload
	if err := json.Unmarshal(ri.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload of %s: %w", ri.PostID, err)
	}
	return &p, nil
}

type SyncResponse struct {
	RequestID string         `json:"requestId"`
	Content   []ResponseItem `json:"content"`
}

func (*FriendVerification) Type() MessageType  { return TypeFriendVerification }
func (*FriendVerified) Type() MessageType      { return TypeFriendVerified }
func (*ContentAnnouncement) Type() MessageType { return TypeContentAnnouncement }
func (*SyncRequest) Type() MessageType         { return TypeSyncRequest }
func (*SyncResponse) Type() MessageType        { return TypeSyncResponse }

func (*FriendVerification) sealed()  {}
func (*FriendVerified) sealed()      {}
func (*ContentAnnouncement) sealed() {}
func (*SyncRequest) sealed()         {}
func (*SyncResponse) sealed()        {}

// PostPayload is the transferable form of a content item.
type PostPayload struct {
	ID                  types.PostID `json:"id"`
	OwnerID             types.UserID `json:"ownerId"`
	Ciphertext          string       `json:"ciphertext"`
	Timestamp           string       `json:"timestamp"`
	Signature           string       `json:"signature"`
	ContentHash         string       `json:"contentHash"`
	AttachmentChecksums []string     `json:"attachmentChecksums,omitempty"`
}

// SyncData is the bulk payload accepted from a friend.
type SyncData struct {
	UserID types.UserID  `json:"user_id"`
	Posts  []PostPayload `json:"posts"`
}

// EncodeSyncData builds a serialized SyncData from already encoded posts,
// keeping each post byte for byte.
func EncodeSyncData(userID types.UserID, posts []json.RawMessage) ([]byte, error) {
	if posts == nil {
		posts = []json.RawMessage{}
	}
	return json.Marshal(struct {
		UserID types.UserID      `json:"user_id"`
		Posts  []json.RawMessage `json:"posts"`
	}{userID, posts})
}

func PayloadFromItem(item *types.ContentItem, includeAttachments bool) PostPayload {
	p := PostPayload{
		ID:          item.ID,
		OwnerID:     item.OwnerID,
		Ciphertext:  item.Ciphertext,
		Timestamp:   item.Timestamp,
		Signature:   item.Signature,
		ContentHash: item.ContentHash,
	}
	if includeAttachments {
		p.AttachmentChecksums = append([]string(nil), item.AttachmentChecksums...)
	}
	return p
}

// Item returns the payload as an original item of its announced owner.
func (p PostPayload) Item() *types.ContentItem {
	return &types.ContentItem{
		ID:                  p.ID,
		OwnerID:             p.OwnerID,
		Ciphertext:          p.Ciphertext,
		Timestamp:           p.Timestamp,
		Signature:           p.Signature,
		ContentHash:         p.ContentHash,
		AttachmentChecksums: append([]string(nil), p.AttachmentChecksums...),
		SyncState:           types.SyncStateOriginal,
	}
}

// Now formats t the way timestamps travel on the wire.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
