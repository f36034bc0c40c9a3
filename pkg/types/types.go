package types

import (
	"fmt"
	"time"
)

type UserID string
type PostID string
type TransactionID string

type Identity struct {
	ID          UserID
	Username    string
	PublicKey   string
	DisplayName string
	CreatedAt   time.Time
}

type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipDeclined FriendshipStatus = "declined"
	FriendshipBlocked  FriendshipStatus = "blocked"
)

type FriendshipEdge struct {
	RequesterID UserID
	AddresseeID UserID
	Status      FriendshipStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Involves reports whether id is either end of the edge.
func (e FriendshipEdge) Involves(id UserID) bool {
	return e.RequesterID == id || e.AddresseeID == id
}

// Other returns the end of the edge that is not id.
func (e FriendshipEdge) Other(id UserID) UserID {
	if e.RequesterID == id {
		return e.AddresseeID
	}
	return e.RequesterID
}

type SyncState string

const (
	SyncStateOriginal SyncState = "original"
	SyncStateSynced   SyncState = "synced"
)

// ContentItem is a synchronizable feed post. Items are append-only: a synced
// copy is a distinct row owned by the receiving identity.
type ContentItem struct {
	ID                  PostID
	OwnerID             UserID
	Ciphertext          string
	Timestamp           string // RFC3339Nano, hashed verbatim
	Signature           string
	ContentHash         string
	AttachmentChecksums []string
	SyncState           SyncState
	OriginalOwnerID     UserID
	SyncedFromPeerID    UserID
	SyncedAt            *time.Time
}

// Size is the number of payload bytes the item carries.
func (c *ContentItem) Size() int {
	n := len(c.Ciphertext) + len(c.Signature)
	for _, sum := range c.AttachmentChecksums {
		n += len(sum)
	}
	return n
}

// HasAttachments reports whether the item references any attachment.
func (c *ContentItem) HasAttachments() bool {
	return len(c.AttachmentChecksums) > 0
}

// Validate checks the provenance invariant: an item is synced exactly when
// all of OriginalOwnerID, SyncedFromPeerID and SyncedAt are present.
func (c *ContentItem) Validate() error {
	if c.OwnerID == "" {
		return fmt.Errorf("content item %s has no owner", c.ID)
	}
	provenance := c.OriginalOwnerID != "" && c.SyncedFromPeerID != "" && c.SyncedAt != nil
	partial := c.OriginalOwnerID != "" || c.SyncedFromPeerID != "" || c.SyncedAt != nil

	switch c.SyncState {
	case SyncStateSynced:
		if !provenance {
			return fmt.Errorf("synced item %s is missing provenance fields", c.ID)
		}
	case SyncStateOriginal, "":
		if partial {
			return fmt.Errorf("original item %s carries provenance fields", c.ID)
		}
	default:
		return fmt.Errorf("unknown sync state %q", c.SyncState)
	}
	return nil
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionProcessed TransactionStatus = "processed"
	TransactionFailed    TransactionStatus = "failed"
)

// SyncTransaction is the audit record for one announce/request/response round.
type SyncTransaction struct {
	ID             TransactionID
	LocalUserID    UserID
	PeerID         UserID
	Direction      Direction
	Status         TransactionStatus
	ProcessedCount int
	ErrorCount     int
	Errors         []string
	CreatedAt      time.Time
}

type ConnectionState string

const (
	ConnectionIdle         ConnectionState = "idle"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
)

// PeerChannelState is a snapshot of one connection attempt context.
type PeerChannelState struct {
	PeerID          UserID
	TierIndex       int
	FailedEndpoints []string
	ConnectionState ConnectionState
}
