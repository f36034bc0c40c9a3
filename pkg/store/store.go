// Package store persists content items and the sync transaction audit log.
//
// The (ownerId, contentHash) uniqueness constraint is enforced here, inside
// the insert critical section, so concurrent peer sessions delivering the
// same content can never both persist it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"friendsync/pkg/syncerr"
	"friendsync/pkg/types"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrTransactionClosed = errors.New("sync transaction is no longer pending")
	ErrTransactionExists = errors.New("sync transaction already exists")
)

// ContentIndex answers duplicate checks.
type ContentIndex interface {
	Exists(ctx context.Context, owner types.UserID, contentHash string) (bool, error)
}

// Usage summarizes what an identity stores.
type Usage struct {
	OriginalCount int
	SyncedCount   int
	Bytes         int64
}

// Store is implemented by every storage engine.
type Store interface {
	ContentIndex

	// Insert persists item. It fails with a DuplicateContent error when an
	// item with the same owner and content hash already exists.
	Insert(ctx context.Context, item *types.ContentItem) error
	Get(ctx context.Context, id types.PostID) (*types.ContentItem, error)
	ListByOwner(ctx context.Context, owner types.UserID, state types.SyncState) ([]*types.ContentItem, error)
	Usage(ctx context.Context, owner types.UserID) (Usage, error)

	BeginTransaction(ctx context.Context, tx *types.SyncTransaction) error
	CompleteTransaction(ctx context.Context, id types.TransactionID, status types.TransactionStatus, processed, errCount int, errs []string) error
	Transactions(ctx context.Context, local, peer types.UserID) ([]types.SyncTransaction, error)

	Close() error
}

func duplicateError(owner types.UserID, hash string) error {
	return syncerr.New(syncerr.KindDuplicateContent,
		fmt.Sprintf("content %s already exists for %s", hash, owner))
}

func validateInsert(item *types.ContentItem) error {
	if item == nil {
		return fmt.Errorf("nil content item")
	}
	if item.ID == "" {
		return fmt.Errorf("content item has no id")
	}
	if item.ContentHash == "" {
		return fmt.Errorf("content item %s has no content hash", item.ID)
	}
	return item.Validate()
}

func validateCompletion(status types.TransactionStatus) error {
	if status != types.TransactionProcessed && status != types.TransactionFailed {
		return fmt.Errorf("invalid completion status %q", status)
	}
	return nil
}

func copyItem(item *types.ContentItem) *types.ContentItem {
	c := *item
	c.AttachmentChecksums = append([]string(nil), item.AttachmentChecksums...)
	if item.SyncedAt != nil {
		t := *item.SyncedAt
		c.SyncedAt = &t
	}
	return &c
}

func stampTransaction(tx *types.SyncTransaction) {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	if tx.Status == "" {
		tx.Status = types.TransactionPending
	}
}
