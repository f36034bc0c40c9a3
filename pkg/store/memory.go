package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"friendsync/pkg/types"
)

type indexKey struct {
	owner types.UserID
	hash  string
}

// MemoryStore keeps everything in process memory
type MemoryStore struct {
	mu sync.RWMutex

	items map[types.PostID]*types.ContentItem
	index map[indexKey]types.PostID
	order []types.PostID

	txs   map[types.TransactionID]*types.SyncTransaction
	txLog []types.TransactionID
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[types.PostID]*types.ContentItem),
		index: make(map[indexKey]types.PostID),
		txs:   make(map[types.TransactionID]*types.SyncTransaction),
	}
}

func (s *MemoryStore) Exists(ctx context.Context, owner types.UserID, contentHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[indexKey{owner: owner, hash: contentHash}]
	return ok, nil
}

func (s *MemoryStore) Insert(ctx context.Context, item *types.ContentItem) error {
	if err := validateInsert(item); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := indexKey{owner: item.OwnerID, hash: item.ContentHash}
	if _, exists := s.index[key]; exists {
		return duplicateError(item.OwnerID, item.ContentHash)
	}
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("content item %s already exists", item.ID)
	}

	s.items[item.ID] = copyItem(item)
	s.index[key] = item.ID
	s.order = append(s.order, item.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id types.PostID) (*types.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("content item %s: %w", id, ErrNotFound)
	}
	return copyItem(item), nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner types.UserID, state types.SyncState) ([]*types.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.ContentItem
	for _, id := range s.order {
		item := s.items[id]
		if item.OwnerID != owner {
			continue
		}
		if state != "" && item.SyncState != state {
			continue
		}
		out = append(out, copyItem(item))
	}
	return out, nil
}

func (s *MemoryStore) Usage(ctx context.Context, owner types.UserID) (Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u Usage
	for _, item := range s.items {
		if item.OwnerID != owner {
			continue
		}
		if item.SyncState == types.SyncStateSynced {
			u.SyncedCount++
		} else {
			u.OriginalCount++
		}
		u.Bytes += int64(item.Size())
	}
	return u, nil
}

func (s *MemoryStore) BeginTransaction(ctx context.Context, tx *types.SyncTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.txs[tx.ID]; exists {
		return ErrTransactionExists
	}
	stampTransaction(tx)
	c := *tx
	s.txs[tx.ID] = &c
	s.txLog = append(s.txLog, tx.ID)
	return nil
}

func (s *MemoryStore) CompleteTransaction(ctx context.Context, id types.TransactionID, status types.TransactionStatus, processed, errCount int, errs []string) error {
	if err := validateCompletion(status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return fmt.Errorf("sync transaction %s: %w", id, ErrNotFound)
	}
	if tx.Status != types.TransactionPending {
		return ErrTransactionClosed
	}
	tx.Status = status
	tx.ProcessedCount = processed
	tx.ErrorCount = errCount
	tx.Errors = append([]string(nil), errs...)
	return nil
}

func (s *MemoryStore) Transactions(ctx context.Context, local, peer types.UserID) ([]types.SyncTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.SyncTransaction
	for _, id := range s.txLog {
		tx := s.txs[id]
		if tx.LocalUserID != local {
			continue
		}
		if peer != "" && tx.PeerID != peer {
			continue
		}
		out = append(out, *tx)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
