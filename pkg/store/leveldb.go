package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"friendsync/pkg/types"
)

// Key layout:
//
//	i/<postID>                          -> JSON content item
//	o/<owner>/<postID>                  -> "" (owner listing)
//	h/<owner>/<contentHash>             -> postID (uniqueness index)
//	t/<local>/<peer>/<createdAt>/<txID> -> JSON sync transaction
//	x/<txID>                            -> transaction key
//
// User ids are path escaped so a '/' inside one cannot reach into the range
// of another user.
var (
	prefixItem  = []byte("i/")
	prefixOwner = []byte("o/")
	prefixHash  = []byte("h/")
	prefixTx    = []byte("t/")
	prefixTxID  = []byte("x/")
)

// LevelStore persists items and the audit log in LevelDB
type LevelStore struct {
	db     *leveldb.DB
	logger *zap.Logger

	// serializes check-and-insert so the uniqueness index is authoritative
	writeMu sync.Mutex
}

// OpenLevelStore opens (or creates) a LevelDB database at path
func OpenLevelStore(path string, logger *zap.Logger) (*LevelStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open content database: %w", err)
	}
	logger.Info("Opened content database", zap.String("path", path))
	return &LevelStore{db: db, logger: logger}, nil
}

// NewMemLevelStore opens a LevelDB instance backed by memory, for tests and
// ephemeral nodes.
func NewMemLevelStore(logger *zap.Logger) (*LevelStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory content database: %w", err)
	}
	return &LevelStore{db: db, logger: logger}, nil
}

func itemKey(id types.PostID) []byte {
	return append(append([]byte{}, prefixItem...), id...)
}

func segment(id types.UserID) string {
	return url.PathEscape(string(id))
}

func ownerPrefix(owner types.UserID) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixOwner, segment(owner)))
}

func ownerKey(owner types.UserID, id types.PostID) []byte {
	return append(ownerPrefix(owner), id...)
}

func hashKey(owner types.UserID, hash string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixHash, segment(owner), hash))
}

func txPrefix(local, peer types.UserID) string {
	prefix := fmt.Sprintf("%s%s/", prefixTx, segment(local))
	if peer != "" {
		prefix += segment(peer) + "/"
	}
	return prefix
}

func txKey(tx *types.SyncTransaction) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", txPrefix(tx.LocalUserID, tx.PeerID), tx.CreatedAt.UnixNano(), tx.ID))
}

func txIDKey(id types.TransactionID) []byte {
	return append(append([]byte{}, prefixTxID...), id...)
}

func (s *LevelStore) Exists(ctx context.Context, owner types.UserID, contentHash string) (bool, error) {
	ok, err := s.db.Has(hashKey(owner, contentHash), nil)
	if err != nil {
		return false, fmt.Errorf("failed to query content index: %w", err)
	}
	return ok, nil
}

func (s *LevelStore) Insert(ctx context.Context, item *types.ContentItem) error {
	if err := validateInsert(item); err != nil {
		return err
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode content item: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	hk := hashKey(item.OwnerID, item.ContentHash)
	dup, err := s.db.Has(hk, nil)
	if err != nil {
		return fmt.Errorf("failed to query content index: %w", err)
	}
	if dup {
		return duplicateError(item.OwnerID, item.ContentHash)
	}
	if exists, err := s.db.Has(itemKey(item.ID), nil); err != nil {
		return fmt.Errorf("failed to query content item: %w", err)
	} else if exists {
		return fmt.Errorf("content item %s already exists", item.ID)
	}

	batch := new(leveldb.Batch)
	batch.Put(itemKey(item.ID), data)
	batch.Put(ownerKey(item.OwnerID, item.ID), nil)
	batch.Put(hk, []byte(item.ID))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write content item: %w", err)
	}
	return nil
}

func (s *LevelStore) Get(ctx context.Context, id types.PostID) (*types.ContentItem, error) {
	data, err := s.db.Get(itemKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("content item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read content item: %w", err)
	}

	var item types.ContentItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to decode content item %s: %w", id, err)
	}
	return &item, nil
}

func (s *LevelStore) ListByOwner(ctx context.Context, owner types.UserID, state types.SyncState) ([]*types.ContentItem, error) {
	prefix := ownerPrefix(owner)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []*types.ContentItem
	for iter.Next() {
		id := types.PostID(iter.Key()[len(prefix):])
		item, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if state != "" && item.SyncState != state {
			continue
		}
		out = append(out, item)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list content items: %w", err)
	}
	return out, nil
}

func (s *LevelStore) Usage(ctx context.Context, owner types.UserID) (Usage, error) {
	items, err := s.ListByOwner(ctx, owner, "")
	if err != nil {
		return Usage{}, err
	}

	var u Usage
	for _, item := range items {
		if item.SyncState == types.SyncStateSynced {
			u.SyncedCount++
		} else {
			u.OriginalCount++
		}
		u.Bytes += int64(item.Size())
	}
	return u, nil
}

func (s *LevelStore) BeginTransaction(ctx context.Context, tx *types.SyncTransaction) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if exists, err := s.db.Has(txIDKey(tx.ID), nil); err != nil {
		return fmt.Errorf("failed to query sync transaction: %w", err)
	} else if exists {
		return ErrTransactionExists
	}

	stampTransaction(tx)
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode sync transaction: %w", err)
	}

	key := txKey(tx)
	batch := new(leveldb.Batch)
	batch.Put(key, data)
	batch.Put(txIDKey(tx.ID), key)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write sync transaction: %w", err)
	}
	return nil
}

func (s *LevelStore) CompleteTransaction(ctx context.Context, id types.TransactionID, status types.TransactionStatus, processed, errCount int, errs []string) error {
	if err := validateCompletion(status); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key, err := s.db.Get(txIDKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("sync transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read sync transaction: %w", err)
	}

	data, err := s.db.Get(key, nil)
	if err != nil {
		return fmt.Errorf("failed to read sync transaction: %w", err)
	}
	var tx types.SyncTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return fmt.Errorf("failed to decode sync transaction: %w", err)
	}
	if tx.Status != types.TransactionPending {
		return ErrTransactionClosed
	}

	tx.Status = status
	tx.ProcessedCount = processed
	tx.ErrorCount = errCount
	tx.Errors = append([]string(nil), errs...)

	data, err = json.Marshal(&tx)
	if err != nil {
		return fmt.Errorf("failed to encode sync transaction: %w", err)
	}
	return s.db.Put(key, data, nil)
}

func (s *LevelStore) Transactions(ctx context.Context, local, peer types.UserID) ([]types.SyncTransaction, error) {
	prefix := txPrefix(local, peer)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var out []types.SyncTransaction
	for iter.Next() {
		var tx types.SyncTransaction
		if err := json.Unmarshal(iter.Value(), &tx); err != nil {
			return nil, fmt.Errorf("failed to decode sync transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list sync transactions: %w", err)
	}
	return out, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}
