package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"friendsync/pkg/abuse"
	"friendsync/pkg/integrity"
	"friendsync/pkg/protocol"
	"friendsync/pkg/syncerr"
	"friendsync/pkg/types"
)

const (
	ReasonUntrustedOwner = "Content owner is not a friend or friend of friend"
	ReasonBadSignature   = "Signature verification failed"
)

// AcceptResult reports a partially or fully successful sync.
type AcceptResult struct {
	Success          bool     `json:"success"`
	SyncedPostsCount int      `json:"syncedPostsCount"`
	SkippedReasons   []string `json:"skippedReasons"`
	TransactionID    string   `json:"transactionId,omitempty"`

	items []*types.ContentItem
}

// AcceptSync applies a bulk payload sent by friendID. Fatal problems return
// a *syncerr.Error and nothing is written; otherwise every acceptable item
// is persisted as a synced copy and the rest are reported as skip reasons.
func (m *Manager) AcceptSync(ctx context.Context, friendID types.UserID, data *protocol.SyncData) (*AcceptResult, error) {
	if data == nil {
		if err := m.checkSender(friendID); err != nil {
			return nil, err
		}
		return nil, syncerr.New(syncerr.KindMalformedPayload, "empty sync payload")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindMalformedPayload, "failed to serialize sync payload", err)
	}
	return m.AcceptSyncPayload(ctx, friendID, raw)
}

// AcceptSyncPayload is AcceptSync for a payload still in its serialized
// form. The bytes are screened exactly as received.
func (m *Manager) AcceptSyncPayload(ctx context.Context, friendID types.UserID, raw []byte) (*AcceptResult, error) {
	if err := m.checkSender(friendID); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, syncerr.New(syncerr.KindMalformedPayload, "empty sync payload")
	}
	return m.apply(ctx, friendID, raw)
}

func (m *Manager) checkSender(friendID types.UserID) error {
	if !m.graph.IsSyncEligible(m.local, friendID) {
		m.metrics.Rejected(string(syncerr.KindAccessDenied))
		return syncerr.New(syncerr.KindAccessDenied,
			fmt.Sprintf("%s is not a friend or friend of friend of %s", friendID, m.local))
	}
	return nil
}

// apply runs guard, integrity and persistence for one serialized inbound
// round and records it in the audit log.
func (m *Manager) apply(ctx context.Context, peer types.UserID, raw []byte) (*AcceptResult, error) {
	start := time.Now()
	defer func() { m.metrics.ObserveApply(time.Since(start).Seconds()) }()

	tx := &types.SyncTransaction{
		ID:          types.TransactionID(uuid.NewString()),
		LocalUserID: m.local,
		PeerID:      peer,
		Direction:   types.DirectionInbound,
	}
	if err := m.store.BeginTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record sync transaction: %w", err)
	}

	decision, err := m.guard.EvaluatePayload(ctx, m.local, peer, raw)
	if err != nil {
		m.completeTransaction(ctx, tx.ID, types.TransactionFailed, 0, []string{err.Error()})
		return nil, err
	}

	verdicts := decision.Verdicts
	synced := 0
	now := time.Now().UTC()
	for i := range verdicts {
		v := &verdicts[i]
		if !v.Accepted {
			continue
		}
		if !m.graph.IsSyncEligible(m.local, v.Item.OwnerID) {
			v.Accepted = false
			v.Kind = syncerr.KindAccessDenied
			v.Reason = ReasonUntrustedOwner
			continue
		}
		if !m.signatureValid(v.Item) {
			v.Accepted = false
			v.Kind = syncerr.KindTamperedContent
			v.Reason = ReasonBadSignature
			continue
		}

		row := syncedCopy(v.Item, m.local, peer, now)
		if err := m.store.Insert(ctx, row); err != nil {
			v.Accepted = false
			if syncerr.Is(err, syncerr.KindDuplicateContent) {
				v.Kind = syncerr.KindDuplicateContent
				v.Reason = syncerr.ReasonDuplicate
			} else {
				v.Reason = fmt.Sprintf("Storage error: %v", err)
				m.logger.Error("Failed to persist synced item",
					zap.String("peer", string(peer)),
					zap.String("post_id", string(v.Item.ID)),
					zap.Error(err))
			}
			continue
		}
		v.Item = row
		synced++
	}

	reasons := abuse.DedupReasons(verdicts)
	errCount := 0
	for _, v := range verdicts {
		if !v.Accepted {
			errCount++
			m.metrics.Skipped(v.Reason)
		}
	}
	m.metrics.Synced(synced)
	m.completeTransaction(ctx, tx.ID, types.TransactionProcessed, synced, reasonsPerItem(verdicts))

	m.logger.Info("Applied sync payload",
		zap.String("peer", string(peer)),
		zap.Int("received", len(verdicts)),
		zap.Int("synced", synced),
		zap.Int("skipped", errCount))

	return &AcceptResult{
		Success:          true,
		SyncedPostsCount: synced,
		SkippedReasons:   reasons,
		TransactionID:    string(tx.ID),
		items:            decision.Accepted(),
	}, nil
}

// signatureValid checks item against the public key registered for its
// owner. Owners without a registered key are only hash checked.
func (m *Manager) signatureValid(item *types.ContentItem) bool {
	ident, ok := m.graph.Identity(item.OwnerID)
	if !ok || ident.PublicKey == "" {
		return true
	}
	if m.integrity.VerifySignature(item, ident.PublicKey) {
		return true
	}
	m.logger.Warn("Rejected item with invalid signature",
		zap.String("owner", string(item.OwnerID)),
		zap.String("post_id", string(item.ID)))
	return false
}

func (m *Manager) completeTransaction(ctx context.Context, id types.TransactionID, status types.TransactionStatus, processed int, errs []string) {
	if err := m.store.CompleteTransaction(ctx, id, status, processed, len(errs), errs); err != nil {
		m.logger.Warn("Failed to complete sync transaction",
			zap.String("transaction", string(id)),
			zap.Error(err))
	}
}

func reasonsPerItem(verdicts []abuse.Verdict) []string {
	var out []string
	for _, v := range verdicts {
		if !v.Accepted {
			out = append(out, fmt.Sprintf("%s: %s", v.Item.ID, v.Reason))
		}
	}
	return out
}

// syncedCopy builds the local row for an item received from peer. The copy
// keeps every hashed field so its content hash is unchanged.
func syncedCopy(item *types.ContentItem, local, peer types.UserID, at time.Time) *types.ContentItem {
	syncedAt := at
	return &types.ContentItem{
		ID:                  types.PostID(uuid.NewString()),
		OwnerID:             local,
		Ciphertext:          item.Ciphertext,
		Timestamp:           item.Timestamp,
		Signature:           item.Signature,
		ContentHash:         item.ContentHash,
		AttachmentChecksums: append([]string(nil), item.AttachmentChecksums...),
		SyncState:           types.SyncStateSynced,
		OriginalOwnerID:     item.OwnerID,
		SyncedFromPeerID:    peer,
		SyncedAt:            &syncedAt,
	}
}

// CreatePost signs and stores a new original item for the local identity,
// subject to the outbound posting limits.
func (m *Manager) CreatePost(ctx context.Context, ciphertext string, checksums []string, signer integrity.Signer, accountCreated time.Time) (*types.ContentItem, error) {
	if err := m.guard.AllowOutboundPost(m.local, accountCreated); err != nil {
		return nil, err
	}

	item := &types.ContentItem{
		ID:                  types.PostID(uuid.NewString()),
		OwnerID:             m.local,
		Ciphertext:          ciphertext,
		Timestamp:           protocol.Now(),
		AttachmentChecksums: append([]string(nil), checksums...),
		SyncState:           types.SyncStateOriginal,
	}
	if signer != nil {
		if err := m.integrity.Sign(item, signer); err != nil {
			return nil, err
		}
	} else {
		item.ContentHash = m.integrity.ComputeItemHash(item)
	}

	if err := m.store.Insert(ctx, item); err != nil {
		return nil, err
	}
	m.logger.Debug("Created post",
		zap.String("post_id", string(item.ID)),
		zap.String("cid", integrity.ContentCID(item)))
	return item, nil
}

// StoreSyncedPost persists a single item received out of band from the
// original owner's node.
func (m *Manager) StoreSyncedPost(ctx context.Context, post protocol.PostPayload, originalOwner types.UserID) (*types.ContentItem, error) {
	raw, err := json.Marshal(post)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindMalformedPayload, "failed to serialize post", err)
	}
	return m.StoreSyncedPostPayload(ctx, raw, originalOwner)
}

// StoreSyncedPostPayload is StoreSyncedPost for a post still in its
// serialized form.
func (m *Manager) StoreSyncedPostPayload(ctx context.Context, raw json.RawMessage, originalOwner types.UserID) (*types.ContentItem, error) {
	var post protocol.PostPayload
	if err := json.Unmarshal(raw, &post); err != nil {
		return nil, syncerr.Wrap(syncerr.KindMalformedPayload, "invalid post", err)
	}
	if post.OwnerID != "" && post.OwnerID != originalOwner {
		return nil, syncerr.New(syncerr.KindMalformedPayload, "post owner does not match original owner")
	}
	data, err := protocol.EncodeSyncData(originalOwner, []json.RawMessage{raw})
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindMalformedPayload, "failed to serialize sync payload", err)
	}
	result, err := m.AcceptSyncPayload(ctx, originalOwner, data)
	if err != nil {
		return nil, err
	}
	if result.SyncedPostsCount == 0 {
		reason := "item was not accepted"
		if len(result.SkippedReasons) > 0 {
			reason = result.SkippedReasons[0]
		}
		return nil, skipError(reason)
	}
	return result.items[0], nil
}

func skipError(reason string) error {
	switch reason {
	case syncerr.ReasonDuplicate:
		return syncerr.New(syncerr.KindDuplicateContent, reason)
	case syncerr.ReasonOversized:
		return syncerr.New(syncerr.KindOversizedContent, reason)
	case syncerr.ReasonTampered, ReasonBadSignature:
		return syncerr.New(syncerr.KindTamperedContent, reason)
	case ReasonUntrustedOwner:
		return syncerr.New(syncerr.KindAccessDenied, reason)
	default:
		return fmt.Errorf("%s", reason)
	}
}
