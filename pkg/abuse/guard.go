// Package abuse screens inbound sync payloads before anything is persisted.
//
// Payload-wide checks run first and in a fixed order: structure, key-leak
// scan, bulk ceiling, inbound rate limit. The first failure rejects the
// whole payload. Items of an accepted payload are then checked one by one
// (size, integrity, duplicate) and skipped individually.
package abuse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"friendsync/pkg/integrity"
	"friendsync/pkg/metrics"
	"friendsync/pkg/protocol"
	"friendsync/pkg/store"
	"friendsync/pkg/syncerr"
	"friendsync/pkg/types"
)

type Policy struct {
	BulkLimit       int
	MaxContentBytes int64

	OutboundHourly int
	OutboundDaily  int
	InboundHourly  int
	InboundDaily   int

	// Accounts younger than NewUserWindow post under the NewUser limits.
	NewUserWindow time.Duration
	NewUserHourly int
	NewUserDaily  int

	KeyLeakKeywords []string
}

func DefaultPolicy() Policy {
	return Policy{
		BulkLimit:       100,
		MaxContentBytes: 1 << 20,
		OutboundHourly:  50,
		OutboundDaily:   500,
		InboundHourly:   20,
		InboundDaily:    200,
		NewUserWindow:   24 * time.Hour,
		NewUserHourly:   10,
		NewUserDaily:    50,
		KeyLeakKeywords: append([]string(nil), DefaultKeyLeakKeywords...),
	}
}

const day = 24 * time.Hour

// Verdict is the outcome for one item of an accepted payload.
type Verdict struct {
	Item     *types.ContentItem
	Accepted bool
	Kind     syncerr.Kind
	Reason   string
}

type Decision struct {
	UserID   types.UserID
	Verdicts []Verdict
}

func (d *Decision) Accepted() []*types.ContentItem {
	var out []*types.ContentItem
	for _, v := range d.Verdicts {
		if v.Accepted {
			out = append(out, v.Item)
		}
	}
	return out
}

// SkippedReasons returns the distinct skip reasons in first-seen order.
func (d *Decision) SkippedReasons() []string {
	return DedupReasons(d.Verdicts)
}

func DedupReasons(verdicts []Verdict) []string {
	seen := make(map[string]struct{})
	reasons := []string{}
	for _, v := range verdicts {
		if v.Accepted || v.Reason == "" {
			continue
		}
		if _, ok := seen[v.Reason]; ok {
			continue
		}
		seen[v.Reason] = struct{}{}
		reasons = append(reasons, v.Reason)
	}
	return reasons
}

// Guard is shared by every session of one local identity.
type Guard struct {
	policy    Policy
	integrity *integrity.Service
	index     store.ContentIndex
	limiter   *SlidingWindow
	scanner   *scanner
	metrics   *metrics.SyncMetrics
	logger    *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewGuard(policy Policy, index store.ContentIndex, m *metrics.SyncMetrics, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(policy.KeyLeakKeywords) == 0 {
		policy.KeyLeakKeywords = DefaultKeyLeakKeywords
	}

	return &Guard{
		policy:    policy,
		integrity: integrity.NewService(),
		index:     index,
		limiter:   NewSlidingWindow(day),
		scanner:   newScanner(policy.KeyLeakKeywords),
		metrics:   m,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

func (g *Guard) Policy() Policy {
	return g.policy
}

// Start prunes idle rate counters every interval until Stop.
func (g *Guard) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := g.limiter.Prune(); n > 0 {
					g.logger.Debug("Pruned idle rate counters", zap.Int("keys", n))
				}
			case <-g.stopChan:
				return
			}
		}
	}()
}

func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })
}

// Scan rejects serialized content from peer that matches a key leak
// pattern, in raw form or with its strings decoded.
func (g *Guard) Scan(local, peer types.UserID, raw []byte) error {
	if pattern, found := g.scanner.match(string(raw), flatten(raw)); found {
		return g.reject(local, peer, syncerr.New(syncerr.KindSecurityViolation,
			fmt.Sprintf("payload matches key leak pattern %q", pattern)))
	}
	return nil
}

// EvaluatePayload screens a serialized SyncData sent by peer to local. A
// non-nil error is a *syncerr.Error with a fatal kind and means nothing from
// the payload may be persisted.
func (g *Guard) EvaluatePayload(ctx context.Context, local, peer types.UserID, raw []byte) (*Decision, error) {
	data, err := decodeSyncData(raw)
	if err != nil {
		return nil, g.reject(local, peer, err)
	}
	if data.UserID != peer {
		return nil, g.reject(local, peer, syncerr.New(syncerr.KindMalformedPayload,
			fmt.Sprintf("payload user_id %q does not match sender %q", data.UserID, peer)))
	}

	if err := g.Scan(local, peer, raw); err != nil {
		return nil, err
	}

	if g.policy.BulkLimit > 0 && len(data.Posts) > g.policy.BulkLimit {
		return nil, g.reject(local, peer, syncerr.New(syncerr.KindBulkLimitExceeded,
			fmt.Sprintf("batch of %d items exceeds limit of %d", len(data.Posts), g.policy.BulkLimit)))
	}

	if !g.limiter.Allow(InboundKey(local, peer),
		Limit{Window: time.Hour, Max: g.policy.InboundHourly},
		Limit{Window: day, Max: g.policy.InboundDaily},
	) {
		return nil, g.reject(local, peer, syncerr.New(syncerr.KindRateLimitExceeded,
			fmt.Sprintf("inbound sync rate exceeded for %s from %s", local, peer)))
	}

	decision := &Decision{UserID: data.UserID}
	seen := make(map[string]struct{})
	for _, post := range data.Posts {
		item := post.Item()
		if item.OwnerID == "" {
			item.OwnerID = data.UserID
		}
		decision.Verdicts = append(decision.Verdicts, g.evaluateItem(ctx, local, item, seen))
	}
	return decision, nil
}

func (g *Guard) evaluateItem(ctx context.Context, local types.UserID, item *types.ContentItem, seen map[string]struct{}) Verdict {
	if g.policy.MaxContentBytes > 0 && int64(item.Size()) > g.policy.MaxContentBytes {
		return Verdict{Item: item, Kind: syncerr.KindOversizedContent, Reason: syncerr.ReasonOversized}
	}

	if _, dup := seen[item.ContentHash]; dup {
		return Verdict{Item: item, Kind: syncerr.KindDuplicateContent, Reason: syncerr.ReasonDuplicate}
	}
	if g.index != nil {
		exists, err := g.index.Exists(ctx, local, item.ContentHash)
		if err != nil {
			g.logger.Warn("Duplicate check failed",
				zap.String("post_id", string(item.ID)),
				zap.Error(err))
			return Verdict{Item: item, Reason: fmt.Sprintf("Duplicate check failed: %v", err)}
		}
		if exists {
			return Verdict{Item: item, Kind: syncerr.KindDuplicateContent, Reason: syncerr.ReasonDuplicate}
		}
	}

	if err := g.integrity.VerifyIntegrity(item); err != nil {
		return Verdict{Item: item, Kind: syncerr.KindTamperedContent, Reason: syncerr.ReasonTampered}
	}
	seen[item.ContentHash] = struct{}{}

	return Verdict{Item: item, Accepted: true}
}

// AllowOutboundPost counts one post by userID against the outbound limits,
// which are stricter while the account is new.
func (g *Guard) AllowOutboundPost(userID types.UserID, accountCreated time.Time) error {
	hourly, daily := g.policy.OutboundHourly, g.policy.OutboundDaily
	if !accountCreated.IsZero() && g.limiter.now().Sub(accountCreated) < g.policy.NewUserWindow {
		hourly, daily = g.policy.NewUserHourly, g.policy.NewUserDaily
	}

	if !g.limiter.Allow(OutboundKey(userID),
		Limit{Window: time.Hour, Max: hourly},
		Limit{Window: day, Max: daily},
	) {
		g.metrics.Rejected(string(syncerr.KindRateLimitExceeded))
		return syncerr.New(syncerr.KindRateLimitExceeded,
			fmt.Sprintf("post rate exceeded for %s", userID))
	}
	return nil
}

// Reset clears the counters recorded under key.
func (g *Guard) Reset(key string) {
	g.limiter.Reset(key)
}

func OutboundKey(userID types.UserID) string {
	return string(userID)
}

func InboundKey(local, peer types.UserID) string {
	return string(local) + "|" + string(peer)
}

func (g *Guard) reject(local, peer types.UserID, err error) error {
	kind := syncerr.KindOf(err)
	g.metrics.Rejected(string(kind))
	g.logger.Warn("Rejected sync payload",
		zap.String("local", string(local)),
		zap.String("peer", string(peer)),
		zap.String("kind", string(kind)),
		zap.Error(err))
	return err
}

// decodeSyncData enforces the required shape: a non-empty string user_id
// and a posts array of objects each carrying an id.
func decodeSyncData(raw []byte) (*protocol.SyncData, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, syncerr.Wrap(syncerr.KindMalformedPayload, "payload is not a JSON object", err)
	}

	posts, ok := shape["posts"]
	if !ok || !bytes.HasPrefix(bytes.TrimSpace(posts), []byte("[")) {
		return nil, syncerr.New(syncerr.KindMalformedPayload, "payload requires a posts array")
	}
	var userID string
	if err := json.Unmarshal(shape["user_id"], &userID); err != nil || userID == "" {
		return nil, syncerr.New(syncerr.KindMalformedPayload, "payload requires a user_id")
	}

	var data protocol.SyncData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, syncerr.Wrap(syncerr.KindMalformedPayload, "invalid posts", err)
	}
	for i, p := range data.Posts {
		if p.ID == "" {
			return nil, syncerr.New(syncerr.KindMalformedPayload, fmt.Sprintf("post %d has no id", i))
		}
	}
	return &data, nil
}

// flatten joins every object key and string value of raw in decoded form,
// so escaped sequences and fields PostPayload does not know are scanned too.
func flatten(raw []byte) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	var b bytes.Buffer
	var walk func(interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case map[string]interface{}:
			for k, child := range t {
				b.WriteByte(0)
				b.WriteString(k)
				walk(child)
			}
		case []interface{}:
			for _, child := range t {
				walk(child)
			}
		case string:
			b.WriteByte(0)
			b.WriteString(t)
		}
	}
	walk(v)
	return b.String()
}
