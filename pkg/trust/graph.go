// Package trust resolves friend, friend-of-friend and stranger relations
// from the friendship edge set. It is the single authorization gate used by
// the sync protocol and the collaborator API.
package trust

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"friendsync/pkg/types"
)

// Relation is the trust level between two identities.
type Relation string

const (
	RelationSelf           Relation = "self"
	RelationFriend         Relation = "friend"
	RelationFriendOfFriend Relation = "friendOfFriend"
	RelationStranger       Relation = "stranger"
)

// pairKey identifies an unordered pair of identities. Friendship is
// symmetric, so one edge row exists per pair regardless of who requested.
type pairKey struct {
	lo, hi types.UserID
}

func keyFor(a, b types.UserID) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Graph holds the friendship edge set
type Graph struct {
	mu sync.RWMutex

	edges      map[pairKey]*types.FriendshipEdge
	friends    map[types.UserID]map[types.UserID]struct{} // accepted adjacency
	identities map[types.UserID]types.Identity

	// Relation cache, cleared on every edge mutation
	cache    map[pairKey]*relationCacheEntry
	cacheTTL time.Duration

	logger *zap.Logger
}

type relationCacheEntry struct {
	relation  Relation
	expiresAt time.Time
}

// NewGraph creates an empty trust graph
func NewGraph(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Graph{
		edges:      make(map[pairKey]*types.FriendshipEdge),
		friends:    make(map[types.UserID]map[types.UserID]struct{}),
		identities: make(map[types.UserID]types.Identity),
		cache:      make(map[pairKey]*relationCacheEntry),
		cacheTTL:   time.Minute,
		logger:     logger,
	}
}

// SetCacheTTL sets the TTL for relation cache entries
func (g *Graph) SetCacheTTL(ttl time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cacheTTL = ttl
	g.clearCacheLocked()
}

// AddEdge loads an existing edge, e.g. from persisted state.
func (g *Graph) AddEdge(edge types.FriendshipEdge) error {
	if edge.RequesterID == edge.AddresseeID {
		return fmt.Errorf("self friendship is not allowed for %s", edge.RequesterID)
	}
	if edge.RequesterID == "" || edge.AddresseeID == "" {
		return fmt.Errorf("friendship edge requires both identities")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := keyFor(edge.RequesterID, edge.AddresseeID)
	if _, exists := g.edges[key]; exists {
		return fmt.Errorf("friendship between %s and %s already exists", edge.RequesterID, edge.AddresseeID)
	}

	e := edge
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	g.setEdgeLocked(key, &e)
	return nil
}

// Request creates a pending friendship from requester to addressee. A
// request toward someone who already asked the requester accepts the
// existing request instead of creating an opposite row.
func (g *Graph) Request(requester, addressee types.UserID) (*types.FriendshipEdge, error) {
	if requester == addressee {
		return nil, fmt.Errorf("self friendship is not allowed for %s", requester)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := keyFor(requester, addressee)
	now := time.Now()

	if existing, ok := g.edges[key]; ok {
		switch existing.Status {
		case types.FriendshipPending:
			if existing.RequesterID == requester {
				return nil, fmt.Errorf("friend request from %s to %s is already pending", requester, addressee)
			}
			existing.Status = types.FriendshipAccepted
			existing.UpdatedAt = now
			g.setEdgeLocked(key, existing)
			g.logger.Info("Crossed friend requests accepted",
				zap.String("requester", string(existing.RequesterID)),
				zap.String("addressee", string(existing.AddresseeID)))
			return copyEdge(existing), nil
		case types.FriendshipAccepted:
			return nil, fmt.Errorf("%s and %s are already friends", requester, addressee)
		case types.FriendshipBlocked:
			return nil, fmt.Errorf("friendship between %s and %s is blocked", requester, addressee)
		case types.FriendshipDeclined:
			// a declined request may be re-issued by either side
		}
	}

	edge := &types.FriendshipEdge{
		RequesterID: requester,
		AddresseeID: addressee,
		Status:      types.FriendshipPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	g.setEdgeLocked(key, edge)
	return copyEdge(edge), nil
}

// Respond transitions a pending request. Only the addressee may respond.
func (g *Graph) Respond(addressee, requester types.UserID, status types.FriendshipStatus) error {
	switch status {
	case types.FriendshipAccepted, types.FriendshipDeclined, types.FriendshipBlocked:
	default:
		return fmt.Errorf("invalid response status %q", status)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := keyFor(requester, addressee)
	edge, ok := g.edges[key]
	if !ok {
		return fmt.Errorf("no friend request from %s to %s", requester, addressee)
	}
	if edge.AddresseeID != addressee {
		return fmt.Errorf("only %s may respond to this request", edge.AddresseeID)
	}
	if edge.Status != types.FriendshipPending {
		return fmt.Errorf("friend request is %s, not pending", edge.Status)
	}

	edge.Status = status
	edge.UpdatedAt = time.Now()
	g.setEdgeLocked(key, edge)

	g.logger.Debug("Friend request answered",
		zap.String("requester", string(requester)),
		zap.String("addressee", string(addressee)),
		zap.String("status", string(status)))
	return nil
}

// Remove deletes the edge between a and b, whatever its status.
func (g *Graph) Remove(a, b types.UserID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := keyFor(a, b)
	edge, ok := g.edges[key]
	if !ok {
		return fmt.Errorf("no friendship between %s and %s", a, b)
	}
	if edge.Status == types.FriendshipBlocked {
		return fmt.Errorf("blocked friendship between %s and %s cannot be removed", a, b)
	}

	g.unlinkLocked(key)
	delete(g.edges, key)
	g.clearCacheLocked()
	return nil
}

// Block marks the pair blocked regardless of any existing edge. The blocker
// becomes the requester so the edge records who blocked whom.
func (g *Graph) Block(blocker, blocked types.UserID) error {
	if blocker == blocked {
		return fmt.Errorf("self friendship is not allowed for %s", blocker)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := keyFor(blocker, blocked)
	now := time.Now()
	edge, ok := g.edges[key]
	if !ok {
		edge = &types.FriendshipEdge{CreatedAt: now}
	}
	edge.RequesterID = blocker
	edge.AddresseeID = blocked
	edge.Status = types.FriendshipBlocked
	edge.UpdatedAt = now
	g.setEdgeLocked(key, edge)

	g.logger.Info("Friendship blocked",
		zap.String("blocker", string(blocker)),
		zap.String("blocked", string(blocked)))
	return nil
}

// Edge returns the edge between a and b, if any.
func (g *Graph) Edge(a, b types.UserID) (*types.FriendshipEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edge, ok := g.edges[keyFor(a, b)]
	if !ok {
		return nil, false
	}
	return copyEdge(edge), true
}

// Edges returns every edge, sorted by pair.
func (g *Graph) Edges() []types.FriendshipEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]types.FriendshipEdge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := keyFor(out[i].RequesterID, out[i].AddresseeID), keyFor(out[j].RequesterID, out[j].AddresseeID)
		if ki.lo != kj.lo {
			return ki.lo < kj.lo
		}
		return ki.hi < kj.hi
	})
	return out
}

// Friends returns the accepted friends of id, sorted.
func (g *Graph) Friends(id types.UserID) []types.UserID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedIDs(g.friends[id])
}

// MutualFriends returns identities that are friends with both a and b.
func (g *Graph) MutualFriends(a, b types.UserID) []types.UserID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mutualLocked(a, b)
}

func (g *Graph) mutualLocked(a, b types.UserID) []types.UserID {
	fa, fb := g.friends[a], g.friends[b]
	if len(fa) > len(fb) {
		fa, fb = fb, fa
	}
	mutual := make(map[types.UserID]struct{})
	for c := range fa {
		if _, ok := fb[c]; ok && c != a && c != b {
			mutual[c] = struct{}{}
		}
	}
	return sortedIDs(mutual)
}

// Relation resolves the trust level between a and b.
func (g *Graph) Relation(a, b types.UserID) Relation {
	if a == b {
		return RelationSelf
	}

	key := keyFor(a, b)

	g.mu.RLock()
	if entry, ok := g.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		g.mu.RUnlock()
		return entry.relation
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	rel := g.relationLocked(a, b)
	g.cache[key] = &relationCacheEntry{
		relation:  rel,
		expiresAt: time.Now().Add(g.cacheTTL),
	}
	return rel
}

func (g *Graph) relationLocked(a, b types.UserID) Relation {
	if edge, ok := g.edges[keyFor(a, b)]; ok {
		switch edge.Status {
		case types.FriendshipAccepted:
			return RelationFriend
		case types.FriendshipBlocked:
			// a direct block overrides any mutual friend
			return RelationStranger
		}
	}
	if len(g.mutualLocked(a, b)) > 0 {
		return RelationFriendOfFriend
	}
	return RelationStranger
}

// IsSyncEligible reports whether b may sync content with a.
func (g *Graph) IsSyncEligible(a, b types.UserID) bool {
	switch g.Relation(a, b) {
	case RelationFriend, RelationFriendOfFriend:
		return true
	default:
		return false
	}
}

// ClearCache clears the relation cache
func (g *Graph) ClearCache() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearCacheLocked()
}

// setEdgeLocked stores edge and keeps the accepted adjacency in step (must be called with lock held)
func (g *Graph) setEdgeLocked(key pairKey, edge *types.FriendshipEdge) {
	g.edges[key] = edge
	if edge.Status == types.FriendshipAccepted {
		g.link(edge.RequesterID, edge.AddresseeID)
		g.link(edge.AddresseeID, edge.RequesterID)
	} else {
		g.unlinkLocked(key)
	}
	g.clearCacheLocked()
}

func (g *Graph) link(a, b types.UserID) {
	set, ok := g.friends[a]
	if !ok {
		set = make(map[types.UserID]struct{})
		g.friends[a] = set
	}
	set[b] = struct{}{}
}

func (g *Graph) unlinkLocked(key pairKey) {
	if set, ok := g.friends[key.lo]; ok {
		delete(set, key.hi)
		if len(set) == 0 {
			delete(g.friends, key.lo)
		}
	}
	if set, ok := g.friends[key.hi]; ok {
		delete(set, key.lo)
		if len(set) == 0 {
			delete(g.friends, key.hi)
		}
	}
}

// clearCacheLocked clears the cache (must be called with lock held)
func (g *Graph) clearCacheLocked() {
	g.cache = make(map[pairKey]*relationCacheEntry)
}

func copyEdge(e *types.FriendshipEdge) *types.FriendshipEdge {
	c := *e
	return &c
}

func sortedIDs(set map[types.UserID]struct{}) []types.UserID {
	out := make([]types.UserID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
