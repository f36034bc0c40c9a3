package trust

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"friendsync/pkg/types"
)

// RegisterIdentity records or updates the public profile of an identity.
func (g *Graph) RegisterIdentity(id types.Identity) error {
	if id.ID == "" {
		return fmt.Errorf("identity has no id")
	}
	if id.Username == "" {
		id.Username = string(id.ID)
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.identities[id.ID]; ok {
		id.CreatedAt = existing.CreatedAt
	}
	g.identities[id.ID] = id

	g.logger.Debug("Identity registered", zap.String("user", string(id.ID)))
	return nil
}

// Identity returns the profile of id. Unknown identities yield a bare
// profile carrying only the id.
func (g *Graph) Identity(id types.UserID) (types.Identity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ident, ok := g.identities[id]
	if !ok {
		return types.Identity{ID: id, Username: string(id)}, false
	}
	return ident, true
}

// FriendProfiles returns the profiles of id's accepted friends, sorted by id.
func (g *Graph) FriendProfiles(id types.UserID) []types.Identity {
	friends := g.Friends(id)
	out := make([]types.Identity, 0, len(friends))
	for _, f := range friends {
		ident, _ := g.Identity(f)
		out = append(out, ident)
	}
	return out
}
