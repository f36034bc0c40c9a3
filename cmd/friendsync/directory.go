package main

import (
	"encoding/json"
	"fmt"
	"os"

	"friendsync/pkg/trust"
	"friendsync/pkg/types"
)

// directory is the on-disk form of the identities and friendships a node
// trusts. It is loaded once at startup.
type directory struct {
	Identities []struct {
		ID          string `json:"id"`
		Username    string `json:"username"`
		PublicKey   string `json:"public_key"`
		DisplayName string `json:"display_name"`
	} `json:"identities"`
	Friendships []struct {
		Requester string `json:"requester"`
		Addressee string `json:"addressee"`
		Status    string `json:"status"`
	} `json:"friendships"`
}

func loadDirectory(path string, g *trust.Graph) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read directory file: %w", err)
	}

	var dir directory
	if err := json.Unmarshal(data, &dir); err != nil {
		return fmt.Errorf("failed to parse directory file: %w", err)
	}

	for _, ident := range dir.Identities {
		err := g.RegisterIdentity(types.Identity{
			ID:          types.UserID(ident.ID),
			Username:    ident.Username,
			PublicKey:   ident.PublicKey,
			DisplayName: ident.DisplayName,
		})
		if err != nil {
			return fmt.Errorf("failed to register identity: %w", err)
		}
	}

	for i, f := range dir.Friendships {
		status := types.FriendshipStatus(f.Status)
		if status == "" {
			status = types.FriendshipAccepted
		}
		switch status {
		case types.FriendshipPending, types.FriendshipAccepted, types.FriendshipDeclined, types.FriendshipBlocked:
		default:
			return fmt.Errorf("friendship %d has invalid status %q", i, f.Status)
		}
		err := g.AddEdge(types.FriendshipEdge{
			RequesterID: types.UserID(f.Requester),
			AddresseeID: types.UserID(f.Addressee),
			Status:      status,
		})
		if err != nil {
			return fmt.Errorf("friendship %d: %w", i, err)
		}
	}
	return nil
}
