package main

import (
	"os"
	"path/filepath"
	"testing"

	"friendsync/pkg/trust"
	"friendsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeDirectory(t *testing.T, raw string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directory.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	return path
}

func TestLoadDirectory(t *testing.T) {
	path := writeDirectory(t, `{
		"identities": [{"id": "alice", "display_name": "Alice", "public_key": "ed25519:AAAA"}],
		"friendships": [
			{"requester": "alice", "addressee": "bob"},
			{"requester": "bob", "addressee": "carol", "status": "accepted"},
			{"requester": "carol", "addressee": "mallory", "status": "blocked"}
		]
	}`)

	g := trust.NewGraph(zaptest.NewLogger(t))
	require.NoError(t, loadDirectory(path, g))

	ident, ok := g.Identity("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", ident.Username)
	assert.Equal(t, "Alice", ident.DisplayName)

	assert.Equal(t, []types.UserID{"bob"}, g.Friends("alice"))
	assert.True(t, g.IsSyncEligible("alice", "carol"))
	assert.False(t, g.IsSyncEligible("carol", "mallory"))
}

func TestLoadDirectoryErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bad json", `{"friendships": [`},
		{"bad status", `{"friendships": [{"requester": "a", "addressee": "b", "status": "besties"}]}`},
		{"self edge", `{"friendships": [{"requester": "a", "addressee": "a"}]}`},
		{"duplicate edge", `{"friendships": [{"requester": "a", "addressee": "b"}, {"requester": "b", "addressee": "a"}]}`},
		{"identity without id", `{"identities": [{"username": "ghost"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := trust.NewGraph(nil)
			assert.Error(t, loadDirectory(writeDirectory(t, tt.raw), g))
		})
	}

	assert.Error(t, loadDirectory(filepath.Join(t.TempDir(), "missing.json"), trust.NewGraph(nil)))
}
