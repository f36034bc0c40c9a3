package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"friendsync/pkg/abuse"
	"friendsync/pkg/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "friendsync.json")
	raw := `{
		"user_id": "alice",
		"store": "memory",
		"policy": {
			"bulk_limit": 25,
			"max_content_size": "2MiB",
			"new_user_window": "48h",
			"key_leak_keywords": ["vault"]
		},
		"transport": {
			"tiers": [
				{"name": "primary", "endpoints": ["wss://relay-a/sync", "wss://relay-b/sync"]},
				{"name": "direct", "endpoints": ["quic://10.0.0.2:7443"]}
			],
			"local_endpoints": ["mem://alice"],
			"probe_timeout": 2000,
			"backoff_base": "250ms"
		},
		"sync": {"request_timeout": "10s"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, ":8080", cfg.APIAddress, "unset fields keep defaults")
	assert.Equal(t, DataSize(2*1024*1024), cfg.Policy.MaxContentSize)
	assert.Equal(t, 10*time.Second, cfg.Sync.RequestTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Transport.ProbeTimeout.Std())

	policy := cfg.AbusePolicy()
	defaults := abuse.DefaultPolicy()
	assert.Equal(t, 25, policy.BulkLimit)
	assert.Equal(t, int64(2*1024*1024), policy.MaxContentBytes)
	assert.Equal(t, 48*time.Hour, policy.NewUserWindow)
	assert.Equal(t, defaults.InboundHourly, policy.InboundHourly)
	assert.Equal(t, []string{"vault"}, policy.KeyLeakKeywords)

	tiers := cfg.TransportTiers()
	require.Len(t, tiers, 3)
	assert.Equal(t, "primary", tiers[0].Name)
	assert.Equal(t, transport.Tier{Name: "local", Endpoints: []string{"mem://alice"}}, tiers[2])

	opts := cfg.FallbackOptions()
	assert.Equal(t, transport.DefaultMinimalFallback, opts.MinimalFallback)
	assert.Equal(t, 250*time.Millisecond, opts.BackoffBase)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	tests := []struct {
		name string
		raw  string
	}{
		{"bad json", `{`},
		{"bad size", `{"policy": {"max_content_size": "lots"}}`},
		{"bad duration", `{"sync": {"request_timeout": "soon"}}`},
		{"unknown store", `{"store": "postgres"}`},
		{"unnamed tier", `{"transport": {"tiers": [{"endpoints": ["wss://a"]}]}}`},
		{"empty tier", `{"transport": {"tiers": [{"name": "primary"}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.raw), 0o600))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FRIENDSYNC_USER_ID", "bob")
	t.Setenv("FRIENDSYNC_STORE", "memory")
	t.Setenv("FRIENDSYNC_TIERS", "primary=wss://a, wss://b; backup=wss://c")
	t.Setenv("FRIENDSYNC_LOCAL_ENDPOINTS", "mem://bob")
	t.Setenv("FRIENDSYNC_MAX_CONTENT_SIZE", "512KB")
	t.Setenv("FRIENDSYNC_BULK_LIMIT", "40")
	t.Setenv("FRIENDSYNC_REQUEST_TIMEOUT", "5s")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "bob", cfg.UserID)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, []TierConfig{
		{Name: "primary", Endpoints: []string{"wss://a", "wss://b"}},
		{Name: "backup", Endpoints: []string{"wss://c"}},
	}, cfg.Transport.Tiers)
	assert.Equal(t, []string{"mem://bob"}, cfg.Transport.LocalEndpoints)
	assert.Equal(t, DataSize(512*1000), cfg.Policy.MaxContentSize)
	assert.Equal(t, 40, cfg.Policy.BulkLimit)
	assert.Equal(t, 5*time.Second, cfg.Sync.RequestTimeout.Std())
}

func TestLoadFromEnvErrors(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"FRIENDSYNC_TIERS", "no-equals-sign"},
		{"FRIENDSYNC_TIERS", "primary="},
		{"FRIENDSYNC_MAX_CONTENT_SIZE", "-1MB"},
		{"FRIENDSYNC_BULK_LIMIT", "many"},
		{"FRIENDSYNC_REQUEST_TIMEOUT", "forever"},
		{"FRIENDSYNC_STORE", "sqlite"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadFromEnv()
			assert.Error(t, err)
		})
	}
}

func TestDurationAndSizeJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`1500`), &d))
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	out, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	var s DataSize
	require.NoError(t, json.Unmarshal([]byte(`"1.5KiB"`), &s))
	assert.Equal(t, DataSize(1536), s)
	assert.Error(t, json.Unmarshal([]byte(`true`), &s))
}
