package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"friendsync/pkg/abuse"
	"friendsync/pkg/transport"
	"friendsync/pkg/utils"
)

type StoreEngine string

const (
	StoreMemory  StoreEngine = "memory"
	StoreLevelDB StoreEngine = "leveldb"
)

type Config struct {
	UserID      string          `json:"user_id"`
	DataDir     string          `json:"data_dir"`
	Store       StoreEngine     `json:"store"`
	APIAddress  string          `json:"api_address"`
	SyncAddress string          `json:"sync_address"`
	Policy      PolicyConfig    `json:"policy"`
	Transport   TransportConfig `json:"transport"`
	Sync        SyncConfig      `json:"sync"`
}

// PolicyConfig holds the abuse guard thresholds. Zero values fall back to
// the defaults of abuse.DefaultPolicy.
type PolicyConfig struct {
	BulkLimit       int      `json:"bulk_limit"`
	MaxContentSize  DataSize `json:"max_content_size"`
	OutboundHourly  int      `json:"outbound_hourly"`
	OutboundDaily   int      `json:"outbound_daily"`
	InboundHourly   int      `json:"inbound_hourly"`
	InboundDaily    int      `json:"inbound_daily"`
	NewUserWindow   Duration `json:"new_user_window"`
	NewUserHourly   int      `json:"new_user_hourly"`
	NewUserDaily    int      `json:"new_user_daily"`
	KeyLeakKeywords []string `json:"key_leak_keywords,omitempty"`
}

type TierConfig struct {
	Name      string   `json:"name"`
	Endpoints []string `json:"endpoints"`
}

type TransportConfig struct {
	Tiers             []TierConfig `json:"tiers"`
	LocalEndpoints    []string     `json:"local_endpoints,omitempty"`
	MinimalFallback   string       `json:"minimal_fallback,omitempty"`
	ValidateEndpoints bool         `json:"validate_endpoints"`
	ProbeTimeout      Duration     `json:"probe_timeout"`
	WaitTimeout       Duration     `json:"wait_timeout"`
	BackoffBase       Duration     `json:"backoff_base"`
	BackoffMax        Duration     `json:"backoff_max"`
}

type SyncConfig struct {
	RequestTimeout     Duration `json:"request_timeout"`
	InboundMessageRate float64  `json:"inbound_message_rate"`
	InboundBurst       int      `json:"inbound_burst"`
}

// DataSize accepts either a byte count or a human-friendly string such as
// "1MiB" in JSON.
type DataSize int64

func (d *DataSize) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch val := v.(type) {
	case float64:
		*d = DataSize(val)
	case string:
		n, err := utils.ParseDataSize(val)
		if err != nil {
			return fmt.Errorf("invalid size format: %w", err)
		}
		*d = DataSize(n)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	return nil
}

func (d DataSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(d))
}

// Duration accepts "30s"-style strings or a number of milliseconds in JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val) * time.Millisecond)
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("duration must be a number or string, got %T", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func Default() *Config {
	return &Config{
		DataDir:     "./data",
		Store:       StoreLevelDB,
		APIAddress:  ":8080",
		SyncAddress: ":7443",
		Transport: TransportConfig{
			MinimalFallback:   transport.DefaultMinimalFallback,
			ValidateEndpoints: true,
			ProbeTimeout:      Duration(transport.DefaultProbeTimeout),
			WaitTimeout:       Duration(transport.DefaultWaitTimeout),
		},
		Sync: SyncConfig{
			RequestTimeout:     Duration(30 * time.Second),
			InboundMessageRate: 50,
			InboundBurst:       100,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func LoadFromEnv() (*Config, error) {
	cfg := Default()
	cfg.UserID = getEnv("FRIENDSYNC_USER_ID", "")
	cfg.DataDir = getEnv("FRIENDSYNC_DATA_DIR", cfg.DataDir)
	cfg.Store = StoreEngine(getEnv("FRIENDSYNC_STORE", string(cfg.Store)))
	cfg.APIAddress = getEnv("FRIENDSYNC_API_ADDRESS", cfg.APIAddress)
	cfg.SyncAddress = getEnv("FRIENDSYNC_SYNC_ADDRESS", cfg.SyncAddress)
	cfg.Transport.MinimalFallback = getEnv("FRIENDSYNC_MINIMAL_FALLBACK", cfg.Transport.MinimalFallback)

	// Tiers: "primary=wss://a,wss://b;backup=wss://c"
	if tiers := os.Getenv("FRIENDSYNC_TIERS"); tiers != "" {
		parsed, err := parseTiers(tiers)
		if err != nil {
			return nil, err
		}
		cfg.Transport.Tiers = parsed
	}
	if local := os.Getenv("FRIENDSYNC_LOCAL_ENDPOINTS"); local != "" {
		cfg.Transport.LocalEndpoints = splitList(local, ",")
	}

	if v := os.Getenv("FRIENDSYNC_MAX_CONTENT_SIZE"); v != "" {
		n, err := utils.ParseDataSize(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FRIENDSYNC_MAX_CONTENT_SIZE: %w", err)
		}
		cfg.Policy.MaxContentSize = DataSize(n)
	}
	if v := os.Getenv("FRIENDSYNC_BULK_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FRIENDSYNC_BULK_LIMIT: %w", err)
		}
		cfg.Policy.BulkLimit = n
	}
	if v := os.Getenv("FRIENDSYNC_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FRIENDSYNC_REQUEST_TIMEOUT: %w", err)
		}
		cfg.Sync.RequestTimeout = Duration(d)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreLevelDB:
	default:
		return fmt.Errorf("unknown store engine %q", c.Store)
	}
	if c.Policy.BulkLimit < 0 || c.Policy.MaxContentSize < 0 {
		return fmt.Errorf("policy limits must not be negative")
	}
	for i, tier := range c.Transport.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("transport tier %d has no name", i)
		}
		if len(tier.Endpoints) == 0 {
			return fmt.Errorf("transport tier %q has no endpoints", tier.Name)
		}
	}
	return nil
}

// AbusePolicy overlays the configured thresholds on the defaults.
func (c *Config) AbusePolicy() abuse.Policy {
	p := abuse.DefaultPolicy()
	pc := c.Policy

	if pc.BulkLimit > 0 {
		p.BulkLimit = pc.BulkLimit
	}
	if pc.MaxContentSize > 0 {
		p.MaxContentBytes = int64(pc.MaxContentSize)
	}
	if pc.OutboundHourly > 0 {
		p.OutboundHourly = pc.OutboundHourly
	}
	if pc.OutboundDaily > 0 {
		p.OutboundDaily = pc.OutboundDaily
	}
	if pc.InboundHourly > 0 {
		p.InboundHourly = pc.InboundHourly
	}
	if pc.InboundDaily > 0 {
		p.InboundDaily = pc.InboundDaily
	}
	if pc.NewUserWindow > 0 {
		p.NewUserWindow = pc.NewUserWindow.Std()
	}
	if pc.NewUserHourly > 0 {
		p.NewUserHourly = pc.NewUserHourly
	}
	if pc.NewUserDaily > 0 {
		p.NewUserDaily = pc.NewUserDaily
	}
	if len(pc.KeyLeakKeywords) > 0 {
		p.KeyLeakKeywords = append([]string(nil), pc.KeyLeakKeywords...)
	}
	return p
}

// TransportTiers returns the ordered tiers with the local tier appended.
func (c *Config) TransportTiers() []transport.Tier {
	tiers := make([]transport.Tier, 0, len(c.Transport.Tiers)+1)
	for _, t := range c.Transport.Tiers {
		tiers = append(tiers, transport.Tier{Name: t.Name, Endpoints: append([]string(nil), t.Endpoints...)})
	}
	if len(c.Transport.LocalEndpoints) > 0 {
		tiers = append(tiers, transport.Tier{Name: "local", Endpoints: append([]string(nil), c.Transport.LocalEndpoints...)})
	}
	return tiers
}

func (c *Config) FallbackOptions() transport.Options {
	return transport.Options{
		MinimalFallback: c.Transport.MinimalFallback,
		ProbeTimeout:    c.Transport.ProbeTimeout.Std(),
		WaitTimeout:     c.Transport.WaitTimeout.Std(),
		BackoffBase:     c.Transport.BackoffBase.Std(),
		BackoffMax:      c.Transport.BackoffMax.Std(),
	}
}

func parseTiers(s string) ([]TierConfig, error) {
	var tiers []TierConfig
	for _, part := range splitList(s, ";") {
		name, endpoints, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid tier %q (expected name=endpoint,...)", part)
		}
		eps := splitList(endpoints, ",")
		if len(eps) == 0 {
			return nil, fmt.Errorf("tier %q has no endpoints", name)
		}
		tiers = append(tiers, TierConfig{Name: strings.TrimSpace(name), Endpoints: eps})
	}
	return tiers, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
