// Package transport establishes the channel a sync session runs over.
//
// Candidate relay and discovery endpoints are grouped into ordered tiers.
// A FallbackManager starts at the first tier and widens the candidate set one
// tier per reported failure. Endpoints that failed once stay excluded for the
// lifetime of the manager, across resets.
package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"friendsync/pkg/types"
)

const (
	DefaultMinimalFallback = "wss://relay.friendsync.net/sync"
	DefaultProbeTimeout    = 5 * time.Second
	DefaultWaitTimeout     = 30 * time.Second
	DefaultBackoffBase     = 500 * time.Millisecond
	DefaultBackoffMax      = 10 * time.Second
)

// Tier is a named group of endpoints tried together.
type Tier struct {
	Name      string
	Endpoints []string
}

type Options struct {
	MinimalFallback string
	ProbeTimeout    time.Duration
	WaitTimeout     time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinimalFallback == "" {
		o.MinimalFallback = DefaultMinimalFallback
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	return o
}

// FallbackManager tracks tier escalation for one peer connection context.
type FallbackManager struct {
	mu sync.Mutex

	peerID    types.UserID
	tiers     []Tier
	opts      Options
	tierIndex int
	attempts  int
	state     types.ConnectionState

	failed      map[string]struct{}
	failedOrder []string

	logger *zap.Logger
}

func NewFallbackManager(peerID types.UserID, tiers []Tier, opts Options, logger *zap.Logger) *FallbackManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	copied := make([]Tier, len(tiers))
	for i, t := range tiers {
		copied[i] = Tier{Name: t.Name, Endpoints: append([]string(nil), t.Endpoints...)}
	}

	return &FallbackManager{
		peerID: peerID,
		tiers:  copied,
		opts:   opts.withDefaults(),
		state:  types.ConnectionIdle,
		failed: make(map[string]struct{}),
		logger: logger,
	}
}

func (m *FallbackManager) Options() Options {
	return m.opts
}

func (m *FallbackManager) Tiers() []Tier {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Tier, len(m.tiers))
	for i, t := range m.tiers {
		out[i] = Tier{Name: t.Name, Endpoints: append([]string(nil), t.Endpoints...)}
	}
	return out
}

// ActiveEndpoints returns the endpoints of tiers 0 through the current tier,
// minus failed ones, in tier order. It never returns an empty slice: when
// nothing is left the minimal fallback endpoint is returned.
func (m *FallbackManager) ActiveEndpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *FallbackManager) activeLocked() []string {
	seen := make(map[string]struct{})
	var out []string
	for i := 0; i <= m.tierIndex && i < len(m.tiers); i++ {
		for _, ep := range m.tiers[i].Endpoints {
			if _, bad := m.failed[ep]; bad {
				continue
			}
			if _, dup := seen[ep]; dup {
				continue
			}
			seen[ep] = struct{}{}
			out = append(out, ep)
		}
	}
	if len(out) == 0 {
		return []string{m.opts.MinimalFallback}
	}
	return out
}

// OnConnectionFailed records a failed attempt. A non-empty endpoint is
// excluded from then on. It returns true when another tier was unlocked and
// the caller should retry with ActiveEndpoints, false when the tiers are
// exhausted.
func (m *FallbackManager) OnConnectionFailed(endpoint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if endpoint != "" {
		m.markFailedLocked(endpoint)
	}
	m.attempts++

	if m.tierIndex < len(m.tiers)-1 {
		m.tierIndex++
		m.logger.Info("Escalating transport tier",
			zap.String("peer", string(m.peerID)),
			zap.String("tier", m.tiers[m.tierIndex].Name),
			zap.Int("attempts", m.attempts))
		return true
	}

	m.logger.Warn("Transport tiers exhausted",
		zap.String("peer", string(m.peerID)),
		zap.Int("attempts", m.attempts))
	return false
}

// MarkFailed excludes endpoint without escalating.
func (m *FallbackManager) MarkFailed(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markFailedLocked(endpoint)
}

func (m *FallbackManager) markFailedLocked(endpoint string) {
	if _, ok := m.failed[endpoint]; ok {
		return
	}
	m.failed[endpoint] = struct{}{}
	m.failedOrder = append(m.failedOrder, endpoint)
}

func (m *FallbackManager) IsFailed(endpoint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.failed[endpoint]
	return ok
}

// Reset returns to the first tier and clears the attempt counter. Failed
// endpoints are kept.
func (m *FallbackManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tierIndex = 0
	m.attempts = 0
	m.state = types.ConnectionIdle
}

func (m *FallbackManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *FallbackManager) TierIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tierIndex
}

func (m *FallbackManager) setState(s types.ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *FallbackManager) State() types.PeerChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return types.PeerChannelState{
		PeerID:          m.peerID,
		TierIndex:       m.tierIndex,
		FailedEndpoints: append([]string(nil), m.failedOrder...),
		ConnectionState: m.state,
	}
}

// ValidateEndpoints probes every endpoint of every tier that has not failed
// yet, each under its own deadline, and marks the unresponsive ones failed.
// It returns the endpoints that failed their probe.
func (m *FallbackManager) ValidateEndpoints(ctx context.Context, prober Prober) []string {
	m.mu.Lock()
	seen := make(map[string]struct{})
	var candidates []string
	for _, t := range m.tiers {
		for _, ep := range t.Endpoints {
			if _, bad := m.failed[ep]; bad {
				continue
			}
			if _, dup := seen[ep]; dup {
				continue
			}
			seen[ep] = struct{}{}
			candidates = append(candidates, ep)
		}
	}
	timeout := m.opts.ProbeTimeout
	m.mu.Unlock()

	results := make([]error, len(candidates))
	var wg sync.WaitGroup
	for i, ep := range candidates {
		wg.Add(1)
		go func(i int, ep string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results[i] = prober.Probe(probeCtx, ep)
		}(i, ep)
	}
	wg.Wait()

	var failed []string
	for i, err := range results {
		if err == nil {
			continue
		}
		m.logger.Info("Endpoint failed probe",
			zap.String("peer", string(m.peerID)),
			zap.String("endpoint", candidates[i]),
			zap.Error(err))
		m.MarkFailed(candidates[i])
		failed = append(failed, candidates[i])
	}
	return failed
}
