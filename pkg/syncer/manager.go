// Package syncer runs the friend-gated content sync protocol.
//
// A Manager belongs to exactly one local identity and owns that identity's
// peer sessions. Each Session is a single actor: messages, timer expiries
// and commands for one peer are processed one at a time by one goroutine.
// Sessions of the same identity run concurrently and share the content
// store and the abuse guard, both of which serialize internally.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"friendsync/pkg/abuse"
	"friendsync/pkg/integrity"
	"friendsync/pkg/metrics"
	"friendsync/pkg/protocol"
	"friendsync/pkg/store"
	"friendsync/pkg/syncerr"
	"friendsync/pkg/transport"
	"friendsync/pkg/trust"
	"friendsync/pkg/types"
)

const DefaultRequestTimeout = 30 * time.Second

type Options struct {
	LocalUserID    types.UserID
	RequestTimeout time.Duration

	// Per-session inbound message throttle. Zero disables it.
	InboundMessageRate float64
	InboundBurst       int

	// Observers run after the built-in handler of their message type, in
	// registration order.
	Observers []Observer
}

// Observer watches one message type on every session of a manager.
type Observer struct {
	Type protocol.MessageType
	Fn   func(peer types.UserID, msg protocol.Message)
}

type Manager struct {
	opts      Options
	local     types.UserID
	graph     *trust.Graph
	store     store.Store
	guard     *abuse.Guard
	integrity *integrity.Service
	metrics   *metrics.SyncMetrics
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[types.UserID]*Session
	active   map[*Session]struct{}
	denied   map[types.UserID]time.Time
	closed   bool
}

func NewManager(opts Options, graph *trust.Graph, st store.Store, guard *abuse.Guard, m *metrics.SyncMetrics, logger *zap.Logger) (*Manager, error) {
	if opts.LocalUserID == "" {
		return nil, fmt.Errorf("local user id is required")
	}
	if graph == nil || st == nil || guard == nil {
		return nil, fmt.Errorf("trust graph, store and guard are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	return &Manager{
		opts:      opts,
		local:     opts.LocalUserID,
		graph:     graph,
		store:     st,
		guard:     guard,
		integrity: integrity.NewService(),
		metrics:   m,
		logger:    logger.With(zap.String("local", string(opts.LocalUserID))),
		sessions:  make(map[types.UserID]*Session),
		active:    make(map[*Session]struct{}),
		denied:    make(map[types.UserID]time.Time),
	}, nil
}

func (m *Manager) LocalUserID() types.UserID {
	return m.local
}

func (m *Manager) Graph() *trust.Graph {
	return m.graph
}

func (m *Manager) Store() store.Store {
	return m.store
}

func (m *Manager) Guard() *abuse.Guard {
	return m.guard
}

// Connect establishes a channel to peer through conn and starts an
// initiating session. Peers that denied or failed verification are not
// contacted again until ClearDenied.
func (m *Manager) Connect(ctx context.Context, peer types.UserID, conn *transport.Connection) (*Session, error) {
	if m.IsDenied(peer) {
		return nil, syncerr.New(syncerr.KindAccessDenied,
			fmt.Sprintf("%s denied sync; not retrying", peer))
	}
	ch, err := conn.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return m.start(peer, ch, conn)
}

// Attach starts an initiating session with peer over an established channel.
func (m *Manager) Attach(peer types.UserID, ch transport.Channel) (*Session, error) {
	if m.IsDenied(peer) {
		return nil, syncerr.New(syncerr.KindAccessDenied,
			fmt.Sprintf("%s denied sync; not retrying", peer))
	}
	return m.start(peer, ch, nil)
}

func (m *Manager) start(peer types.UserID, ch transport.Channel, conn *transport.Connection) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ch.Close()
		return nil, fmt.Errorf("sync manager closed")
	}
	s := newSession(m, peer, true, ch, conn)
	if old, ok := m.sessions[peer]; ok {
		m.logger.Info("Replacing existing session", zap.String("peer", string(peer)))
		go old.Close()
	}
	m.sessions[peer] = s
	m.active[s] = struct{}{}
	m.mu.Unlock()

	s.start()
	return s, nil
}

// Accept starts a responding session over an inbound channel. The peer is
// identified by its friend verification message.
func (m *Manager) Accept(ch transport.Channel) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ch.Close()
		return nil, fmt.Errorf("sync manager closed")
	}
	s := newSession(m, "", false, ch, nil)
	m.active[s] = struct{}{}
	m.mu.Unlock()

	s.start()
	return s, nil
}

// Listener is satisfied by the transport listeners.
type Listener interface {
	Accept(ctx context.Context) (transport.Channel, error)
}

// Serve accepts inbound channels until ctx is done or the listener fails.
func (m *Manager) Serve(ctx context.Context, l Listener) error {
	for {
		ch, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept peer channel: %w", err)
		}
		if _, err := m.Accept(ch); err != nil {
			return err
		}
	}
}

// register binds a responding session to the peer it verified.
func (m *Manager) register(peer types.UserID, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[peer]; ok && old != s {
		m.logger.Info("Replacing existing session", zap.String("peer", string(peer)))
		go old.Close()
	}
	m.sessions[peer] = s
}

func (m *Manager) unregister(peer types.UserID, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[peer]; ok && cur == s {
		delete(m.sessions, peer)
	}
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, s)
}

func (m *Manager) Session(peer types.UserID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return s, ok
}

func (m *Manager) Peers() []types.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]types.UserID, 0, len(m.sessions))
	for p := range m.sessions {
		peers = append(peers, p)
	}
	return peers
}

func (m *Manager) markDenied(peer types.UserID) {
	if peer == "" {
		return
	}
	m.mu.Lock()
	m.denied[peer] = time.Now()
	m.mu.Unlock()
}

func (m *Manager) IsDenied(peer types.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.denied[peer]
	return ok
}

// ClearDenied allows peer to be contacted again.
func (m *Manager) ClearDenied(peer types.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.denied, peer)
}

// AnnounceAll re-announces local content on every verified session.
func (m *Manager) AnnounceAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Announce()
	}
}

// Close stops every session, including inbound ones still verifying.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.active))
	for s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
