package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"friendsync/pkg/metrics"
	"friendsync/pkg/syncerr"
	"friendsync/pkg/types"
)

var ErrConnectionClosed = errors.New("connection closed")

// StateChange is published to subscribers on every connection state change.
type StateChange struct {
	PeerID   types.UserID
	State    types.ConnectionState
	Endpoint string
	Err      error
}

// Connection drives a FallbackManager through dial attempts and owns the
// resulting channel.
type Connection struct {
	manager *FallbackManager
	dialer  Dialer
	metrics *metrics.SyncMetrics
	logger  *zap.Logger

	jitterFactor float64

	mu          sync.Mutex
	state       types.ConnectionState
	channel     Channel
	lastErr     error
	closed      bool
	cancel      context.CancelFunc
	timer       *time.Timer
	changed     chan struct{}
	subscribers []chan StateChange
}

func NewConnection(manager *FallbackManager, dialer Dialer, m *metrics.SyncMetrics, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		manager:      manager,
		dialer:       dialer,
		metrics:      m,
		logger:       logger,
		jitterFactor: 0.2,
		state:        types.ConnectionIdle,
		changed:      make(chan struct{}),
	}
}

func (c *Connection) Manager() *FallbackManager {
	return c.manager
}

// Subscribe returns a channel receiving every state change. Slow
// subscribers miss changes rather than stall the connection.
func (c *Connection) Subscribe() <-chan StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan StateChange, 32)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

func (c *Connection) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Channel() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *Connection) setStateLocked(s types.ConnectionState, endpoint string, err error) {
	c.state = s
	c.lastErr = err
	c.manager.setState(s)
	close(c.changed)
	c.changed = make(chan struct{})

	change := StateChange{PeerID: c.manager.peerID, State: s, Endpoint: endpoint, Err: err}
	for _, sub := range c.subscribers {
		select {
		case sub <- change:
		default:
			c.logger.Warn("Dropping connection state change for slow subscriber",
				zap.String("peer", string(change.PeerID)),
				zap.String("state", string(s)))
		}
	}
}

// Connect dials the active endpoints in order. When a whole round fails the
// manager escalates one tier and, after a backoff, the next round starts.
// Exhausting the tiers yields a TransportExhausted error.
func (c *Connection) Connect(ctx context.Context) (Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if c.state == types.ConnectionConnected && c.channel != nil {
		ch := c.channel
		c.mu.Unlock()
		return ch, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setStateLocked(types.ConnectionConnecting, "", nil)
	c.mu.Unlock()
	defer cancel()

	var lastErr error
	for round := 0; ; round++ {
		endpoints := c.manager.ActiveEndpoints()
		for i, ep := range endpoints {
			c.metrics.ConnectAttempt()
			ch, err := c.dialer.Dial(ctx, ep)
			if err == nil {
				return c.established(ch, ep)
			}
			lastErr = err
			c.logger.Debug("Dial failed",
				zap.String("peer", string(c.manager.peerID)),
				zap.String("endpoint", ep),
				zap.Error(err))

			if ctx.Err() != nil {
				return nil, c.abort(ctx.Err())
			}
			if i < len(endpoints)-1 {
				c.manager.MarkFailed(ep)
				c.metrics.ConnectFailed(false)
				continue
			}

			retry := c.manager.OnConnectionFailed(ep)
			c.metrics.ConnectFailed(retry)
			if !retry {
				c.metrics.Exhausted()
				exhausted := syncerr.Wrap(syncerr.KindTransportExhausted,
					fmt.Sprintf("all transport tiers failed for %s", c.manager.peerID), lastErr)
				c.mu.Lock()
				c.setStateLocked(types.ConnectionFailed, ep, exhausted)
				c.mu.Unlock()
				return nil, exhausted
			}
		}

		if err := c.sleep(ctx, c.calculateBackoff(round)); err != nil {
			return nil, c.abort(err)
		}
	}
}

func (c *Connection) established(ch Channel, endpoint string) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ch.Close()
		return nil, ErrConnectionClosed
	}
	c.channel = ch
	c.setStateLocked(types.ConnectionConnected, endpoint, nil)
	c.logger.Info("Peer channel established",
		zap.String("peer", string(c.manager.peerID)),
		zap.String("endpoint", endpoint))
	return ch, nil
}

func (c *Connection) abort(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	c.setStateLocked(types.ConnectionDisconnected, "", err)
	return err
}

func (c *Connection) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.timer = time.NewTimer(d)
	timer := c.timer
	c.mu.Unlock()

	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// calculateBackoff returns the exponential delay with jitter for round.
func (c *Connection) calculateBackoff(round int) time.Duration {
	opts := c.manager.opts
	delay := float64(opts.BackoffBase) * math.Pow(2, float64(round))
	if delay > float64(opts.BackoffMax) {
		delay = float64(opts.BackoffMax)
	}

	jitter := delay * c.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(opts.BackoffBase)
	}
	return time.Duration(delay)
}

// ReportFailure is called when an established channel breaks. The channel's
// endpoint is marked failed and the return value tells whether another tier
// is available.
func (c *Connection) ReportFailure(err error) bool {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}

	endpoint := ""
	if ch != nil {
		endpoint = ch.Endpoint()
		ch.Close()
	}

	retry := c.manager.OnConnectionFailed(endpoint)
	c.metrics.ConnectFailed(retry)
	state := types.ConnectionDisconnected
	if !retry {
		state = types.ConnectionFailed
		c.metrics.Exhausted()
	}

	c.logger.Warn("Peer channel failed",
		zap.String("peer", string(c.manager.peerID)),
		zap.String("endpoint", endpoint),
		zap.Bool("retryable", retry),
		zap.Error(err))

	c.mu.Lock()
	c.setStateLocked(state, endpoint, err)
	c.mu.Unlock()
	return retry
}

// WaitForConnection blocks until the connection is established (nil), fails
// or is closed (error), or timeout elapses. A zero timeout uses the
// configured wait timeout.
func (c *Connection) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.manager.opts.WaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		state, lastErr, changed, closed := c.state, c.lastErr, c.changed, c.closed
		c.mu.Unlock()

		if closed {
			return ErrConnectionClosed
		}
		switch state {
		case types.ConnectionConnected:
			return nil
		case types.ConnectionFailed:
			if lastErr != nil {
				return lastErr
			}
			return syncerr.New(syncerr.KindTransportExhausted, "connection failed")
		}

		select {
		case <-changed:
		case <-timer.C:
			return syncerr.New(syncerr.KindRequestTimeout,
				fmt.Sprintf("no connection to %s within %s", c.manager.peerID, timeout))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels any attempt in progress, stops pending timers and closes the
// channel. The connection can be used again after Reset.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	var err error
	if c.channel != nil {
		err = c.channel.Close()
		c.channel = nil
	}
	c.setStateLocked(types.ConnectionDisconnected, "", ErrConnectionClosed)
	c.closed = true
	return err
}

// Reset returns the manager to its first tier and reopens a closed
// connection for new attempts.
func (c *Connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.manager.Reset()
	c.closed = false
	c.lastErr = nil
	c.state = types.ConnectionIdle
}
