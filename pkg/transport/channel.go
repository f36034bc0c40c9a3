package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
)

var ErrChannelClosed = errors.New("channel closed")

// Channel is a reliable, ordered, message-oriented link to one peer.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
	// Receive blocks for the next message. Any error other than a cancelled
	// ctx means the channel is unusable.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	Endpoint() string
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Channel, error)
}

type DialerFunc func(ctx context.Context, endpoint string) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Channel, error) {
	return f(ctx, endpoint)
}

// SchemeDialer routes endpoints to a dialer by URL scheme.
type SchemeDialer struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

func NewSchemeDialer() *SchemeDialer {
	return &SchemeDialer{dialers: make(map[string]Dialer)}
}

func (d *SchemeDialer) Register(scheme string, dialer Dialer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialers[scheme] = dialer
}

func (d *SchemeDialer) Dial(ctx context.Context, endpoint string) (Channel, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	d.mu.RLock()
	dialer, ok := d.dialers[u.Scheme]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no dialer for scheme %q", u.Scheme)
	}
	return dialer.Dial(ctx, endpoint)
}

// pumpChannel adapts a blocking read/write transport to Channel. A single
// goroutine drains reads into a buffered queue so Receive can honor ctx.
type pumpChannel struct {
	endpoint string
	write    func([]byte) error
	closeFn  func() error

	writeMu sync.Mutex
	inbox   chan []byte
	done    chan struct{}
	errMu   sync.Mutex
	err     error
	once    sync.Once
}

func newPumpChannel(endpoint string, read func() ([]byte, error), write func([]byte) error, closeFn func() error) *pumpChannel {
	c := &pumpChannel{
		endpoint: endpoint,
		write:    write,
		closeFn:  closeFn,
		inbox:    make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop(read)
	return c
}

func (c *pumpChannel) readLoop(read func() ([]byte, error)) {
	for {
		msg, err := read()
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.inbox <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *pumpChannel) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.once.Do(func() {
		close(c.done)
		c.closeFn()
	})
}

func (c *pumpChannel) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return ErrChannelClosed
	}
	return c.err
}

func (c *pumpChannel) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.write(msg); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *pumpChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// deliver anything read before the failure
		select {
		case msg := <-c.inbox:
			return msg, nil
		default:
			return nil, c.closedErr()
		}
	}
}

func (c *pumpChannel) Close() error {
	c.fail(ErrChannelClosed)
	return nil
}

func (c *pumpChannel) Endpoint() string {
	return c.endpoint
}
