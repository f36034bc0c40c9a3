package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemNetwork connects dialers and listeners in-process through mem://
// endpoints. Nodes in one process and tests use it.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemListener
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: make(map[string]*MemListener)}
}

type MemListener struct {
	endpoint string
	network  *MemNetwork
	accept   chan Channel
	done     chan struct{}
	once     sync.Once
}

func (n *MemNetwork) Listen(endpoint string) (*MemListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[endpoint]; ok {
		return nil, fmt.Errorf("endpoint %s already in use", endpoint)
	}
	l := &MemListener{
		endpoint: endpoint,
		network:  n,
		accept:   make(chan Channel, 16),
		done:     make(chan struct{}),
	}
	n.listeners[endpoint] = l
	return l, nil
}

func (n *MemNetwork) Dial(ctx context.Context, endpoint string) (Channel, error) {
	n.mu.Lock()
	l, ok := n.listeners[endpoint]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("connection refused: %s", endpoint)
	}

	local, remote := MemPipe(endpoint)
	select {
	case l.accept <- remote:
		return local, nil
	case <-l.done:
		return nil, fmt.Errorf("connection refused: %s", endpoint)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-l.accept:
		return ch, nil
	case <-l.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.network.mu.Lock()
		delete(l.network.listeners, l.endpoint)
		l.network.mu.Unlock()
	})
	return nil
}

// MemPipe returns two connected channels.
func MemPipe(endpoint string) (Channel, Channel) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() error {
		once.Do(func() { close(done) })
		return nil
	}

	a := &memChannel{endpoint: endpoint, out: ab, in: ba, done: done, closeFn: closeFn}
	b := &memChannel{endpoint: endpoint, out: ba, in: ab, done: done, closeFn: closeFn}
	return a, b
}

type memChannel struct {
	endpoint string
	out      chan<- []byte
	in       <-chan []byte
	done     chan struct{}
	closeFn  func() error
}

func (c *memChannel) Send(ctx context.Context, msg []byte) error {
	buf := append([]byte(nil), msg...)
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.out <- buf:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, ErrChannelClosed
		}
	}
}

func (c *memChannel) Close() error {
	return c.closeFn()
}

func (c *memChannel) Endpoint() string {
	return c.endpoint
}
