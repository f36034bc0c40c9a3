package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"time"

	quic "github.com/quic-go/quic-go"

	"friendsync/pkg/protocol"
)

const quicALPN = "friendsync"

// SelfSignedTLS returns server and client TLS configs sharing a fresh
// self-signed certificate. Peers authenticate each other with the friend
// handshake, so the client skips chain verification.
func SelfSignedTLS() (*tls.Config, *tls.Config, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return nil, nil, err
	}

	server := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{quicALPN},
	}
	client := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
	}
	return server, client, nil
}

// QUICDialer opens direct channels to quic://host:port endpoints.
type QUICDialer struct {
	TLS *tls.Config
}

func (d *QUICDialer) Dial(ctx context.Context, endpoint string) (Channel, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	tlsConf := d.TLS
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{quicALPN}}
	}

	conn, err := quic.DialAddr(ctx, u.Host, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", endpoint, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quic open stream %s: %w", endpoint, err)
	}
	return newQUICChannel(conn, stream, endpoint), nil
}

func newQUICChannel(conn quic.Connection, stream quic.Stream, endpoint string) Channel {
	read := func() ([]byte, error) {
		return protocol.ReadFrame(stream)
	}
	write := func(msg []byte) error {
		return protocol.WriteFrame(stream, msg)
	}
	closeFn := func() error {
		stream.Close()
		return conn.CloseWithError(0, "")
	}
	return newPumpChannel(endpoint, read, write, closeFn)
}

// QUICListener accepts direct peer channels, one stream per connection.
type QUICListener struct {
	listener *quic.Listener
}

func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	l, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &QUICListener{listener: l}, nil
}

func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *QUICListener) Accept(ctx context.Context) (Channel, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return newQUICChannel(conn, stream, conn.RemoteAddr().String()), nil
}

func (l *QUICListener) Close() error {
	return l.listener.Close()
}
