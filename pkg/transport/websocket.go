package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsReadBuffer     = 1024
	wsWriteBuffer    = 1024
	wsReadLimit      = 128 * 1024 * 1024
	wsHandshakeLimit = 10 * time.Second
)

// WebsocketDialer opens relay channels over ws:// and wss:// endpoints.
type WebsocketDialer struct {
	Header http.Header
	dialer *websocket.Dialer
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			ReadBufferSize:   wsReadBuffer,
			WriteBufferSize:  wsWriteBuffer,
			HandshakeTimeout: wsHandshakeLimit,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Channel, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (HTTP status %s)", endpoint, err, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}
	return newWebsocketChannel(conn, endpoint), nil
}

func newWebsocketChannel(conn *websocket.Conn, endpoint string) Channel {
	conn.SetReadLimit(wsReadLimit)
	read := func() ([]byte, error) {
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return nil, err
			}
			if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
				return msg, nil
			}
		}
	}
	write := func(msg []byte) error {
		return conn.WriteMessage(websocket.TextMessage, msg)
	}
	closeFn := func() error {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return conn.Close()
	}
	return newPumpChannel(endpoint, read, write, closeFn)
}

// WebsocketHandler upgrades HTTP requests and hands each channel to accept.
type WebsocketHandler struct {
	upgrader websocket.Upgrader
	accept   func(Channel)
	logger   *zap.Logger
}

func NewWebsocketHandler(accept func(Channel), logger *zap.Logger) *WebsocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBuffer,
			WriteBufferSize: wsWriteBuffer,
			// peers authenticate through the friend verification handshake
			CheckOrigin: func(*http.Request) bool { return true },
		},
		accept: accept,
		logger: logger,
	}
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	h.accept(newWebsocketChannel(conn, r.RemoteAddr))
}
