package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Dialer opens channel endpoints on a relay server over websockets.
type Dialer struct {
	// RelayURL is the relay base URL, e.g. ws://127.0.0.1:8090. http and
	// https schemes are rewritten to ws and wss.
	RelayURL string
	Logger   *slog.Logger
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// ChannelURL returns the websocket URL of the named channel on the relay.
func ChannelURL(relayURL, name string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/channels/" + name
	return u.String(), nil
}

// Open implements Opener.
func (d *Dialer) Open(ctx context.Context, name string) (Transport, error) {
	target, err := ChannelURL(d.RelayURL, name)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ws := &WebSocket{
		conn:     conn,
		name:     name,
		handlers: newHandlerSet(),
		logger:   logger,
		done:     make(chan struct{}),
	}
	go ws.readLoop()
	return ws, nil
}

// WebSocket is a Transport backed by a relay connection.
type WebSocket struct {
	conn     *websocket.Conn
	name     string
	handlers *handlerSet
	logger   *slog.Logger

	writeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

func (w *WebSocket) Subscribe(h Handler) func() {
	return w.handlers.add(h)
}

func (w *WebSocket) Publish(msg Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(msg)
}

// Close sends a close frame and tears the connection down.
func (w *WebSocket) Close() error {
	w.writeMu.Lock()
	if w.closed {
		w.writeMu.Unlock()
		return nil
	}
	w.closed = true
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.writeMu.Unlock()
	return w.conn.Close()
}

// Done is closed once the read loop has exited.
func (w *WebSocket) Done() <-chan struct{} { return w.done }

func (w *WebSocket) readLoop() {
	defer close(w.done)
	for {
		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Warn("channel: relay connection lost", "channel", w.name, "err", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Action == "" {
			w.logger.Debug("channel: dropping malformed frame", "channel", w.name, "err", err)
			continue
		}
		w.handlers.dispatch(msg)
	}
}
