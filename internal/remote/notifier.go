package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// NotifyPath is the server's change notification endpoint.
const NotifyPath = "/sync/notify"

// Listener receives connectivity changes and change notifications.
// *engine.Engine implements it.
type Listener interface {
	SetOnline(online bool)
	Trigger()
}

// Message is a notification pushed by the server.
type Message struct {
	Type       string `json:"type"`
	EntityType string `json:"entity_type,omitempty"`
}

// Message types.
const (
	MessageChange = "change"
	MessagePing   = "ping"
)

// Notifier holds a websocket to the server. A successful connect puts the
// listener online and a dropped connection takes it offline; every change
// message triggers it. Failed dials leave connectivity untouched, so a
// server without a notify endpoint never holds the listener offline. The
// connection is re-dialed with capped exponential backoff until the
// context ends.
type Notifier struct {
	url      string
	header   http.Header
	listener Listener
	logger   *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithNotifierToken sends a bearer token on the websocket handshake.
func WithNotifierToken(token string) NotifierOption {
	return func(n *Notifier) {
		if token = strings.TrimSpace(token); token != "" {
			n.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithNotifierLogger sets the logger.
func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) { n.logger = l }
}

// WithReconnectBackoff sets the reconnect delay bounds.
func WithReconnectBackoff(minDelay, maxDelay time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.minBackoff = minDelay
		n.maxBackoff = maxDelay
	}
}

// NewNotifier creates a Notifier for the server at baseURL (http or https).
func NewNotifier(baseURL string, l Listener, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		url:        notifyURL(baseURL),
		header:     http.Header{},
		listener:   l,
		logger:     slog.Default(),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// URL returns the websocket URL the notifier dials.
func (n *Notifier) URL() string {
	return n.url
}

// Run keeps the connection up until ctx is done. It always returns nil
// once ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	delay := n.minBackoff
	for {
		connected, err := n.session(ctx)
		if connected {
			n.listener.SetOnline(false)
		}
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = n.minBackoff
		}
		n.logger.Info("notifier disconnected", "url", n.url, "error", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay = min(delay*2, n.maxBackoff)
	}
}

// session dials once and reads until the connection drops.
func (n *Notifier) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, n.url, &websocket.DialOptions{HTTPHeader: n.header})
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	n.logger.Info("notifier connected", "url", n.url)
	n.listener.SetOnline(true)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return true, nil
			}
			return true, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			n.logger.Warn("notifier: bad message", "error", err)
			continue
		}
		if msg.Type == MessageChange {
			n.logger.Debug("remote change", "entity_type", msg.EntityType)
			n.listener.Trigger()
		}
	}
}

func notifyURL(baseURL string) string {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + NotifyPath
}
