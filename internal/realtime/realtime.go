// Package realtime subscribes to the backend's change feed so a pass can
// start as soon as another device writes, instead of waiting for the
// periodic timer.
package realtime

//go:generate mockgen -source=realtime.go -destination=mock_conn.go -package=realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/InnNhi24/vibetune-sync/internal/auth"
	"github.com/InnNhi24/vibetune-sync/internal/remote"
)

const (
	// reconnectMin is the initial backoff after a dropped connection.
	reconnectMin = 5 * time.Second

	// reconnectMax caps the exponential backoff.
	reconnectMax = 5 * time.Minute

	// reconnectBackoffMultiplier is the growth factor applied after each
	// consecutive failure.
	reconnectBackoffMultiplier = 2

	// jitterDivisor bounds jitter to [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// heartbeatInterval is how often a heartbeat frame is sent to keep
	// the channel alive.
	heartbeatInterval = 30 * time.Second

	// readLimit bounds a single inbound frame.
	readLimit = 1 << 20

	// inboundChanSize buffers frames between the reader goroutine and
	// the event loop.
	inboundChanSize = 16
)

// Change event names forwarded to the callback.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
)

var errNoSession = errors.New("no session, change feed paused")

// Change is a row change reported by the feed.
type Change struct {
	Table  string          `json:"table"`
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

// frame is the channel protocol envelope.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// wsConn abstracts the WebSocket connection so Subscriber can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type inboundMsg struct {
	data []byte
	err  error
}

// Config configures a Subscriber.
type Config struct {
	URL      string
	APIKey   string
	DeviceID string
	Auth     auth.Provider

	// OnChange is called for every insert or update made by another
	// device. It runs on the event loop and must not block.
	OnChange func(Change)
}

// Subscriber maintains the change feed connection, reconnecting with
// exponential backoff when it drops.
type Subscriber struct {
	cfg    Config
	logger *slog.Logger

	dial   func(ctx context.Context, url string) (wsConn, error)
	jitter func(backoff time.Duration) time.Duration
	ref    int
}

// New creates a subscriber.
func New(cfg Config, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		cfg:    cfg,
		logger: logger,
		dial:   dialWebsocket,
		jitter: randomJitter,
	}
}

func dialWebsocket(ctx context.Context, u string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: remote.NewHTTPClient(),
	})
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

func randomJitter(backoff time.Duration) time.Duration {
	return time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
}

// Run keeps the feed connected until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		joined, err := s.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if joined {
			backoff = reconnectMin
		}

		level := slog.LevelWarn
		if errors.Is(err, errNoSession) {
			level = slog.LevelDebug
		}

		s.logger.Log(ctx, level, "change feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		timer := time.NewTimer(backoff + s.jitter(backoff))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if !joined {
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
		}
	}
}

// connect runs one connection until it drops. joined reports whether the
// channel join succeeded.
func (s *Subscriber) connect(ctx context.Context) (joined bool, err error) {
	session, err := s.cfg.Auth.GetSession(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errNoSession, err)
	}

	if session == nil || !session.Live(time.Now()) {
		return false, errNoSession
	}

	conn, err := s.dial(ctx, s.socketURL())
	if err != nil {
		return false, fmt.Errorf("dialing change feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, table := range []string{remote.CollectionConversations, remote.CollectionMessages} {
		err := s.send(connCtx, conn, frame{
			Topic:   topicFor(table, session.UserID),
			Event:   "phx_join",
			Payload: mustJSON(map[string]string{"access_token": session.AccessToken}),
		})
		if err != nil {
			return false, fmt.Errorf("joining %s: %w", table, err)
		}
	}

	inbound := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			select {
			case inbound <- inboundMsg{data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return joined, ctx.Err()

		case <-ticker.C:
			err := s.send(connCtx, conn, frame{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`)})
			if err != nil {
				return joined, fmt.Errorf("sending heartbeat: %w", err)
			}

		case msg := <-inbound:
			if msg.err != nil {
				return joined, fmt.Errorf("reading message: %w", msg.err)
			}

			ok, err := s.handle(msg.data)
			if err != nil {
				return joined, err
			}

			if ok && !joined {
				joined = true
				s.logger.Info("change feed joined")
			}
		}
	}
}

// handle processes one inbound frame. It returns true when the frame
// acknowledged a join.
func (s *Subscriber) handle(data []byte) (bool, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Debug("ignoring malformed frame", slog.String("error", err.Error()))
		return false, nil
	}

	switch f.Event {
	case "phx_reply":
		if status := gjson.GetBytes(f.Payload, "status").String(); status != "ok" {
			return false, fmt.Errorf("channel %s replied %q", f.Topic, status)
		}

		return true, nil

	case "phx_error", "phx_close":
		return false, fmt.Errorf("channel %s closed by server (%s)", f.Topic, f.Event)

	case EventInsert, EventUpdate:
		var c Change
		if err := json.Unmarshal(f.Payload, &c); err != nil {
			s.logger.Debug("ignoring malformed change", slog.String("error", err.Error()))
			return false, nil
		}

		if c.Type == "" {
			c.Type = f.Event
		}

		if c.Table != remote.CollectionConversations && c.Table != remote.CollectionMessages {
			return false, nil
		}

		if gjson.GetBytes(c.Record, "device_id").String() == s.cfg.DeviceID {
			return false, nil
		}

		s.logger.Debug("remote change",
			slog.String("table", c.Table),
			slog.String("type", c.Type),
			slog.String("id", gjson.GetBytes(c.Record, "id").String()),
		)

		if s.cfg.OnChange != nil {
			s.cfg.OnChange(c)
		}
	}

	return false, nil
}

func (s *Subscriber) send(ctx context.Context, conn wsConn, f frame) error {
	s.ref++
	f.Ref = strconv.Itoa(s.ref)

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Subscriber) socketURL() string {
	q := url.Values{}
	q.Set("apikey", s.cfg.APIKey)
	q.Set("vsn", "1.0.0")

	return s.cfg.URL + "?" + q.Encode()
}

// topicFor scopes a table subscription to one user's rows.
func topicFor(table, userID string) string {
	return "realtime:public:" + table + ":user_id=eq." + userID
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
