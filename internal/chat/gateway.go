package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Intents requested at identify: guild messages and message content.
const DefaultIntents = 1<<9 | 1<<15

// Close codes after which reconnecting cannot help.
var fatalCloseCodes = map[int]string{
	4004: "authentication failed",
	4010: "invalid shard",
	4011: "sharding required",
	4012: "invalid api version",
	4013: "invalid intents",
	4014: "disallowed intents",
}

// Backoff controls reconnect timing after the gateway drops.
type Backoff struct {
	// InitialDelay is the delay before the first reconnect (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt (default: 2.0).
	Multiplier float64
}

// DefaultBackoff returns 2s, 4s, 8s, ... capped at 60s.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

func (b Backoff) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	if d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// frame is one gateway payload.
type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type outFrame struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	User      User   `json:"user"`
}

// errReconnect asks the run loop to dial a fresh session.
var errReconnect = errors.New("gateway requested reconnect")

// Gateway holds the WebSocket session that delivers inbound messages.
// Messages are delivered in the order Discord sends them.
type Gateway struct {
	url     string
	token   string
	intents int
	backoff Backoff
	dialer  websocket.Dialer

	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex

	seq       atomic.Int64
	acked     atomic.Bool
	selfID    atomic.Pointer[string]
	sessionID string

	messages chan Message
	logger   *slog.Logger
}

// NewGateway creates a gateway client. Call Open to connect.
func NewGateway(url, token string, intents int, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		url:     url,
		token:   token,
		intents: intents,
		backoff: DefaultBackoff(),
		dialer: websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  16 * 1024,
		},
		messages: make(chan Message, 256),
		logger:   logger,
	}
}

// Messages returns the inbound message stream. It is closed when the
// gateway stops for good.
func (g *Gateway) Messages() <-chan Message {
	return g.messages
}

// SelfID returns the bot's own user ID once READY was received.
func (g *Gateway) SelfID() string {
	if p := g.selfID.Load(); p != nil {
		return *p
	}
	return ""
}

// Open connects, identifies, and waits for READY. On success the
// session is served in the background until ctx is cancelled, with
// reconnects on failure. An error here means the first session could
// not be established and nothing was started.
func (g *Gateway) Open(ctx context.Context) error {
	interval, err := g.connect(ctx)
	if err != nil {
		return err
	}
	go g.run(ctx, interval)
	return nil
}

// Close drops the current connection.
func (g *Gateway) Close() error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn != nil {
		err := g.conn.Close()
		g.conn = nil
		return err
	}
	return nil
}

func (g *Gateway) run(ctx context.Context, interval time.Duration) {
	defer close(g.messages)
	defer g.Close()

	delay := g.backoff.InitialDelay
	for {
		err := g.serve(ctx, interval)
		if ctx.Err() != nil {
			return
		}
		if reason, fatal := fatalClose(err); fatal {
			g.logger.Error("gateway closed permanently", "reason", reason, "error", err)
			return
		}
		g.logger.Warn("gateway connection lost, reconnecting", "error", err)

		for {
			if !sleepCtx(ctx, delay) {
				return
			}
			interval, err = g.connect(ctx)
			if err == nil {
				delay = g.backoff.InitialDelay
				break
			}
			if reason, fatal := fatalClose(err); fatal {
				g.logger.Error("gateway closed permanently", "reason", reason, "error", err)
				return
			}
			g.logger.Debug("gateway reconnect failed",
				"error", err,
				"next_delay", g.backoff.next(delay).String(),
			)
			delay = g.backoff.next(delay)
		}
	}
}

// connect dials, reads HELLO, sends IDENTIFY, and reads until READY.
// It returns the heartbeat interval for the new session.
func (g *Gateway) connect(ctx context.Context) (time.Duration, error) {
	g.logger.Info("connecting to Discord gateway", "url", g.url)

	conn, _, err := g.dialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return 0, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return 0, fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		conn.Close()
		return 0, fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		conn.Close()
		return 0, fmt.Errorf("bad hello payload: %s", hello.D)
	}

	g.seq.Store(0)
	identify := outFrame{Op: opIdentify, D: map[string]any{
		"token":   g.token,
		"intents": g.intents,
		"properties": map[string]string{
			"os":      runtime.GOOS,
			"browser": "schedulebot",
			"device":  "schedulebot",
		},
	}}
	if err := conn.WriteJSON(identify); err != nil {
		conn.Close()
		return 0, fmt.Errorf("send identify: %w", err)
	}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			conn.Close()
			return 0, fmt.Errorf("await ready: %w", err)
		}
		if f.S != nil {
			g.seq.Store(*f.S)
		}
		if f.Op == opInvalidSession {
			conn.Close()
			return 0, errors.New("session invalidated during identify")
		}
		if f.Op != opDispatch || f.T != "READY" {
			continue
		}

		var rd readyData
		if err := json.Unmarshal(f.D, &rd); err != nil {
			conn.Close()
			return 0, fmt.Errorf("decode ready: %w", err)
		}
		id := rd.User.ID
		g.selfID.Store(&id)
		g.sessionID = rd.SessionID
		break
	}

	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()

	g.logger.Info("gateway ready", "self_id", g.SelfID(), "session_id", g.sessionID)
	return time.Duration(hd.HeartbeatInterval) * time.Millisecond, nil
}

// serve runs the heartbeat and read loop for the current connection
// until it fails or ctx is cancelled.
func (g *Gateway) serve(ctx context.Context, interval time.Duration) error {
	g.connMu.Lock()
	conn := g.conn
	g.connMu.Unlock()
	if conn == nil {
		return errReconnect
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock ReadJSON on shutdown.
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	g.acked.Store(true)
	go g.heartbeat(sessCtx, conn, interval)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.S != nil {
			g.seq.Store(*f.S)
		}

		switch f.Op {
		case opDispatch:
			g.dispatch(sessCtx, f)
		case opHeartbeat:
			if err := g.sendHeartbeat(conn); err != nil {
				return err
			}
		case opHeartbeatAck:
			g.acked.Store(true)
		case opReconnect, opInvalidSession:
			return errReconnect
		default:
			g.logger.Debug("unhandled gateway opcode", "op", f.Op)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, f frame) {
	switch f.T {
	case "MESSAGE_CREATE":
		var m Message
		if err := json.Unmarshal(f.D, &m); err != nil {
			g.logger.Warn("failed to decode message", "error", err)
			return
		}
		select {
		case g.messages <- m:
		case <-ctx.Done():
		}
	default:
		g.logger.Debug("ignoring gateway event", "type", f.T)
	}
}

// heartbeat sends a heartbeat every interval. A missing ACK since the
// previous beat means the connection is a zombie and is closed.
func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !g.acked.Swap(false) {
				g.logger.Warn("heartbeat not acknowledged, dropping connection")
				conn.Close()
				return
			}
			if err := g.sendHeartbeat(conn); err != nil {
				g.logger.Debug("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

func (g *Gateway) sendHeartbeat(conn *websocket.Conn) error {
	var d any
	if s := g.seq.Load(); s > 0 {
		d = s
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.WriteJSON(outFrame{Op: opHeartbeat, D: d})
}

func fatalClose(err error) (string, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason, ok := fatalCloseCodes[ce.Code]
		return reason, ok
	}
	return "", false
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
