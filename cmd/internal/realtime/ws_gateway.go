package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"tidechat/cmd/internal/metrics"
	v1 "tidechat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultHelloTimeout = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsDefaultHistoryLimit = 50
	wsMaxHistoryLimit     = 200

	wsMaxPingFailures = 3
)

// WSGateway is the WebSocket entrypoint for tidechat.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and maps the envelope protocol onto Service: hello -> Connect (or a transport
// recovery), message_send -> Submit, socket close -> Disconnect.
type WSGateway struct {
	log      *slog.Logger
	svc      *Service
	recovery *Recovery

	origins     originPolicy
	devInsecure bool

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	helloTimeout    time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway. Zero durations and sizes in cfg take defaults.
func NewWSGateway(log *slog.Logger, svc *Service, reg *metrics.Registry, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &WSGateway{
		log:      log,
		svc:      svc,
		recovery: NewRecovery(log, svc, cfg.recoveryWindow(), cfg.RecoveryMailbox, reg),

		origins:     newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
		devInsecure: cfg.DevInsecure,

		writeTimeout:    cfg.WriteTimeout,
		readIdleTimeout: cfg.ReadIdleTimeout,
		helloTimeout:    cfg.HelloTimeout,
		sendQueueSize:   cfg.SendQueue,

		heartbeatEvery:   cfg.HeartbeatInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,

		rateEvents: cfg.RateEvents,
		rateWindow: cfg.RateWindow,
	}
}

// Recovery exposes the parked-session registry.
func (g *WSGateway) Recovery() *Recovery { return g.recovery }

// Close drops every parked session. Live connections end with their request context.
func (g *WSGateway) Close() {
	g.recovery.Close()
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.acceptPatterns(),
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once

		sessMu   sync.Mutex
		sess     *Session
		released bool
	)

	sessionID := func() string {
		sessMu.Lock()
		defer sessMu.Unlock()
		if sess == nil {
			return ""
		}
		return sess.ID
	}

	// bind attaches the connected session; a connection that already shut down
	// disconnects it straight away.
	bind := func(s *Session) bool {
		sessMu.Lock()
		if released {
			sessMu.Unlock()
			g.svc.Disconnect(s, "closed during hello")
			return false
		}
		sess = s
		sessMu.Unlock()
		return true
	}

	// shutdown is idempotent. It detaches the session (parking it when the drop was
	// abnormal) before the client stops accepting messages, then closes the socket.
	shutdown := func(code websocket.StatusCode, reason string, abnormal bool) {
		closeOnce.Do(func() {
			sessMu.Lock()
			released = true
			s := sess
			sessMu.Unlock()

			if s != nil {
				if abnormal {
					g.recovery.Park(s, reason)
				} else {
					g.svc.Disconnect(s, reason)
				}
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-client.Evicted():
				reason := client.EvictReason()
				g.log.Info("ws.evict", "session_id", sessionID(), "reason", reason)
				shutdown(websocket.StatusTryAgainLater, reason, false)
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID(), "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed", true)
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID(), "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed", true)
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	s, err := g.hello(ctx, conn, client)
	if err != nil {
		g.log.Info("ws.hello.fail", "remote", r.RemoteAddr, "err", err)
		g.writeErrorNow(ctx, conn, "hello_failed", err.Error())
		shutdown(websocket.StatusPolicyViolation, "hello failed", false)
	} else if bind(s) {
		g.readLoop(ctx, conn, client, s, rl, shutdown)
	}

	shutdown(websocket.StatusNormalClosure, "bye", false)
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

type shutdownFunc func(code websocket.StatusCode, reason string, abnormal bool)

func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, client *Client, sess *Session, rl *RateLimiter, shutdown shutdownFunc) {
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			end, fatal := endForReadErr(ctx, err)
			if !fatal {
				g.trySendError(ctx, client, "bad_json", err.Error())
				continue
			}
			g.log.Debug("ws.read.end", "session_id", sess.ID, "reason", end.reason, "err", err)
			shutdown(end.code, end.reason, end.abnormal)
			return
		}

		if !rl.Allow(time.Now().UTC()) {
			g.writeErrorNow(ctx, conn, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited", false)
			return
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue
		}

		switch env.Type {
		case v1.TypeHello:
			g.trySendError(ctx, client, "already_started", "hello already received")

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, client, sess, env); err != nil {
				g.trySendError(ctx, client, "send_failed", err.Error())
			}

		case v1.TypeHistoryFetch:
			if err := g.onHistoryFetch(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "history_failed", err.Error())
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}
}

// ---- handlers ----

// hello reads the opening envelope and produces a live session: either a parked one
// resumed through transport recovery, or a new one caught up from the log.
func (g *WSGateway) hello(ctx context.Context, conn *websocket.Conn, client *Client) (*Session, error) {
	helloCtx, helloCancel := context.WithTimeout(ctx, g.helloTimeout)
	env, err := readEnvelope(helloCtx, conn)
	helloCancel()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.Type != v1.TypeHello {
		return nil, fmt.Errorf("expected %s, got %s", v1.TypeHello, env.Type)
	}

	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
	}

	var lastSeq int64
	if p.LastSeq != nil {
		if *p.LastSeq < 0 {
			return nil, errors.New("last_seq must not be negative")
		}
		lastSeq = *p.LastSeq
	}

	if id := strings.TrimSpace(p.SessionID); id != "" {
		s, err := g.recovery.Claim(id, lastSeq)
		if err == nil {
			if !g.sendHelloAck(ctx, client, s.ID, true) {
				g.svc.Disconnect(s, "hello_ack backpressure")
				return nil, errors.New("backpressure: hello_ack")
			}
			if err := g.svc.Resume(s, lastSeq, client); err != nil {
				g.svc.Disconnect(s, "resume failed")
				return nil, err
			}
			return s, nil
		}
		g.log.Info("ws.recover.miss", "session_id", id, "last_seq", lastSeq, "err", err)
	}

	id, err := NewSessionID(time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	if !g.sendHelloAck(ctx, client, id, false) {
		return nil, errors.New("backpressure: hello_ack")
	}

	return g.svc.Connect(ctx, ConnectRequest{SessionID: id, LastKnownSeq: lastSeq}, client)
}

func (g *WSGateway) sendHelloAck(ctx context.Context, client *Client, id string, recovered bool) bool {
	return g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: id, Recovered: recovered}))
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, sess *Session, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	// The offset is opaque: compared byte for byte, absent only when empty.
	out := g.svc.Submit(ctx, sess, p.Content, p.ClientOffset)

	ack := v1.MessageAckPayload{ClientOffset: p.ClientOffset}
	if out.Acked() {
		ack.Status = v1.AckAcknowledged
		ack.Seq = out.Seq
		ack.Duplicate = out.Duplicate
	} else {
		ack.Status = v1.AckRejected
		ack.Reason = out.Reason
		ack.Terminal = out.Terminal()
	}

	if !g.enqueue(ctx, client, newEnvelope(v1.TypeMessageAck, ack)) {
		return errors.New("backpressure: ack")
	}
	return nil
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	limit := p.Limit
	if limit <= 0 {
		limit = wsDefaultHistoryLimit
	}
	if limit > wsMaxHistoryLimit {
		limit = wsMaxHistoryLimit
	}

	msgs, hasMore, err := g.svc.History(ctx, p.AfterSeq, limit)
	if err != nil {
		g.log.Error("ws.history.fail", "after_seq", p.AfterSeq, "err", err)
		return errors.New("history unavailable")
	}

	out := make([]v1.MessageNewPayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, v1.MessageNewPayload{Seq: m.Seq, Content: m.Content, Replay: true})
	}

	chunk := v1.HistoryChunkPayload{Messages: out, HasMore: hasMore}
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHistoryChunk, chunk)) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}))
}

// writeErrorNow bypasses the send queue; it is used right before the socket closes.
func (g *WSGateway) writeErrorNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
	if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
		g.log.Debug("ws.error.write.fail", "code", code, "err", err)
	}
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}
