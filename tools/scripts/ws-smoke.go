// Command ws-smoke drives a running tidechat server through the delivery protocol
// and exits non-zero on the first deviation.
//
// Steps:
//   - two clients connect on an empty or existing log and finish their catch-up
//   - A sends; both see message_new with the acked seq
//   - A resends the same client_offset; the ack is a duplicate and nobody sees it again
//   - B pages history and finds the message
//   - C joins with last_seq = seq-1 and is replayed exactly that message
//   - A drops without a close frame, B sends, A resumes with its session id and
//     receives the held message without a replay (skipped with -recovery=false)
//
// Usage:
//
//	go run ./tools/scripts/ws-smoke.go -url ws://127.0.0.1:8080/ws -origin http://localhost
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"time"

	v1 "tidechat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type options struct {
	url      string
	origin   string
	text     string
	step     time.Duration
	recovery bool
	verbose  bool
}

func main() {
	var o options
	flag.StringVar(&o.url, "url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
	flag.StringVar(&o.origin, "origin", "http://localhost", "Origin header (empty to omit)")
	flag.StringVar(&o.text, "text", "hello tidechat 👋", "message content")
	flag.DurationVar(&o.step, "timeout", 7*time.Second, "per-step timeout")
	flag.BoolVar(&o.recovery, "recovery", true, "also check transport recovery")
	flag.BoolVar(&o.verbose, "v", false, "print each step")
	flag.Parse()

	if err := run(context.Background(), o); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	if u, err := url.Parse(o.url); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("-url must be ws:// or wss:// with a host, got %q", o.url)
	}
	logf := func(format string, args ...any) {
		if o.verbose {
			fmt.Printf(format+"\n", args...)
		}
	}

	a, err := connect(ctx, o, "A", hello{})
	if err != nil {
		return err
	}
	defer a.close()
	b, err := connect(ctx, o, "B", hello{})
	if err != nil {
		return err
	}
	defer b.close()
	logf("connected A=%s B=%s head=%d", a.sessionID, b.sessionID, b.lastSeq)

	offset := uuid.NewString()
	seq, err := a.send(ctx, o.text, offset, false)
	if err != nil {
		return err
	}
	// The sender's own message_new precedes its ack and was consumed by send.
	a.lastSeq = seq
	if err := b.expectMessage(ctx, seq, o.text); err != nil {
		return err
	}
	logf("sent seq=%d offset=%s", seq, offset)

	if _, err := a.send(ctx, o.text, offset, true); err != nil {
		return err
	}
	if err := b.expectSilence(ctx, v1.TypeMessageNew, 1200*time.Millisecond); err != nil {
		return err
	}
	logf("duplicate offset acknowledged without rebroadcast")

	if err := b.expectHistory(ctx, seq-1, seq, o.text); err != nil {
		return err
	}

	before := seq - 1
	c, err := connect(ctx, o, "C", hello{lastSeq: &before})
	if err != nil {
		return err
	}
	defer c.close()
	if c.replayed != 1 || c.lastSeq < seq {
		return fmt.Errorf("C: replayed=%d last_seq=%d, want 1 and >= %d", c.replayed, c.lastSeq, seq)
	}
	logf("late joiner replayed seq %d", seq)

	if o.recovery {
		if err := checkRecovery(ctx, o, a, b); err != nil {
			return err
		}
		logf("abrupt drop recovered")
	}

	fmt.Printf("OK: seq=%d client_offset=%s\n", seq, offset)
	return nil
}

func checkRecovery(ctx context.Context, o options, a, b *client) error {
	last := a.lastSeq
	_ = a.conn.CloseNow()

	// Give the server a moment to notice the dropped socket and park the session.
	time.Sleep(300 * time.Millisecond)

	seq, err := b.send(ctx, o.text+" (while away)", uuid.NewString(), false)
	if err != nil {
		return err
	}

	back, err := connect(ctx, o, "A'", hello{lastSeq: &last, sessionID: a.sessionID})
	if err != nil {
		return err
	}
	defer back.close()
	if !back.recovered {
		return errors.New("A': reconnect was not recovered (is TIDE_WS_RECOVERY_ENABLED off?)")
	}
	return back.expectMessage(ctx, seq, o.text+" (while away)")
}

type hello struct {
	lastSeq   *int64
	sessionID string
}

type client struct {
	name string
	conn *websocket.Conn
	step time.Duration

	// Filled by readLoop. A read context that expires would close the socket,
	// so deadlines are applied on the channel side.
	inbox   chan v1.Envelope
	readErr chan error

	sessionID string
	recovered bool
	lastSeq   int64
	replayed  int
}

// connect dials, says hello and consumes the catch-up. A recovered session has
// no catch-up phase.
func connect(ctx context.Context, o options, name string, h hello) (*client, error) {
	dctx, cancel := context.WithTimeout(ctx, o.step)
	defer cancel()

	header := http.Header{}
	if o.origin != "" {
		header.Set("Origin", o.origin)
	}
	conn, resp, err := websocket.Dial(dctx, o.url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%s: dial: %w", name, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("%s: subprotocol %q, want %q", name, sp, v1.Subprotocol)
	}
	conn.SetReadLimit(1 << 20)

	c := &client{
		name:    name,
		conn:    conn,
		step:    o.step,
		inbox:   make(chan v1.Envelope, 256),
		readErr: make(chan error, 1),
	}
	go c.readLoop()
	if err := c.write(ctx, v1.TypeHello, v1.HelloPayload{LastSeq: h.lastSeq, SessionID: h.sessionID}); err != nil {
		c.close()
		return nil, err
	}

	var ack v1.HelloAckPayload
	if err := c.expect(ctx, v1.TypeHelloAck, &ack); err != nil {
		c.close()
		return nil, err
	}
	if ack.SessionID == "" {
		c.close()
		return nil, fmt.Errorf("%s: hello_ack without session_id", name)
	}
	c.sessionID, c.recovered = ack.SessionID, ack.Recovered
	if c.recovered {
		if h.lastSeq != nil {
			c.lastSeq = *h.lastSeq
		}
		return c, nil
	}

	if err := c.catchUp(ctx, h.lastSeq); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *client) catchUp(ctx context.Context, lastSeq *int64) error {
	var floor int64
	if lastSeq != nil {
		floor = *lastSeq
	}
	for {
		env, err := c.next(ctx)
		if err != nil {
			return err
		}
		switch env.Type {
		case v1.TypeMessageNew:
			var m v1.MessageNewPayload
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				return fmt.Errorf("%s: replay payload: %w", c.name, err)
			}
			if m.Seq <= floor {
				return fmt.Errorf("%s: replayed seq %d not after %d", c.name, m.Seq, floor)
			}
			floor = m.Seq
			c.replayed++
		case v1.TypeResyncDone:
			var d v1.ResyncDonePayload
			if err := json.Unmarshal(env.Payload, &d); err != nil {
				return fmt.Errorf("%s: resync_done payload: %w", c.name, err)
			}
			if !d.Complete || d.Replayed != c.replayed {
				return fmt.Errorf("%s: resync_done %+v after %d replayed", c.name, d, c.replayed)
			}
			c.lastSeq = d.LastSeq
			return nil
		case v1.TypeNotice:
		default:
			return fmt.Errorf("%s: %q during catch-up", c.name, env.Type)
		}
	}
}

func (c *client) send(ctx context.Context, text, offset string, wantDuplicate bool) (int64, error) {
	if err := c.write(ctx, v1.TypeMessageSend, v1.MessageSendPayload{Content: text, ClientOffset: offset}); err != nil {
		return 0, err
	}
	var ack v1.MessageAckPayload
	if err := c.expect(ctx, v1.TypeMessageAck, &ack, v1.TypeMessageNew); err != nil {
		return 0, err
	}
	switch {
	case ack.Status != v1.AckAcknowledged:
		return 0, fmt.Errorf("%s: ack status %q reason %q", c.name, ack.Status, ack.Reason)
	case ack.ClientOffset != offset:
		return 0, fmt.Errorf("%s: ack for offset %q, sent %q", c.name, ack.ClientOffset, offset)
	case ack.Duplicate != wantDuplicate:
		return 0, fmt.Errorf("%s: ack duplicate=%v, want %v", c.name, ack.Duplicate, wantDuplicate)
	case !wantDuplicate && ack.Seq <= 0:
		return 0, fmt.Errorf("%s: ack without seq", c.name)
	}
	return ack.Seq, nil
}

func (c *client) expectMessage(ctx context.Context, seq int64, text string) error {
	var m v1.MessageNewPayload
	if err := c.expect(ctx, v1.TypeMessageNew, &m); err != nil {
		return err
	}
	if m.Seq != seq || m.Content != text || m.Replay {
		return fmt.Errorf("%s: message_new %+v, want live seq %d %q", c.name, m, seq, text)
	}
	c.lastSeq = seq
	return nil
}

func (c *client) expectHistory(ctx context.Context, after, seq int64, text string) error {
	if err := c.write(ctx, v1.TypeHistoryFetch, v1.HistoryFetchPayload{AfterSeq: after, Limit: 50}); err != nil {
		return err
	}
	var h v1.HistoryChunkPayload
	if err := c.expect(ctx, v1.TypeHistoryChunk, &h); err != nil {
		return err
	}
	if len(h.Messages) == 0 || h.Messages[0].Seq != seq || h.Messages[0].Content != text {
		return fmt.Errorf("%s: history after %d = %+v, want seq %d first", c.name, after, h.Messages, seq)
	}
	return nil
}

// expectSilence fails if an envelope of type typ arrives within wait.
func (c *client) expectSilence(ctx context.Context, typ string, wait time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		env, err := c.read(wctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			return err
		}
		if env.Type == typ {
			return fmt.Errorf("%s: unexpected %s", c.name, typ)
		}
	}
}

// expect reads until an envelope of type want, decoding its payload into dst.
// Notices and the listed types are skipped; anything else is an error.
func (c *client) expect(ctx context.Context, want string, dst any, skip ...string) error {
	for {
		env, err := c.next(ctx)
		if err != nil {
			return fmt.Errorf("%s: waiting for %s: %w", c.name, want, err)
		}
		if env.Type == want {
			if err := json.Unmarshal(env.Payload, dst); err != nil {
				return fmt.Errorf("%s: %s payload: %w", c.name, want, err)
			}
			return nil
		}
		if env.Type == v1.TypeNotice || slices.Contains(skip, env.Type) {
			continue
		}
		return fmt.Errorf("%s: got %s while waiting for %s", c.name, env.Type, want)
	}
}

// next reads one envelope within the step timeout and turns server errors into errors.
func (c *client) next(ctx context.Context) (v1.Envelope, error) {
	sctx, cancel := context.WithTimeout(ctx, c.step)
	defer cancel()
	env, err := c.read(sctx)
	if err != nil {
		return env, err
	}
	if env.Type == v1.TypeError {
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return env, fmt.Errorf("server error %s: %s", p.Code, p.Message)
	}
	return env, nil
}

func (c *client) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err == nil {
			var env v1.Envelope
			if err = json.Unmarshal(data, &env); err == nil {
				err = env.Validate()
			}
			if err == nil {
				c.inbox <- env
				continue
			}
			err = fmt.Errorf("bad envelope: %w", err)
		}
		c.readErr <- err
		return
	}
}

func (c *client) read(ctx context.Context) (v1.Envelope, error) {
	select {
	case env := <-c.inbox:
		return env, nil
	case err := <-c.readErr:
		c.readErr <- err
		return v1.Envelope{}, fmt.Errorf("connection: %w", err)
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (c *client) write(ctx context.Context, typ string, payload any) error {
	p, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: p,
	})
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, c.step)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("%s: write %s: %w", c.name, typ, err)
	}
	return nil
}

func (c *client) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
}
