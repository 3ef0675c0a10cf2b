package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "tidechat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// errBadFrame marks a frame that could not be decoded. The connection itself is fine.
var errBadFrame = errors.New("bad frame")

// newEnvelope wraps payload in a v1 envelope stamped now. Payloads are contract
// structs, which always marshal.
func newEnvelope(typ string, payload any) v1.Envelope {
	now := time.Now().UTC()
	id, _ := NewEnvelopeID(now)
	raw, _ := json.Marshal(payload)
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: now, Payload: raw}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	var env v1.Envelope
	_, data, err := conn.Read(ctx)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// readEnd is how a failed read closes the connection.
type readEnd struct {
	code     websocket.StatusCode
	reason   string
	abnormal bool
}

// endForReadErr maps a read failure onto a close. fatal is false for frames that
// merely failed to decode; reading continues after those.
func endForReadErr(connCtx context.Context, err error) (end readEnd, fatal bool) {
	switch {
	case errors.Is(err, errBadFrame):
		return readEnd{}, false
	case websocket.CloseStatus(err) != -1:
		return readEnd{websocket.StatusNormalClosure, "peer closed", false}, true
	case connCtx.Err() != nil:
		return readEnd{websocket.StatusNormalClosure, "context done", false}, true
	case errors.Is(err, context.DeadlineExceeded):
		return readEnd{websocket.StatusGoingAway, "read idle", true}, true
	default:
		return readEnd{websocket.StatusAbnormalClosure, "conn lost", true}, true
	}
}
