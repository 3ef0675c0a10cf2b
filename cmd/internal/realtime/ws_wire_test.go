package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	v1 "tidechat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	env := newEnvelope(v1.TypeMessageNew, v1.MessageNewPayload{Seq: 7, Content: "hi"})
	require.NoError(t, env.Validate())
	assert.Equal(t, v1.Version, env.V)
	assert.NotEmpty(t, env.ID)

	var p v1.MessageNewPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, int64(7), p.Seq)
	assert.Equal(t, "hi", p.Content)
}

func TestEndForReadErr(t *testing.T) {
	t.Parallel()

	live := context.Background()
	gone, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name     string
		ctx      context.Context
		err      error
		fatal    bool
		code     websocket.StatusCode
		abnormal bool
	}{
		{name: "bad frame", ctx: live, err: fmt.Errorf("%w: unexpected end of JSON input", errBadFrame), fatal: false},
		{name: "peer close", ctx: live, err: websocket.CloseError{Code: websocket.StatusNormalClosure}, fatal: true, code: websocket.StatusNormalClosure},
		{name: "server shutdown", ctx: gone, err: context.Canceled, fatal: true, code: websocket.StatusNormalClosure},
		{name: "idle", ctx: live, err: fmt.Errorf("read: %w", context.DeadlineExceeded), fatal: true, code: websocket.StatusGoingAway, abnormal: true},
		{name: "dropped", ctx: live, err: io.EOF, fatal: true, code: websocket.StatusAbnormalClosure, abnormal: true},
	}
	for _, tc := range cases {
		end, fatal := endForReadErr(tc.ctx, tc.err)
		assert.Equal(t, tc.fatal, fatal, tc.name)
		if !tc.fatal {
			continue
		}
		assert.Equal(t, tc.code, end.code, tc.name)
		assert.Equal(t, tc.abnormal, end.abnormal, tc.name)
		assert.NotEmpty(t, end.reason, tc.name)
	}
}
