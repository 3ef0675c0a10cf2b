package realtime

import (
	"context"
	"sync"

	v1 "tidechat/shared/contracts/realtime/v1"
)

// Client is one connected websocket and the Outbound side of its session.
//
// Design notes:
//   - Send is never closed by the server.
//   - done is used to signal goroutines to stop; evicted asks the gateway to drop the socket.
//   - Close and Evict are idempotent.
type Client struct {
	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	evicted     chan struct{}
	evictOnce   sync.Once
	evictReason string
}

var _ Outbound = (*Client)(nil)

// NewClient constructs a Client with a bounded send queue.
func NewClient(sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		Send:    make(chan v1.Envelope, sendQueueSize),
		done:    make(chan struct{}),
		evicted: make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Evicted is closed once the session core asked for this connection to be dropped.
func (c *Client) Evicted() <-chan struct{} { return c.evicted }

// EvictReason is valid after Evicted is closed.
func (c *Client) EvictReason() string {
	<-c.evicted
	return c.evictReason
}

// Evict implements Outbound.
func (c *Client) Evict(reason string) {
	c.evictOnce.Do(func() {
		c.evictReason = reason
		close(c.evicted)
	})
}

// Deliver implements Outbound: a live message_new, never blocking.
func (c *Client) Deliver(m Message) bool {
	return c.offer(messageEnvelope(m))
}

// Replay implements Outbound: a replayed message_new, waiting for queue space.
func (c *Client) Replay(ctx context.Context, m Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return context.Canceled
	case <-c.evicted:
		return context.Canceled
	case c.Send <- messageEnvelope(m):
		return nil
	}
}

// ResyncDone implements Outbound.
func (c *Client) ResyncDone(r ResyncReport) bool {
	if r.Skipped {
		return true
	}
	return c.offer(newEnvelope(v1.TypeResyncDone, v1.ResyncDonePayload{
		Replayed: r.Replayed,
		LastSeq:  r.LastSeq,
		Complete: r.Complete,
	}))
}

// Announce implements Outbound.
func (c *Client) Announce(text string) bool {
	return c.offer(newEnvelope(v1.TypeNotice, v1.NoticePayload{Text: text}))
}

// offer enqueues without blocking.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

func messageEnvelope(m Message) v1.Envelope {
	return newEnvelope(v1.TypeMessageNew, v1.MessageNewPayload{Seq: m.Seq, Content: m.Content, Replay: m.Replay})
}
