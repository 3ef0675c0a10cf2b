package realtime

import (
	"context"
	"errors"
)

// Message is one accepted log record on its way to a session.
type Message struct {
	Seq     int64
	Content string
	// Replay marks records delivered by the resync engine rather than live fanout.
	Replay bool
}

// Outbound is the transport side of one session.
//
// Deliver, ResyncDone and Announce must not block: they are called while the
// session (and for Deliver, the publish path) is locked. Replay may block until
// the transport has room or ctx is done.
type Outbound interface {
	// Deliver hands a live message to the transport. False means the transport
	// cannot keep up and the session will be evicted.
	Deliver(m Message) bool
	// Replay hands a catch-up message to the transport, waiting for queue space.
	Replay(ctx context.Context, m Message) error
	// ResyncDone reports the end of catch-up. It precedes every live delivery.
	ResyncDone(r ResyncReport) bool
	// Announce delivers a best-effort system notice.
	Announce(text string) bool
	// Evict asks the transport to drop the connection.
	Evict(reason string)
}

// Eviction reasons.
const (
	EvictSlowConsumer   = "slow_consumer"
	EvictResyncOverrun  = "resync_overrun"
	EvictMailboxOverrun = "mailbox_overrun"
)

// ErrSessionEvicted is returned by Connect when the transport fell behind during resync.
var ErrSessionEvicted = errors.New("realtime: session evicted")
