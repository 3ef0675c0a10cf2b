package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes).
	maxMessageChars = 4000
)

const (
	// Heartbeat defaults, see GatewayConfig.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

const (
	// Live messages a session may hold while its resync runs.
	defaultResyncBacklog = 1024

	// Transport recovery: how long a dropped session is kept, and how many live
	// messages it may collect meanwhile.
	defaultRecoveryWindow  = 2 * time.Minute
	defaultRecoveryMailbox = 512
)
