package realtime

import "time"

// GatewayConfig tunes the WebSocket gateway. Durations and sizes left at zero
// take the values of DefaultGatewayConfig.
type GatewayConfig struct {
	OriginRequired bool `yaml:"origin_required"`
	// AllowedOrigins is a comma separated allowlist; "*" allows any origin.
	AllowedOrigins string `yaml:"allowed_origins"`
	// DevInsecure skips websocket.Accept's origin verification. Local use only.
	DevInsecure bool `yaml:"dev_insecure"`

	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ReadIdleTimeout time.Duration `yaml:"read_idle_timeout"`
	HelloTimeout    time.Duration `yaml:"hello_timeout"`
	SendQueue       int           `yaml:"send_queue"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	RateEvents int           `yaml:"rate_events"`
	RateWindow time.Duration `yaml:"rate_window"`

	RecoveryEnabled bool          `yaml:"recovery_enabled"`
	RecoveryWindow  time.Duration `yaml:"recovery_window"`
	RecoveryMailbox int           `yaml:"recovery_mailbox"`
}

// DefaultGatewayConfig requires an Origin header and allows localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: "http://localhost,http://127.0.0.1",

		WriteTimeout:    wsDefaultWriteTimeout,
		ReadIdleTimeout: wsDefaultReadIdle,
		HelloTimeout:    wsDefaultHelloTimeout,
		SendQueue:       wsDefaultSendQueueSize,

		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,

		RateEvents: rateLimitEvents,
		RateWindow: rateLimitWindow,

		RecoveryEnabled: true,
		RecoveryWindow:  defaultRecoveryWindow,
		RecoveryMailbox: defaultRecoveryMailbox,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()

	c.WriteTimeout = positiveOr(c.WriteTimeout, d.WriteTimeout)
	c.ReadIdleTimeout = positiveOr(c.ReadIdleTimeout, d.ReadIdleTimeout)
	c.HelloTimeout = positiveOr(c.HelloTimeout, d.HelloTimeout)
	c.SendQueue = max(positiveOr(c.SendQueue, d.SendQueue), wsMinSendQueueSize)

	c.HeartbeatInterval = positiveOr(c.HeartbeatInterval, d.HeartbeatInterval)
	c.HeartbeatTimeout = positiveOr(c.HeartbeatTimeout, d.HeartbeatTimeout)

	c.RateEvents = positiveOr(c.RateEvents, d.RateEvents)
	c.RateWindow = positiveOr(c.RateWindow, d.RateWindow)

	c.RecoveryWindow = positiveOr(c.RecoveryWindow, d.RecoveryWindow)
	c.RecoveryMailbox = positiveOr(c.RecoveryMailbox, d.RecoveryMailbox)
	return c
}

// recoveryWindow is zero when recovery is disabled.
func (c GatewayConfig) recoveryWindow() time.Duration {
	if !c.RecoveryEnabled {
		return 0
	}
	return c.RecoveryWindow
}

func positiveOr[T ~int | ~int64](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
