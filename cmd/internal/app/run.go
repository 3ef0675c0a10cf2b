package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the `tidechat serve` entrypoint.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run(ctx context.Context, cfg Config) error {
	log := NewLogger(cfg)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("app.init.fail", "err", err)
		return err
	}

	return a.Run(ctx)
}
