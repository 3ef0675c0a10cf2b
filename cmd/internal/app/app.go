// Package app wires the tidechat server runtime: config, logging, the message log,
// HTTP routes, metrics and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"tidechat/cmd/internal/chatlog"
	"tidechat/cmd/internal/metrics"
	"tidechat/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the tidechat server runtime: it owns the log, the HTTP server and the gateway.
type App struct {
	cfg Config
	log Logger

	store    *Store
	metrics  *metrics.Registry
	svc      *realtime.Service
	ws       *realtime.WSGateway
	shutdown time.Duration
}

// Store is an opened message log plus the resources backing it.
type Store struct {
	Log      chatlog.Log
	Location chatlog.Location

	pool *pgxpool.Pool
}

// Close releases the log and, for postgres, the pool the app owns.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.Log != nil {
		err = s.Log.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// OpenStore opens the log named by cfg.LogURL.
//
// Ownership model:
//   - embedded backends own their files and are closed through Log.Close
//   - for postgres the Store owns the pool; PostgresLog.Close is a no-op
func OpenStore(ctx context.Context, cfg Config, log Logger) (*Store, error) {
	loc, err := chatlog.ParseLocation(cfg.LogURL)
	if err != nil {
		return nil, err
	}

	if loc.Backend != chatlog.BackendPostgres {
		l, err := chatlog.OpenLocal(loc)
		if err != nil {
			return nil, err
		}
		log.Info("store.open", "backend", string(loc.Backend), "location", loc.String(), "durable", loc.Durable())
		return &Store{Log: l, Location: loc}, nil
	}

	pool, err := NewDBPool(ctx, loc.URL, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: postgres pool: %w", err)
	}

	pl, err := chatlog.NewPostgresLog(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := pl.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: postgres schema: %w", err)
	}

	log.Info("store.open", "backend", string(loc.Backend), "location", loc.String(), "durable", true)
	return &Store{Log: pl, Location: loc, pool: pool}, nil
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg)
	}

	st, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	mcfg := metrics.DefaultConfig()
	mcfg.Enabled = cfg.MetricsEnabled
	mcfg.IncludeGoCollector = cfg.MetricsGoCollector
	mcfg.IncludeProcessCollector = cfg.MetricsGoCollector
	reg := metrics.NewRegistry(mcfg)

	svc, err := realtime.NewService(log, st.Log,
		realtime.WithMetrics(reg),
		realtime.WithBacklogLimit(cfg.ResyncBacklog),
		realtime.WithMaxContentChars(cfg.MaxMessageChars),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		metrics:  reg,
		svc:      svc,
		ws:       realtime.NewWSGateway(log, svc, reg, cfg.WS),
		shutdown: nonZeroDuration(cfg.ShutdownTimeout, 10*time.Second),
	}, nil
}

// Handler returns the full HTTP handler (routes plus middleware).
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.store, a.metrics, a.ws)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"store", a.store.Location.String(),
		"metrics", a.metrics != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdown)
	defer cancel()

	// Parked sessions have no connection for Shutdown to wait on.
	a.ws.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return "ws://" + httpURL
	}
}
