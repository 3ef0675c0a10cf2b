package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"tidechat/cmd/internal/app"
	"tidechat/cmd/internal/chatlog"

	"github.com/spf13/cobra"
)

type tailOptions struct {
	After    int64
	Limit    int
	Follow   bool
	Interval time.Duration
	JSON     bool
}

func newLogCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the message log",
	}
	cmd.AddCommand(newLogTailCommand(opts), newLogHeadCommand(opts))
	return cmd
}

func newLogTailCommand(opts *rootOptions) *cobra.Command {
	var (
		logURL string
		to     tailOptions
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print records from the message log",
		Long: `Print records with a sequence number greater than --after, oldest first.

Pebble logs are locked by a running server; stop it first or tail a SQLite or
Postgres log instead.

Examples:
  tidechat log tail --log-url sqlite:./chat.db
  tidechat log tail --after 120 --limit 20
  tidechat log tail --follow --json | jq .content`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if to.After < 0 {
				return errors.New("--after must not be negative")
			}
			st, err := openStoreForCLI(cmd, opts, logURL)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			return tailLog(cmd.Context(), st.Log, cmd.OutOrStdout(), to)
		},
	}

	cmd.Flags().StringVar(&logURL, "log-url", "", "message log location (env: TIDE_LOG_URL)")
	cmd.Flags().Int64Var(&to.After, "after", 0, "print records after this sequence number")
	cmd.Flags().IntVarP(&to.Limit, "limit", "n", 0, "stop after this many records (0 = no limit)")
	cmd.Flags().BoolVarP(&to.Follow, "follow", "f", false, "keep polling for new records")
	cmd.Flags().DurationVar(&to.Interval, "interval", time.Second, "poll interval in follow mode")
	cmd.Flags().BoolVar(&to.JSON, "json", false, "print one JSON object per record")
	return cmd
}

func newLogHeadCommand(opts *rootOptions) *cobra.Command {
	var logURL string

	cmd := &cobra.Command{
		Use:   "head",
		Short: "Print the highest assigned sequence number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStoreForCLI(cmd, opts, logURL)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			head, err := st.Log.Head(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), head)
			return err
		},
	}
	cmd.Flags().StringVar(&logURL, "log-url", "", "message log location (env: TIDE_LOG_URL)")
	return cmd
}

func openStoreForCLI(cmd *cobra.Command, opts *rootOptions, logURL string) (*app.Store, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-url") {
		cfg.LogURL = logURL
	}

	// Diagnostics go to stderr so stdout stays pipeable.
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return app.OpenStore(cmd.Context(), cfg, log)
}

type tailRecord struct {
	Seq          int64     `json:"seq"`
	ClientOffset string    `json:"client_offset,omitempty"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// tailLog streams records after o.After to w. In follow mode it polls until ctx ends.
func tailLog(ctx context.Context, l chatlog.Log, w io.Writer, o tailOptions) error {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}

	enc := json.NewEncoder(w)
	after := o.After
	printed := 0

	for {
		for rec, err := range l.ReadFrom(ctx, after) {
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if o.Limit > 0 && printed >= o.Limit {
				return nil
			}

			if o.JSON {
				err = enc.Encode(tailRecord{Seq: rec.Seq, ClientOffset: rec.ClientOffset, Content: rec.Content, CreatedAt: rec.CreatedAt})
			} else {
				_, err = fmt.Fprintf(w, "%d\t%s\t%s\n", rec.Seq, rec.CreatedAt.UTC().Format(time.RFC3339), rec.Content)
			}
			if err != nil {
				return err
			}

			after = rec.Seq
			printed++
		}

		if !o.Follow || (o.Limit > 0 && printed >= o.Limit) {
			return nil
		}

		t := time.NewTimer(o.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
