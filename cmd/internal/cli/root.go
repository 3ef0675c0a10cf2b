// Package cli is the tidechat command line: the server plus small operator tools.
package cli

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"tidechat/cmd/internal/app"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X tidechat/cmd/internal/cli.Version=...".
var Version = "dev"

type rootOptions struct {
	configPath string
}

// NewRootCommand builds the command tree. It holds no global state so tests can
// build as many trees as they need.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "tidechat",
		Short: "Broadcast chat server with a durable, replayable message log",
		Long: `tidechat serves a single broadcast chat room over WebSocket.

Every accepted message is appended to a durable log before it is fanned out, so
reconnecting clients catch up on exactly what they missed.

Configuration comes from (lowest to highest precedence) built-in defaults, the
YAML file named by --config or TIDE_CONFIG, a .env file, and TIDE_* variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"YAML config file (env: TIDE_CONFIG)")

	root.AddCommand(
		newServeCommand(opts),
		newLogCommand(opts),
		newVersionCommand(),
	)
	return root
}

func (o *rootOptions) load() (app.Config, error) {
	cfg, err := app.LoadConfig(o.configPath)
	if err != nil {
		return app.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		addr   string
		logURL string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if cmd.Flags().Changed("log-url") {
				cfg.LogURL = logURL
			}
			return app.Run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (env: TIDE_HTTP_ADDR)")
	cmd.Flags().StringVar(&logURL, "log-url", "", "message log location, e.g. sqlite:./chat.db (env: TIDE_LOG_URL)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	rev := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				rev = s.Value
			}
		}
	}
	_, _ = fmt.Fprintf(w, "tidechat %s (rev %s, %s %s/%s)\n", Version, rev, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
