package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tvaisanen/m365-go/internal/auth"
	"github.com/tvaisanen/m365-go/internal/cachefile"
	"github.com/tvaisanen/m365-go/internal/config"
	"github.com/tvaisanen/m365-go/internal/transport"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
)

// httpClientTimeout is the default timeout for HTTP requests.
// Prevents hung connections from blocking CLI commands indefinitely.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "m365",
		Short:   "Microsoft 365 personal data client",
		Long:    "A CLI client for Microsoft Graph personal data, with persistent delegated credentials.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// buildLogger creates the CLI logger: text handler on a terminal, JSON
// otherwise, debug level with --verbose.
func buildLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// loadConfig resolves the effective configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	path := flagConfigPath
	if path == "" {
		var err error

		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	return config.Load(path)
}

// buildManager wires the credential manager from config. The composition
// root owns construction — nothing here is a lazily-created global.
func buildManager(cfg *config.Config, logger *slog.Logger) *auth.Manager {
	store := cachefile.NewStore(cfg.CachePath, logger)

	return auth.NewManager(cfg.ClientID, cfg.Tenant, cfg.Scopes, store, logger)
}

// buildClient wires the transport client on top of the credential manager.
func buildClient(cfg *config.Config, mgr *auth.Manager, logger *slog.Logger) *transport.Client {
	return transport.NewClient(cfg.BaseURL, defaultHTTPClient(), mgr, logger)
}

// exitOnError prints a user-friendly error message to stderr and exits.
// Credential errors get remediation instructions instead of raw detail.
func exitOnError(err error) {
	switch {
	case isAuthRemediable(err):
		fmt.Fprintf(os.Stderr, "Error: %v\nRun `m365 login` to sign in.\n", err)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	os.Exit(1)
}
