package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"khubot/internal/api"
	"khubot/internal/config"
	"khubot/internal/credential"
	"khubot/internal/session"
	"khubot/internal/shell"
	"khubot/internal/telemetry"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, loadErr := config.Load()
	var markdownStyle string

	root := &cobra.Command{
		Use:           "khubot",
		Short:         "Terminal client for the khubot assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return loadErr
			}
			return run(cmd.Context(), cfg, markdownStyle)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "khubot API base URL")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "HTTP request timeout")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite file holding the login credential")
	flags.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for log, trace and metric files")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flags.BoolVar(&cfg.Telemetry, "telemetry", cfg.Telemetry, "Export traces and metrics to the log directory")
	root.Flags().StringVar(&markdownStyle, "style", "dark", "Markdown style for replies (dark|light|notty|ascii)")

	root.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Forget the stored login credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return loadErr
			}
			store, err := credential.OpenSQLite(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			credential.NewJar(store, nil, telemetry.Discard()).Clear(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", telemetry.ServiceName, telemetry.ServiceVersion)
		},
	})

	return root
}

func run(ctx context.Context, cfg config.Config, markdownStyle string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	tracer, meter := telemetry.Noop()
	if cfg.Telemetry {
		var cleanup func()
		tracer, meter, cleanup, err = telemetry.InitTelemetry(ctx, cfg.LogDir)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer cleanup()
	}

	store, err := credential.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()
	jar := credential.NewJar(store, nil, logger)

	client, err := api.NewClient(api.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Tokens:  jar,
		Logger:  logger,
		Tracer:  tracer,
		Meter:   meter,
	})
	if err != nil {
		return fmt.Errorf("failed to create API client: %w", err)
	}

	sess := session.NewStore(client, jar, logger)
	if err := sess.Restore(ctx); err != nil {
		logger.Warn("session restore failed, continuing to login", "error", err)
	}

	markdown, err := shell.NewMarkdownRenderer(markdownStyle, 80)
	if err != nil {
		logger.Warn("markdown rendering disabled", "error", err)
		markdown = nil
	}

	opts := shell.Options{
		In:        os.Stdin,
		Out:       os.Stdout,
		Session:   sess,
		Transport: client,
		Logger:    logger,
		Meter:     meter,
		Styles:    shell.DefaultStyles(),
		Markdown:  markdown,
	}
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		// an interrupted password prompt must not leave echo off
		if state, err := term.GetState(fd); err == nil {
			defer func() { _ = term.Restore(fd, state) }()
		}
		opts.ReadPassword = func() (string, error) {
			b, err := term.ReadPassword(fd)
			return string(b), err
		}
	}

	sh, err := shell.New(opts)
	if err != nil {
		return err
	}
	client.OnUnauthorized(sh.Unauthorized)

	logger.Info("khubot started", "base_url", cfg.BaseURL, "authenticated", sess.IsAuthenticated())
	return sh.Run(ctx, shell.RouteRoot)
}
