package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	appLog "calmirror/internal/log"
	"calmirror/internal/web"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background sync scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config if set)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"database", cfg.Database.Path,
		"caldav_endpoint", cfg.CalDAV.Endpoint,
		"sync_interval_minutes", cfg.Sync.IntervalMinutes,
		"auto_connect", cfg.Sync.AutoConnect,
		"basic_auth", cfg.BasicAuthEnabled(),
	)

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	srv := web.NewServer(cfg, a.engine, a.sched)
	runErr := srv.Run(ctx)
	if runErr != nil {
		appLog.Error("http server failed", runErr)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := a.sched.Stop(stopCtx); err != nil {
		appLog.Warn("scheduler did not stop cleanly", "error", err.Error())
	}

	appLog.Info("calmirror exiting")
	return runErr
}
