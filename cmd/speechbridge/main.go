// Command speechbridge runs the websocket relay gateway between streaming
// clients and the remote inference backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/halcyon-voice/speechbridge/internal/dotenv"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/config"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/creds"
	gatewayserver "github.com/halcyon-voice/speechbridge/pkg/gateway/server"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	newServer    func(config.Config, *slog.Logger, *creds.Refresher) *gatewayserver.Server
	newRefresher func(config.Config, *slog.Logger) *creds.Refresher
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		newServer:  gatewayserver.New,
		newRefresher: func(cfg config.Config, logger *slog.Logger) *creds.Refresher {
			return creds.NewRefresher(logger, creds.NewAmbientProvider(cfg.Region), nil)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func logLevel(cfg config.Config) slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newServer == nil {
		return errors.New("missing newServer dependency")
	}
	if deps.newRefresher == nil {
		return errors.New("missing newRefresher dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	refreshCtx, refreshCancel := context.WithCancel(ctx)
	defer refreshCancel()
	refresher := deps.newRefresher(cfg, logger)

	// Server construction attaches the metrics registry, so Start comes after.
	gw := deps.newServer(cfg, logger, refresher)
	if refresher != nil {
		refresher.Start(refreshCtx)
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting relay gateway",
		"addr", cfg.Addr, "region", cfg.Region, "backend_set", cfg.BackendURL != "")

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitSessions(waitCtx) {
		canceled := gw.CancelSessions()
		logger.Warn("grace period elapsed; canceled remaining sessions", "count", canceled)
	}

	refreshCancel()
	if refresher != nil {
		<-refresher.Done()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "speechbridge: %v\n", err)
		return 1
	}

	level := slog.LevelInfo
	if cfg, err := config.LoadFromEnv(); err == nil {
		level = logLevel(cfg)
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "speechbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
