package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openlist/assetengine/internal/apiserver"
	"github.com/openlist/assetengine/internal/scheduler"
)

var (
	serveListen    string
	serveAutostart bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a daemon with an HTTP control plane",
		Long: `Run the engine as a long-lived process. The HTTP server exposes health,
status, metrics, asset reads, and update-cycle control.

By default, the server listens on the address configured in the config file
(default: 127.0.0.1:8080). Use --listen to override.`,
		Example: `  assetengine serve
  assetengine serve --listen 127.0.0.1:9000
  assetengine serve --autostart`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")
	cmd.Flags().BoolVar(&serveAutostart, "autostart", false, "begin a background update cycle on startup")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalScheduler == nil {
		return fmt.Errorf("engine not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	logger.Info("server starting", "listen", listen, "data_dir", globalCfg.Server.DataDir)

	srv := apiserver.New(globalGet, globalScheduler, globalSource, globalCache, globalPromReg, logger)
	srv.SetVersion(version)

	if serveAutostart {
		globalScheduler.UpdateStart(context.Background(), scheduler.StartOptions{
			Delay: time.Duration(globalCfg.Update.AssetDelaySeconds) * time.Second,
			Auto:  globalCfg.Update.Auto,
		})
	}

	errChan := make(chan error, 1)
	go func() {
		fmt.Printf("Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
		fmt.Println("\nShutting down server...")

		globalScheduler.UpdateStop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		fmt.Println("Server stopped gracefully")
	}

	return nil
}
