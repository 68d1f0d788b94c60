package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/pageorder/internal/config"
	"github.com/MeKo-Tech/pageorder/internal/jobs"
	"github.com/MeKo-Tech/pageorder/internal/retention"
	"github.com/MeKo-Tech/pageorder/internal/server"
	"github.com/MeKo-Tech/pageorder/internal/version"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for reorder jobs",
	Long: `Start an HTTP server that accepts PDF uploads and reorders them in the background.

The server provides the following endpoints:
  POST /jobs               - Upload a PDF (multipart field "pdf") and start a job
  GET  /jobs               - List jobs
  GET  /jobs/{id}          - Job status and progress
  GET  /jobs/{id}/events   - Progress as server-sent events
  GET  /jobs/{id}/ws       - Progress over WebSocket
  GET  /jobs/{id}/result   - Page order of a finished job
  GET  /jobs/{id}/document - Reordered PDF
  GET  /history            - Recent runs
  GET  /health             - Health check endpoint
  GET  /metrics            - Prometheus metrics

Examples:
  pageorder serve
  pageorder serve --port 8080
  pageorder serve --host 0.0.0.0 --port 3000`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int("max-upload-size", 50, "maximum upload size in MB")
	serveCmd.Flags().Int("max-jobs", 2, "maximum number of jobs processed at once")
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "time to let running jobs finish on shutdown")
}

// applyServeFlags copies changed flags over the configuration.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-upload-size") {
		cfg.Server.MaxUploadMB, _ = flags.GetInt("max-upload-size")
	}
	if flags.Changed("max-jobs") {
		cfg.Server.MaxConcurrentJobs, _ = flags.GetInt("max-jobs")
	}
	if flags.Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout, _ = flags.GetDuration("shutdown-timeout")
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	logger := slog.Default()

	for _, dir := range []string{cfg.Storage.UploadDir, cfg.Storage.ArchiveDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create storage directory: %w", err)
		}
	}

	st, err := buildStack(cfg, stackOptions{}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	manager := jobs.NewManager(st.service, cfg.Server.MaxConcurrentJobs, logger)

	serverConfig := server.Config{
		CORSOrigin:       cfg.Server.CORSOrigin,
		MaxUploadMB:      int64(cfg.Server.MaxUploadMB),
		UploadDir:        cfg.Storage.UploadDir,
		ProgressInterval: cfg.Server.ProgressInterval,
		Version:          version.Version,
		Logger:           logger,
	}
	pruners := []retention.Pruner{manager}
	var apiServer *server.Server
	if st.history != nil {
		apiServer, err = server.NewServer(serverConfig, manager, st.history)
		pruners = append(pruners, st.history)
	} else {
		apiServer, err = server.NewServer(serverConfig, manager, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := retention.New(retention.Config{
		Dirs:     []string{cfg.Storage.UploadDir, cfg.Storage.ArchiveDir},
		MaxAge:   cfg.Storage.Retention,
		Interval: cfg.Storage.SweepInterval,
		Pruners:  pruners,
		Logger:   logger,
	})
	go sweeper.Run(ctx)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		// No write timeout: progress streams stay open for the whole job.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("Starting pageorder server", "addr", addr, "max_jobs", cfg.Server.MaxConcurrentJobs)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}

	logger.Info("Starting graceful shutdown", "timeout", cfg.Server.ShutdownTimeout.String())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop taking uploads first, then let running jobs finish.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	} else {
		logger.Info("HTTP server shutdown completed")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Jobs cancelled at shutdown", "error", err)
	}
	cancel()

	logger.Info("Graceful shutdown completed")
	return nil
}
