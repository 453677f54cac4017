// fcsd is the FCS file upload and analysis server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fcsvault/fcsd/internal/api"
	"github.com/fcsvault/fcsd/internal/auth"
	"github.com/fcsvault/fcsd/internal/config"
	"github.com/fcsvault/fcsd/internal/fcs"
	"github.com/fcsvault/fcsd/internal/metrics"
	"github.com/fcsvault/fcsd/internal/stats"
	"github.com/fcsvault/fcsd/internal/storage"
	"github.com/fcsvault/fcsd/internal/sweep"
	"github.com/fcsvault/fcsd/internal/task"
	"github.com/fcsvault/fcsd/internal/upload"
	"github.com/fcsvault/fcsd/internal/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	tokenUser   string
	tokenScopes string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fcsd",
		Short: "fcsd - chunked FCS file upload and analysis server",
		Long: `fcsd receives flow cytometry files through resumable chunked uploads,
tracks every upload and analysis job as a pollable task, and computes
per-parameter statistics over finalized files.

Examples:
  # Start the server
  fcsd serve --config /etc/fcsd/config.yaml

  # Run one cleanup pass over expired sessions and orphaned temp files
  fcsd sweep --config /etc/fcsd/config.yaml

  # Issue an API token
  fcsd token --user alice --scopes fcs:write,fcs:analyze`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fcsd server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry and orphan sweep, then exit",
		RunE:  runSweep,
	}
	rootCmd.AddCommand(sweepCmd)

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		RunE:  runToken,
	}
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id the token identifies")
	tokenCmd.Flags().StringVar(&tokenScopes, "scopes", auth.ScopeWrite+","+auth.ScopeAnalyze, "comma-separated token scopes")
	rootCmd.AddCommand(tokenCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fcsd %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func loadConfig() (*config.ServerConfig, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadServerConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := task.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	files, err := storage.NewChunkStore(cfg.DataDir)
	if err != nil {
		return err
	}

	m := metrics.InitMetrics()
	queue := worker.NewQueue(log.Logger, cfg.Worker.Concurrency)

	coordinator := upload.NewCoordinator(store, files, queue, m, log.Logger, cfg.Upload)
	finalizer := upload.NewFinalizer(store, files, fcs.FlowParser{}, m, log.Logger)
	cache := stats.NewCache(store.DB())
	statsSvc := stats.NewService(store, cache, queue, m, log.Logger, cfg.SamplePath)

	queue.Register(task.KindUpload, finalizer.Run)
	queue.Register(task.KindStatistics, statsSvc.Run)
	queue.Start()
	defer queue.Stop()

	sweepInterval, err := time.ParseDuration(cfg.Sweep.Interval)
	if err != nil {
		return fmt.Errorf("invalid sweep interval: %w", err)
	}
	sweeper := sweep.NewSweeper(store, files, m, log.Logger, sweepInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Run(ctx)

	verifier := auth.NewVerifier(cfg.AuthSecret)
	server := api.NewServer(cfg, verifier, coordinator, statsSvc, store, files, log.Logger)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Str("version", Version).Msg("fcsd started")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := task.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	files, err := storage.NewChunkStore(cfg.DataDir)
	if err != nil {
		return err
	}

	m := metrics.InitMetrics()
	sweeper := sweep.NewSweeper(store, files, m, log.Logger, time.Minute)
	sweeper.Sweep(context.Background())
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if tokenUser == "" {
		return fmt.Errorf("--user is required")
	}

	verifier := auth.NewVerifier(cfg.AuthSecret)
	token, err := verifier.IssueToken(tokenUser, strings.Split(tokenScopes, ","))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
