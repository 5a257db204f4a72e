package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/apiserver"
	"github.com/notifyhub/notifyhub/internal/common/config"
	"github.com/notifyhub/notifyhub/internal/fanout/cleanup"
	"github.com/notifyhub/notifyhub/internal/fanout/dispatch"
	"github.com/notifyhub/notifyhub/internal/fanout/registry"
	"github.com/notifyhub/notifyhub/internal/fanout/store"
	"github.com/notifyhub/notifyhub/internal/transport"
	"github.com/notifyhub/notifyhub/pkg/logger"
	"github.com/notifyhub/notifyhub/pkg/metrics"
	"github.com/notifyhub/notifyhub/pkg/version"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of notifyhub",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("notifyhub version %s\n", version.Get())
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the notifyhub server",
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}

	rootCmd = &cobra.Command{
		Use:   "notifyhub",
		Short: "Push notification fanout server",
		Long:  `notifyhub routes published messages to registered subscriber sessions and records every delivery attempt`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "", "path to configuration file")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("NOTIFYHUB_CONF"); envPath != "" {
		return envPath
	}
	return ""
}

func run() {
	// Load configuration
	var (
		cfg *config.Config
		err error
	)
	if path := getConfigPath(); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	} else {
		cfg = config.Default()
	}

	// Initialize logger
	zapLogger, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = zapLogger.Sync()
	}()

	zapLogger.Info("Starting notifyhub", zap.String("version", version.Get()))

	// Initialize storage
	st, err := store.NewStore(zapLogger, &cfg.Storage)
	if err != nil {
		zapLogger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer func() {
		_ = st.Close()
	}()

	// Initialize transport
	tr, err := transport.NewTransport(zapLogger, &cfg.Transport)
	if err != nil {
		zapLogger.Fatal("Failed to initialize transport", zap.Error(err))
	}

	m := metrics.New(cfg.Metrics)

	reg := registry.NewService(zapLogger, st)
	disp := dispatch.NewDispatcher(zapLogger, st, tr, cfg.Notifications.MessageLengthLimit, m)

	// Start the cleanup job
	job := cleanup.NewJob(zapLogger, st, &cfg.Notifications, m)
	if err := job.Start(); err != nil {
		zapLogger.Fatal("Failed to start cleanup job", zap.Error(err))
	}
	defer job.Stop()

	// Initialize router
	h := apiserver.NewHandler(zapLogger, reg, disp, st, cfg.Notifications.HistoryPageSize)
	router := apiserver.NewRouter(cfg, h, m)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	// Start server
	go func() {
		zapLogger.Info("Server listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server")

	// Shutdown server
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Failed to shutdown server", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
