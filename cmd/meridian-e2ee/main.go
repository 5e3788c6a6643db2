package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/backend/internal/config"
	"github.com/meridianhq/meridian/backend/internal/database"
	"github.com/meridianhq/meridian/backend/internal/group"
	"github.com/meridianhq/meridian/backend/internal/keystore"
	"github.com/meridianhq/meridian/backend/internal/logging"
	"github.com/meridianhq/meridian/backend/internal/pairwise"
	"github.com/meridianhq/meridian/backend/internal/roomkey"
	"github.com/meridianhq/meridian/backend/internal/server"
	"github.com/meridianhq/meridian/backend/internal/todevice"
	"github.com/meridianhq/meridian/backend/internal/vault"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meridian-e2ee",
		Short: "Meridian end-to-end encryption service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("rotation-max-messages", defaults.GetInt("rotation.max_messages"), "Messages per group session before rotation")
	cmd.PersistentFlags().Int("rotation-max-age-seconds", defaults.GetInt("rotation.max_age_seconds"), "Group session lifetime in seconds")
	cmd.PersistentFlags().Int("todevice-ttl-seconds", defaults.GetInt("todevice.ttl_seconds"), "Queued event lifetime in seconds")
	cmd.PersistentFlags().Int("todevice-sweep-seconds", defaults.GetInt("todevice.sweep_seconds"), "Queue cleanup interval in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "rotation.max_messages", "rotation-max-messages")
	bindFlag(cmd, "rotation.max_age_seconds", "rotation-max-age-seconds")
	bindFlag(cmd, "todevice.ttl_seconds", "todevice-ttl-seconds")
	bindFlag(cmd, "todevice.sweep_seconds", "todevice-sweep-seconds")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	sealer, err := vault.NewFromHex(appConfig.MasterKeyHex)
	if err != nil {
		return err
	}
	defer sealer.Close()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := keystore.NewStore(keystore.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	pairwiseService, err := pairwise.NewService(pairwise.ServiceConfig{
		Store:  store,
		Vault:  sealer,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	groupService, err := group.NewService(group.ServiceConfig{
		Store: store,
		Vault: sealer,
		Policy: group.RotationPolicy{
			MaxMessages: appConfig.RotationMaxMessages,
			MaxAge:      appConfig.RotationMaxAge,
		},
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	queue, err := todevice.NewQueue(todevice.QueueConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
		TTL:      appConfig.QueueTTL,
	})
	if err != nil {
		return err
	}

	distributor, err := roomkey.NewDistributor(roomkey.DistributorConfig{
		Pairwise: pairwiseService,
		Queue:    queue,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Pairwise:    pairwiseService,
		Group:       groupService,
		Queue:       queue,
		Distributor: distributor,
		Notifier:    server.NewNotifier(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runQueueSweeper(signalCtx, queue, appConfig.QueueSweepInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runQueueSweeper(ctx context.Context, queue *todevice.Queue, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := queue.CleanupExpired(ctx); err != nil {
				logger.Warn("queue cleanup failed", zap.Error(err))
			}
		}
	}
}
