package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tatamilabs/dojosync/internal/comments"
	"github.com/tatamilabs/dojosync/internal/config"
	"github.com/tatamilabs/dojosync/internal/database"
	"github.com/tatamilabs/dojosync/internal/interactions"
	"github.com/tatamilabs/dojosync/internal/logging"
	"github.com/tatamilabs/dojosync/internal/media"
	"github.com/tatamilabs/dojosync/internal/queue"
	"github.com/tatamilabs/dojosync/internal/remote"
	"github.com/tatamilabs/dojosync/internal/server"
	"github.com/tatamilabs/dojosync/internal/store"
	"github.com/tatamilabs/dojosync/internal/syncer"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dojosyncd",
		Short: "Offline sync engine for the dojo content app",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Loopback API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.url"), "Hosted service base URL")
	cmd.PersistentFlags().String("remote-api-key", "", "Hosted service API key (overrides env)")
	cmd.PersistentFlags().String("access-token", "", "Session access token (overrides env)")
	cmd.PersistentFlags().String("media-dir", defaults.GetString("media.dir"), "Media cache directory")
	cmd.PersistentFlags().Int64("media-max-bytes", defaults.GetInt64("media.max_bytes"), "Media cache size budget in bytes")
	cmd.PersistentFlags().Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Periodic drain interval in seconds")
	cmd.PersistentFlags().Bool("unmetered", defaults.GetBool("network.unmetered"), "Treat the network link as unmetered")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.url", "remote-url")
	bindFlag(cmd, "remote.api_key", "remote-api-key")
	bindFlag(cmd, "remote.access_token", "access-token")
	bindFlag(cmd, "media.dir", "media-dir")
	bindFlag(cmd, "media.max_bytes", "media-max-bytes")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "network.unmetered", "unmetered")
	bindFlag(cmd, "log.level", "log-level")
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

func runEngine(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	remoteClient, err := remote.NewRESTClient(remote.RESTClientConfig{
		BaseURL: appConfig.RemoteURL,
		APIKey:  appConfig.RemoteAPIKey,
		Timeout: appConfig.RequestTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if appConfig.AccessToken != "" {
		if err := remoteClient.SetAccessToken(appConfig.AccessToken); err != nil {
			logger.Warn("access token rejected, starting signed out", zap.Error(err))
		}
	}

	feedURL, err := realtimeURL(appConfig.RemoteURL, appConfig.RealtimePath)
	if err != nil {
		return err
	}
	feed := remote.NewFeed(remote.FeedConfig{
		URL:    feedURL,
		APIKey: appConfig.RemoteAPIKey,
		Logger: logger,
	})

	ids := queue.NewUUIDProvider()

	contentStore, err := store.NewStore(store.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	operationQueue, err := queue.NewQueue(queue.ServiceConfig{
		Database:    db,
		IDProvider:  ids,
		Logger:      logger,
		Limit:       appConfig.QueueLimit,
		RetryBudget: appConfig.RetryBudget,
	})
	if err != nil {
		return err
	}
	commentService, err := comments.NewService(comments.ServiceConfig{
		Database:   db,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	mediaCache, err := media.NewCache(media.CacheConfig{
		Database:   db,
		Directory:  appConfig.MediaDir,
		Downloader: remoteClient,
		Connected:  remoteClient.Connected,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err := syncer.New(syncer.Config{
		Remote:         remoteClient,
		Feed:           feed,
		Store:          contentStore,
		Queue:          operationQueue,
		Comments:       commentService,
		Media:          mediaCache,
		Logger:         logger,
		Interval:       appConfig.SyncInterval,
		PrefetchImages: appConfig.PrefetchImages,
		UnmeteredLink:  appConfig.UnmeteredLink,
		MediaBudget:    appConfig.MediaBudget,
	})
	if err != nil {
		return err
	}

	interactionService, err := interactions.NewService(interactions.ServiceConfig{
		Remote:     remoteClient,
		Store:      contentStore,
		Queue:      operationQueue,
		Comments:   commentService,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	orchestrator.SetNotifier(interactionService)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Interactions: interactionService,
		Orchestrator: orchestrator,
		Queue:        operationQueue,
		Media:        mediaCache,
		Remote:       remoteClient,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go feed.Run(runCtx)
	go orchestrator.Run(runCtx)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("loopback API listening", zap.String("address", appConfig.HTTPAddress))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	logger.Info("engine stopped")
	return nil
}

// realtimeURL derives the websocket endpoint from the REST base URL.
func realtimeURL(baseURL, path string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + path
	return parsed.String(), nil
}
