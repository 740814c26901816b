package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Allenskoo856/mydocmost/internal/auth"
	"github.com/Allenskoo856/mydocmost/internal/config"
	"github.com/Allenskoo856/mydocmost/internal/database"
	"github.com/Allenskoo856/mydocmost/internal/gateway"
	"github.com/Allenskoo856/mydocmost/internal/logging"
	"github.com/Allenskoo856/mydocmost/internal/persistence"
	"github.com/Allenskoo856/mydocmost/internal/resource"
	"github.com/Allenskoo856/mydocmost/internal/server"
	"github.com/Allenskoo856/mydocmost/internal/space"
	"github.com/Allenskoo856/mydocmost/internal/table"
	"github.com/Allenskoo856/mydocmost/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mydocmost-api",
		Short: "Collaborative table backend service",
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
	cmd.PersistentFlags().Int64("api-token-ttl-s", defaults.GetInt64("auth.api_token_ttl_s"), "API token TTL in seconds")
	cmd.PersistentFlags().Int64("collab-token-ttl-s", defaults.GetInt64("auth.collab_token_ttl_s"), "Collaboration token TTL in seconds")
	cmd.PersistentFlags().Int64("save-debounce-ms", defaults.GetInt64("collab.save_debounce_ms"), "Snapshot save debounce in milliseconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.api_token_ttl_s", "api-token-ttl-s")
	bindFlag(cmd, "auth.collab_token_ttl_s", "collab-token-ttl-s")
	bindFlag(cmd, "collab.save_debounce_ms", "save-debounce-ms")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret:  []byte(appConfig.SigningSecret),
		APITokenTTL:    appConfig.APITokenTTL,
		CollabTokenTTL: appConfig.CollabTokenTTL,
	})
	if err != nil {
		return err
	}

	accounts, err := users.NewRepository(users.RepositoryConfig{Database: db})
	if err != nil {
		return err
	}
	members, err := space.NewMemberRepository(db)
	if err != nil {
		return err
	}
	ids := table.NewUUIDProvider()
	resources, err := resource.NewRepository(resource.RepositoryConfig{
		Database:   db,
		IDProvider: ids,
	})
	if err != nil {
		return err
	}
	store, err := persistence.NewStore(persistence.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	admitter, err := gateway.NewAdmitter(gateway.AdmitterConfig{
		Tokens:    tokenManager,
		Accounts:  accounts,
		Resources: resources,
		Members:   members,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	collab, err := gateway.New(gateway.Config{
		Admitter:     admitter,
		Store:        store,
		IDProvider:   ids,
		Logger:       logger,
		SaveDebounce: appConfig.SaveDebounce,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenAuthority:  tokenManager,
		ResourceService: resources,
		RoleDirectory:   members,
		CollabHandler:   http.HandlerFunc(collab.HandleConnection),
		Logger:          logger,
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
