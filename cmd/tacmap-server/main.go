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

	"github.com/tacmaplabs/tacmap/backend/internal/archive"
	"github.com/tacmaplabs/tacmap/backend/internal/auth"
	"github.com/tacmaplabs/tacmap/backend/internal/config"
	"github.com/tacmaplabs/tacmap/backend/internal/database"
	"github.com/tacmaplabs/tacmap/backend/internal/logging"
	"github.com/tacmaplabs/tacmap/backend/internal/server"
	"github.com/tacmaplabs/tacmap/backend/internal/session"
	"github.com/tacmaplabs/tacmap/backend/internal/validate"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tacmap-server",
		Short: "Tactical map session server",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("archive-path", defaults.GetString("archive.path"), "SQLite archive path (empty disables archiving)")
	cmd.PersistentFlags().Int("tick-hz", defaults.GetInt("session.tick_hz"), "Delta broadcast frequency per session")
	cmd.PersistentFlags().Int("max-players", defaults.GetInt("session.max_players"), "Player capacity per session")
	cmd.PersistentFlags().Int("retention-hours", defaults.GetInt("session.retention_hours"), "Idle session retention window")
	cmd.PersistentFlags().String("signing-secret", "", "Reconnect token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "archive.path", "archive-path")
	bindFlag(cmd, "session.tick_hz", "tick-hz")
	bindFlag(cmd, "session.max_players", "max-players")
	bindFlag(cmd, "session.retention_hours", "retention-hours")
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

	var archiveStore *archive.Store
	if appConfig.ArchivePath != "" {
		db, err := database.OpenSQLite(appConfig.ArchivePath, logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		archiveStore, err = archive.NewStore(db)
		if err != nil {
			return err
		}
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.SessionRetention,
	})

	connections := server.NewConnectionManager(server.ConnectionManagerConfig{
		SendQueueSize:     appConfig.SendQueueSize,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Limits: validate.Limits{
			PositionPerSecond: appConfig.PositionPerSecond,
			ChatPerMinute:     appConfig.ChatPerMinute,
		},
		Logger: logger,
	})

	sessions, err := session.NewManager(session.Config{
		Logger:      logger,
		Broadcaster: connections,
		Tokens:      tokenIssuer,
		Archive:     archiveStore,
		Defaults: session.Defaults{
			TickHz:     appConfig.TickHz,
			MaxPlayers: appConfig.MaxPlayers,
			Retention:  appConfig.SessionRetention,
		},
	})
	if err != nil {
		return err
	}
	connections.BindSessions(sessions)

	sweepStop := make(chan struct{})
	go sessions.RunSweeper(sweepStop)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:    sessions,
		Connections: connections,
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
		close(sweepStop)
		sessions.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		close(sweepStop)
		sessions.Close()
		return err
	}
}
