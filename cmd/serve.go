package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/halcyon/gridfall_backend/internal/auth"
	"github.com/halcyon/gridfall_backend/internal/config"
	"github.com/halcyon/gridfall_backend/internal/game"
	"github.com/halcyon/gridfall_backend/internal/logging"
	"github.com/halcyon/gridfall_backend/internal/ratelimit"
	"github.com/halcyon/gridfall_backend/internal/server"
	"github.com/halcyon/gridfall_backend/internal/session"
	"github.com/halcyon/gridfall_backend/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Gridfall server",
	Long: `Start the Gridfall server: open the store, restore unended sessions
from their snapshots, and begin accepting websocket and REST traffic.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: no .env file loaded")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if err := setupLogging(cfg); err != nil {
			return err
		}

		if cfg.Auth.JWTSecret == "" {
			secret, err := auth.GenerateRandomKey(32)
			if err != nil {
				return fmt.Errorf("failed to generate JWT secret: %v", err)
			}
			cfg.Auth.JWTSecret = secret
			logging.Warn("JWT_SECRET not set, generated an ephemeral secret; tokens will not survive a restart")
		}

		db, err := store.New(cfg.Server.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer db.Close()

		tokens := auth.New(auth.Config{
			JWTSecret:            cfg.Auth.JWTSecret,
			RoomTokenSecret:      cfg.Auth.RoomTokenSecret,
			TokenDuration:        cfg.Auth.TokenDuration,
			RefreshTokenDuration: cfg.Auth.RefreshDuration,
		})

		limiter := ratelimit.New(ratelimit.Limits{
			ratelimit.BucketAction: cfg.RateLimit.ActionPerMinute,
			ratelimit.BucketChat:   cfg.RateLimit.ChatPerMinute,
			ratelimit.BucketDM:     cfg.RateLimit.DMPerMinute,
		})

		sim := game.NewAdapter(game.NewDefaultSimulator())

		opts := session.Options{
			TurnDeadline:     cfg.Session.DefaultTurnDeadline,
			DisconnectGrace:  cfg.Session.DisconnectGrace,
			ReconnectWindow:  cfg.Session.ReconnectWindow,
			SnapshotEvery:    cfg.Session.SnapshotEvery,
			InboxSize:        cfg.Session.InboxSize,
			EventLogSize:     cfg.Session.EventLogSize,
			ChatRingSize:     cfg.Session.ChatRingSize,
			IdleDisposeAfter: cfg.Session.IdleDisposeAfter,
		}
		registry := session.NewRegistry(db, sim, limiter, tokens, opts, cfg.Server.MaxSessions)
		if err := registry.RestoreFromStore(); err != nil {
			return fmt.Errorf("failed to restore sessions: %v", err)
		}

		srv := server.NewServer(db, tokens, registry, cfg)

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Run(cfg.Server.BindAddress); err != nil {
				errChan <- err
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errChan:
			return fmt.Errorf("server error: %v", err)
		case sig := <-sigChan:
			logging.Info("shutting down", map[string]interface{}{"signal": sig.String()})
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.Warn("shutdown incomplete", map[string]interface{}{"error": err})
			} else {
				logging.Info("shutdown complete")
			}
		}
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	return logging.InitDefaultLogger(logging.Config{
		Level:       logging.LogLevel(level),
		Prefix:      "Gridfall",
		Colored:     cfg.Logging.Colored,
		LogToFile:   cfg.Logging.File != "",
		LogFilePath: cfg.Logging.File,
	})
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
