package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/syncbridge/cachebridge/internal/bridge"
	"github.com/syncbridge/cachebridge/internal/config"
	"github.com/syncbridge/cachebridge/internal/controlapi"
	"github.com/syncbridge/cachebridge/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "bridged",
	Short: "cachebridge daemon",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd)
	},
	RunE: runDaemon,
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("config", "c", config.DefaultConfigPath, "config file path")
	rootCmd.Flags().StringP("datadir", "d", config.DefaultLocalPath, "local cache root")
	rootCmd.Flags().StringP("workdir", "w", config.DefaultWorkPath, "queue/work directory")
	rootCmd.Flags().StringP("remote", "r", "", "remote content repository base URL")
	rootCmd.Flags().String("control-addr", "127.0.0.1:7938", "control-plane API listen address")
	rootCmd.Flags().Bool("no-processor", false, "disable the background sync processor")
}

func bindFlags(cmd *cobra.Command) error {
	viper.BindPFlag("local_path", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("work_path", cmd.Flags().Lookup("workdir"))
	viper.BindPFlag("remote_url", cmd.Flags().Lookup("remote"))
	viper.BindPFlag("control_addr", cmd.Flags().Lookup("control-addr"))
	viper.BindPFlag("no_processor", cmd.Flags().Lookup("no-processor"))
	viper.SetEnvPrefix("cachebridge")
	viper.AutomaticEnv()
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// explicit flags win over whatever Load found on disk.
	if v := viper.GetString("local_path"); viper.IsSet("local_path") && v != "" {
		cfg.LocalPath = v
	}
	if v := viper.GetString("work_path"); viper.IsSet("work_path") && v != "" {
		cfg.WorkPath = v
	}
	if v := viper.GetString("remote_url"); viper.IsSet("remote_url") && v != "" {
		cfg.RemoteURL = v
	}
	if v := viper.GetString("control_addr"); viper.IsSet("control_addr") && v != "" {
		cfg.ControlAddr = v
	}
	if viper.GetBool("no_processor") {
		cfg.NoProcessor = true
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.WorkPath, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.WorkPath, "bridged.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	logger := logging.Setup(logging.Options{LogFile: logFile, Level: slog.LevelInfo})

	b := bridge.New(cfg, bridge.WithLogger(logger))

	cmd.SilenceUsage = true

	if err := b.Connect(cmd.Context()); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := b.Disconnect(); err != nil {
			logger.Warn("disconnect", "error", err)
		}
	}()

	api := controlapi.New(cfg.ControlAddr, b.Queue, b.Bus, logger)
	go func() {
		if err := api.Start(); err != nil {
			logger.Error("control api stopped", "error", err)
		}
	}()

	logger.Info("bridged ready", "session", b.SessionID(), "local", cfg.LocalPath, "remote", cfg.RemoteURL)

	<-cmd.Context().Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return api.Stop(shutdownCtx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
