// Command chunkbld builds a single page app into content hashed chunks and
// serves development builds with live reload.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coldog/chunkbld/pkg/config"
)

var (
	// Global flags
	configPath string
	root       string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chunkbld",
	Short: "Bundle a single page app into manually partitioned chunks",
	Long: `chunkbld compiles TypeScript, JSX and CSS sources with esbuild, links
them into one chunk per entrypoint and moves vendor modules into shared
chunks named by the build.manualChunks rules.

Configuration is read from chunkbld.yaml, .env and CHUNKBLD_* variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chunkbld.yaml", "config file, relative to --root")
	rootCmd.PersistentFlags().StringVarP(&root, "root", "r", "", "project root (default: the config's root)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(buildCmd, devCmd, optimizeCmd, classifyCmd, configCmd)
}

// loadConfig reads the configuration selected by the global flags.
func loadConfig() (*config.Config, error) {
	path := configPath
	if root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if root != "" {
		cfg.Root = root
	}
	return cfg, nil
}

func log() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
