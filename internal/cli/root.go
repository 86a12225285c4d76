// Package cli implements the command-line interface for mailcache.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/colthorp/mailcache-go/internal/cache"
	"github.com/colthorp/mailcache-go/internal/core"
	"github.com/colthorp/mailcache-go/internal/source"
)

// Global flags
var (
	verbose  bool
	quiet    bool
	raw      bool
	noCache  bool
	compress bool
	cacheDir string
	timezone string
	limit    int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "mailcache",
	Short:   "mailcache – local cache for remote mailbox messages",
	Long:    `A command-line utility that caches messages from a remote mailbox API on local disk, fetching only what is missing.`,
	Version: core.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags available to all commands
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose debug output to stderr")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress progress messages")
	rootCmd.PersistentFlags().BoolVar(&raw, "raw", false, "Emit raw JSON instead of a table")
	rootCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "Bypass the cache; fetch everything from the remote API")
	rootCmd.PersistentFlags().BoolVar(&compress, "compress", false, "Store cached records zstd-compressed")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", fmt.Sprintf("Cache directory (default: %s)", core.CacheRoot()))
	rootCmd.PersistentFlags().StringVar(&timezone, "timezone", "", fmt.Sprintf("Timezone for date calculations (default: %s)", core.DefaultTZ))
	rootCmd.PersistentFlags().IntVar(&limit, "limit", 0, "Maximum number of results to return")
}

// newLogger builds the stderr logger implied by the verbosity flags.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else if quiet {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newManager wires the cache manager from the global flags and environment.
func newManager() (*cache.Manager, error) {
	logger := newLogger()

	apiKey := os.Getenv(core.APIKeyEnvVar)
	if apiKey == "" {
		return nil, fmt.Errorf("%s environment variable not set", core.APIKeyEnvVar)
	}
	client := source.NewClient(apiKey, logger)

	cfg := cache.DefaultConfig(cacheDir)
	cfg.Enabled = !noCache
	cfg.Compress = compress

	return cache.NewManager(cfg, client, nil, logger)
}
