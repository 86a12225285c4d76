package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/colthorp/mailcache-go/internal/cache"
	"github.com/colthorp/mailcache-go/internal/core"
	"github.com/colthorp/mailcache-go/internal/output"
)

func init() {
	// Add all subcommands
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(rangeCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(invalidateCmd)
	rootCmd.AddCommand(rebuildCmd)

	// Add relative period commands
	for _, period := range []string{"today", "yesterday", "this-week", "last-week", "this-month", "last-month"} {
		rootCmd.AddCommand(createRelativePeriodCmd(period))
	}

	// Cleanup command flags
	cleanupCmd.Flags().Duration("max-age", 0, "Delete records older than this (default: configured retention)")
}

// fetchCmd handles flexible single-date specifications
var fetchCmd = &cobra.Command{
	Use:   "fetch [date_spec]",
	Short: "Fetch messages for a flexible date spec (e.g. 2026-08-01, d-7, 7/15)",
	Args:  cobra.ExactArgs(1),
	RunE:  handleFetch,
}

// rangeCmd handles datetime range queries
var rangeCmd = &cobra.Command{
	Use:   "range [start] [end]",
	Short: "Fetch messages for a datetime range",
	Args:  cobra.ExactArgs(2),
	RunE:  handleRange,
}

// statsCmd reports cache diagnostics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE:  handleStats,
}

// cleanupCmd evicts expired records
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete cached records older than the retention window",
	RunE:  handleCleanup,
}

// invalidateCmd removes cached records
var invalidateCmd = &cobra.Command{
	Use:   "invalidate [id...]",
	Short: "Remove cached records by id, or the entire cache with no arguments",
	RunE:  handleInvalidate,
}

// rebuildCmd re-derives the indexes from the record files
var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the lookup indexes from the stored records",
	RunE:  handleRebuild,
}

func handleFetch(cmd *cobra.Command, args []string) error {
	dateSpec := args[0]
	loc := core.GetTZ(timezone)

	targetDate, err := core.ParseDateSpec(dateSpec, loc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid date specification '%s'\n", dateSpec)
		os.Exit(1)
	}

	start := core.DateOnly(targetDate)
	return runGet(cmd, start, start.AddDate(0, 0, 1))
}

func handleRange(cmd *cobra.Command, args []string) error {
	loc := core.GetTZ(timezone)

	start, err := core.ParseDatetime(args[0], loc)
	if err != nil {
		return err
	}
	end, err := core.ParseDatetime(args[1], loc)
	if err != nil {
		return err
	}
	if end.Before(start) {
		return fmt.Errorf("end must be after start")
	}

	return runGet(cmd, start, end)
}

func createRelativePeriodCmd(period string) *cobra.Command {
	return &cobra.Command{
		Use:   period,
		Short: fmt.Sprintf("Fetch messages for %s", period),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := core.GetTZ(timezone)
			start, end, err := core.GetTimeRange(period, loc)
			if err != nil {
				return err
			}
			return runGet(cmd, start, end)
		},
	}
}

// runGet executes a cached range query and prints the result.
func runGet(cmd *cobra.Command, start, end time.Time) error {
	cm, err := newManager()
	if err != nil {
		return err
	}
	defer cm.Close()

	msgs, err := cm.Get(cmd.Context(), start, end, cache.GetOptions{MaxResults: limit})
	if err != nil {
		return err
	}

	if raw {
		output.PrintMessagesJSON(msgs)
	} else {
		output.PrintMessagesTable(msgs)
	}

	if !quiet {
		s := cm.Stats()
		fmt.Fprintf(os.Stderr, "%d messages (%d cached, %d fetched)\n", len(msgs), s.Hits, s.Misses)
	}
	return nil
}

func handleStats(cmd *cobra.Command, args []string) error {
	cm, err := newManager()
	if err != nil {
		return err
	}

	d, err := cm.Diagnostics()
	if err != nil {
		return err
	}
	output.PrintJSON(d)
	return nil
}

func handleCleanup(cmd *cobra.Command, args []string) error {
	maxAge, _ := cmd.Flags().GetDuration("max-age")

	cm, err := newManager()
	if err != nil {
		return err
	}
	defer cm.Close()

	deleted, err := cm.Cleanup(maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d expired records\n", deleted)
	return nil
}

func handleInvalidate(cmd *cobra.Command, args []string) error {
	cm, err := newManager()
	if err != nil {
		return err
	}
	defer cm.Close()

	if err := cm.Invalidate(args...); err != nil {
		return err
	}
	if len(args) == 0 {
		fmt.Println("Cache cleared")
	} else {
		fmt.Printf("Invalidated %d records\n", len(args))
	}
	return nil
}

func handleRebuild(cmd *cobra.Command, args []string) error {
	cm, err := newManager()
	if err != nil {
		return err
	}
	defer cm.Close()

	if err := cm.RebuildIndexes(); err != nil {
		return err
	}

	d, err := cm.Diagnostics()
	if err != nil {
		return err
	}
	fmt.Printf("Rebuilt indexes: %d messages in %d buckets\n", d.Index.TotalMessages, d.Index.TotalBuckets)
	return nil
}
