// galdrdb is a small ops CLI around the galdrdb package: vacuum,
// checkpoint, compact, and inspect a database file from the shell
// without writing Go.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rthomasv3/galdrdb/galdrdb"
)

var (
	logLevel string
	logJSON  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "galdrdb: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "galdrdb",
	Short: "Operate on a GaldrDb database file",
	Long: `galdrdb is an ops CLI for the GaldrDb embedded document
database: checkpoint its write-ahead log, vacuum stale document
versions, compact it into a fresh file, or print its cache and
collection statistics.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of console format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(statsCmd, vacuumCmd, checkpointCmd, compactCmd)
}

func initLogging() {
	zerolog.SetGlobalLevel(parseLevel(logLevel))
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func newLogger() zerolog.Logger {
	if logJSON {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func openForOps(path string) (*galdrdb.DB, error) {
	opts := galdrdb.DefaultOptions()
	opts.Logger = newLogger()
	return galdrdb.Open(path, opts)
}

var statsCmd = &cobra.Command{
	Use:   "stats <path>",
	Short: "Print collection, index, and cache statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openForOps(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		for _, name := range db.GetCollectionNames() {
			fmt.Printf("collection %s: indexes=%v\n", name, db.GetIndexNames(name))
		}
		hits, misses, size, capacity := db.CacheStats()
		fmt.Printf("cache: hits=%d misses=%d hit_rate=%.4f size=%d/%d\n",
			hits, misses, db.CacheHitRate(), size, capacity)
		return nil
	},
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum <path>",
	Short: "Reclaim document versions no active snapshot can see",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openForOps(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := db.Vacuum()
		if err != nil {
			return err
		}
		fmt.Printf("vacuum: versions_collected=%d pages_compacted=%d\n",
			result.VersionsCollected, result.PagesCompacted)
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <path>",
	Short: "Replay the write-ahead log into the base file and truncate it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openForOps(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		return db.Checkpoint()
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <path> <target-path>",
	Short: "Rewrite live documents and indexes into a fresh database file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openForOps(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		opts := galdrdb.DefaultOptions()
		opts.Logger = newLogger()
		result, err := db.CompactTo(args[1], opts)
		if err != nil {
			return err
		}
		fmt.Printf("compact: documents_copied=%d collections_compacted=%d bytes_saved=%d\n",
			result.DocumentsCopied, result.CollectionsCompacted, result.BytesSaved)
		return nil
	},
}
