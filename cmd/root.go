package cmd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tether/config"
	"tether/eta"
	"tether/session"
	"tether/store"
)

var (
	wsURL  string
	dbPath string
	cfg    = config.Load()
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Resilient session client for the deploy orchestrator",
	Long: `Tether maintains a persistent session to a deploy orchestrator:
queued sends across disconnects, bounded reconnection, heartbeat
liveness checks, and live progress with a fused time-remaining
estimate.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&wsURL, "api", cfg.URL, "orchestrator WebSocket URL")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", cfg.DBPath, "local state database")
}

// openStore creates the state directory on first use.
func openStore() (*store.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	return store.Open(dbPath)
}

func newManager(db *store.DB) (*session.Manager, error) {
	return session.New(session.Config{
		URL:   wsURL,
		Store: db,
	})
}

// loadBenchmarks builds the benchmark table: shipped defaults, an
// optional YAML override, then locally observed stage history on top.
func loadBenchmarks(db *store.DB) *eta.Table {
	table := eta.DefaultTable()
	if cfg.BenchmarkFile != "" {
		t, err := eta.LoadTable(cfg.BenchmarkFile)
		if err != nil {
			log.Printf("WARNING: benchmark file ignored: %v", err)
		} else {
			table = t
		}
	}
	if db != nil {
		averages, err := db.StageAverages(20)
		if err != nil {
			log.Printf("WARNING: stage history unavailable: %v", err)
		} else {
			for stage, avg := range averages {
				table.Override(stage, avg)
			}
		}
	}
	return table
}
