package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	URL           string // orchestrator WebSocket endpoint
	DBPath        string // local sqlite store
	BenchmarkFile string // optional YAML benchmark table override
	ListenAddr    string // local serve address for the UI bridge
}

func Load() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		URL:           envOr("TETHER_URL", "ws://localhost:8800/ws"),
		DBPath:        envOr("TETHER_DB", filepath.Join(home, ".tether", "tether.db")),
		BenchmarkFile: os.Getenv("TETHER_BENCHMARKS"),
		ListenAddr:    envOr("TETHER_LISTEN", "127.0.0.1:8810"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
