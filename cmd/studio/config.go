package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mcpstudio/engine/internal/gateway"
)

// Config holds all studio server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string               `json:"db_path"`
	LogLevel       string               `json:"log_level"`
	BusConcurrency int                  `json:"bus_concurrency"`
	SchedulerTick  string               `json:"scheduler_tick"`
	Connections    []gateway.Connection `json:"connections"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(studioDir(), "studio.db"),
		LogLevel:       "info",
		BusConcurrency: 16,
		SchedulerTick:  "1s",
	}
}

func studioDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcp-studio"
	}
	return filepath.Join(home, ".mcp-studio")
}

func settingsPath() string {
	return filepath.Join(studioDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STUDIO_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STUDIO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STUDIO_BUS_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BusConcurrency = n
		}
	}
	if v := os.Getenv("STUDIO_SCHEDULER_TICK"); v != "" {
		cfg.SchedulerTick = v
	}

	// Tokens and URLs in settings.json may reference env vars as ${NAME}.
	for i := range cfg.Connections {
		cfg.Connections[i].URL = os.ExpandEnv(cfg.Connections[i].URL)
		cfg.Connections[i].Token = os.ExpandEnv(cfg.Connections[i].Token)
	}

	return cfg
}

func (c Config) tick() time.Duration {
	d, err := time.ParseDuration(c.SchedulerTick)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}
