// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package config reads the orchestrator settings from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"taskorchestrator/src/logging"
)

type Config struct {
	APIPort      string
	WorkspaceDir string
	RepoDir      string

	PromotionInterval time.Duration
	ErrorBackoff      time.Duration
	ShutdownTimeout   time.Duration

	AutoExecute bool
	WorkerCount int

	SnapshotDriver string
	SnapshotPath   string
	SQLitePath     string

	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
	DBSSLMode  string

	DeployEnabled     bool
	DeployNetwork     string
	DeployBasePort    int
	DeployTTL         time.Duration
	ContainerMemoryMB int64
	ContainerCPULimit float64

	OTelEnabled bool
}

// LoadDotEnv loads files (default .env) into the process environment. A
// missing file is not an error; variables already set win.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads the configuration from the environment. Malformed values are
// reported as warnings and replaced by their defaults.
func Load() Config {
	workspace := str("WORKSPACE_DIR", "./workspace")
	return Config{
		APIPort:      str("API_PORT", "8080"),
		WorkspaceDir: workspace,
		RepoDir:      str("REPO_DIR", workspace),

		PromotionInterval: duration("PROMOTION_INTERVAL", 10*time.Second),
		ErrorBackoff:      duration("SCHEDULER_ERROR_BACKOFF", 60*time.Second),
		ShutdownTimeout:   duration("SCHEDULER_SHUTDOWN_TIMEOUT", 5*time.Second),

		AutoExecute: boolean("AUTO_EXECUTE", false),
		WorkerCount: positiveInt("WORKER_COUNT", 1),

		SnapshotDriver: strings.ToLower(str("SNAPSHOT_DRIVER", "none")),
		SnapshotPath:   str("SNAPSHOT_PATH", filepath.Join(workspace, "tasks.json")),
		SQLitePath:     str("SQLITE_PATH", filepath.Join(workspace, "tasks.db")),

		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBHost:     str("DB_HOST", "localhost"),
		DBPort:     str("DB_PORT", "5432"),
		DBSSLMode:  str("DB_SSLMODE", "require"),

		DeployEnabled:     boolean("DEPLOY_ENABLED", true),
		DeployNetwork:     str("DEPLOY_NETWORK", "orchestrator_deploy"),
		DeployBasePort:    positiveInt("DEPLOY_BASE_PORT", 18080),
		DeployTTL:         duration("DEPLOY_TTL", 0),
		ContainerMemoryMB: int64(positiveInt("CONTAINER_MEMORY_MB", 512)),
		ContainerCPULimit: positiveFloat("CONTAINER_CPU_LIMIT", 0.5),

		OTelEnabled: boolean("OTEL_ENABLED", true),
	}
}

// PostgresDSN builds the lib/pq connection string.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.DBUser, c.DBPassword, c.DBName, c.DBHost, c.DBPort, c.DBSSLMode)
}

// SnapshotTarget is the path or DSN handed to the snapshot driver.
func (c Config) SnapshotTarget(driver string) string {
	switch driver {
	case "postgres":
		return c.PostgresDSN()
	case "sqlite3":
		return c.SQLitePath
	default:
		return c.SnapshotPath
	}
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func warnDefault(key, raw string, def any, err error) {
	logging.Log(fmt.Sprintf("Warning: failed to parse %s '%s', defaulting to %v: %v", key, raw, def, err), slog.LevelWarn)
}

func duration(key string, def time.Duration) time.Duration {
	raw := str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err == nil && d < 0 {
		err = errors.New("negative duration")
	}
	if err != nil {
		warnDefault(key, raw, def, err)
		return def
	}
	return d
}

func boolean(key string, def bool) bool {
	raw := str(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		warnDefault(key, raw, def, err)
		return def
	}
	return b
}

func positiveInt(key string, def int) int {
	raw := str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err == nil && n <= 0 {
		err = errors.New("must be positive")
	}
	if err != nil {
		warnDefault(key, raw, def, err)
		return def
	}
	return n
}

func positiveFloat(key string, def float64) float64 {
	raw := str(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err == nil && f <= 0 {
		err = errors.New("must be positive")
	}
	if err != nil {
		warnDefault(key, raw, def, err)
		return def
	}
	return f
}
