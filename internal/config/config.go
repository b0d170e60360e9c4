package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
)

// machineIDAppKey salts the protected machine id so the value used in
// commit messages cannot be correlated with other applications.
const machineIDAppKey = "vault-gitsync"

// Config holds all environment-based configuration for vault-gitsync.
type Config struct {
	// Remote repository holding the encrypted tree.
	GitHubToken  string `env:"GITHUB_TOKEN"`
	GitHubOwner  string `env:"GITHUB_OWNER"`
	GitHubRepo   string `env:"GITHUB_REPO"`
	GitHubBranch string `env:"GITHUB_BRANCH" envDefault:"main"`
	GitHubAPIURL string `env:"GITHUB_API_URL" envDefault:"https://api.github.com"`

	// Vault encryption secret. The salt defaults to "<owner>/<repo>" so two
	// repositories encrypted with the same password get different keys.
	VaultPassword string `env:"VAULT_PASSWORD"`
	VaultSalt     string `env:"VAULT_SALT"`

	// Directory to sync vault files into.
	SyncDir string `env:"SYNC_DIR"`

	// Folder, relative to SyncDir, that receives remote copies of
	// conflicting files. Never scanned or pushed.
	QuarantineDir string `env:"QUARANTINE_DIR" envDefault:"_fit"`

	// Device name embedded in commit messages. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// bbolt file holding the sync snapshot. Defaults to ~/.vault-gitsync/state.db.
	StatePath string `env:"STATE_PATH"`

	SyncConcurrency int           `env:"SYNC_CONCURRENCY" envDefault:"8"`
	SyncTimeout     time.Duration `env:"SYNC_TIMEOUT" envDefault:"5m"`

	// Daemon triggers. A zero interval disables periodic syncs.
	SyncInterval  time.Duration `env:"SYNC_INTERVAL" envDefault:"0"`
	Watch         bool          `env:"WATCH" envDefault:"false"`
	WatchDebounce time.Duration `env:"WATCH_DEBOUNCE" envDefault:"2s"`

	BlobCacheSize int `env:"BLOB_CACHE_SIZE" envDefault:"256"`

	// Prometheus listener for the daemon. Empty disables it.
	MetricsAddr string `env:"METRICS_ADDR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
	}

	if cfg.VaultSalt == "" && cfg.GitHubOwner != "" && cfg.GitHubRepo != "" {
		cfg.VaultSalt = cfg.GitHubOwner + "/" + cfg.GitHubRepo
	}

	cfg.QuarantineDir = strings.Trim(cfg.QuarantineDir, "/")
	cfg.GitHubAPIURL = strings.TrimRight(cfg.GitHubAPIURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The vault layer compares resolved paths by prefix, which only works
	// reliably with absolute paths.
	absDir, err := filepath.Abs(cfg.SyncDir)
	if err != nil {
		return nil, fmt.Errorf("resolving sync dir to absolute path: %w", err)
	}

	cfg.SyncDir = absDir

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	return cfg, nil
}

func defaultDeviceName() string {
	hostname, err := os.Hostname()
	if err == nil && hostname != "" {
		return hostname
	}

	id, err := machineid.ProtectedID(machineIDAppKey)
	if err == nil && id != "" {
		return "device-" + id[:12]
	}

	return "vault-gitsync"
}

func (c *Config) validate() error {
	if c.GitHubToken == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}

	if c.GitHubOwner == "" {
		return fmt.Errorf("GITHUB_OWNER is required")
	}

	if c.GitHubRepo == "" {
		return fmt.Errorf("GITHUB_REPO is required")
	}

	if c.GitHubBranch == "" {
		return fmt.Errorf("GITHUB_BRANCH must not be empty")
	}

	if c.VaultPassword == "" {
		return fmt.Errorf("VAULT_PASSWORD is required")
	}

	if c.SyncDir == "" {
		return fmt.Errorf("SYNC_DIR is required")
	}

	if c.QuarantineDir == "" || strings.Contains(c.QuarantineDir, "..") {
		return fmt.Errorf("QUARANTINE_DIR must be a non-empty relative folder name")
	}

	if c.SyncConcurrency < 1 {
		return fmt.Errorf("SYNC_CONCURRENCY must be at least 1, got %d", c.SyncConcurrency)
	}

	if c.SyncTimeout <= 0 {
		return fmt.Errorf("SYNC_TIMEOUT must be positive")
	}

	if c.SyncInterval < 0 {
		return fmt.Errorf("SYNC_INTERVAL must not be negative")
	}

	if c.BlobCacheSize < 1 {
		return fmt.Errorf("BLOB_CACHE_SIZE must be at least 1, got %d", c.BlobCacheSize)
	}

	return nil
}

// DefaultStatePath returns ~/.vault-gitsync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".vault-gitsync", "state.db"), nil
}

// StateKey identifies this vault/remote pairing inside the state file, so
// one state.db can serve several configurations.
func (c *Config) StateKey() string {
	return fmt.Sprintf("%s/%s@%s", c.GitHubOwner, c.GitHubRepo, c.GitHubBranch)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
