package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alexjbarnes/vault-gitsync/internal/config"
	"github.com/alexjbarnes/vault-gitsync/internal/github"
	"github.com/alexjbarnes/vault-gitsync/internal/gitsync"
	"github.com/alexjbarnes/vault-gitsync/internal/state"
	"gopkg.in/yaml.v3"
)

// remoteRetries is how many times a transient GitHub failure is retried
// before the sync gives up.
const remoteRetries = 3

// app is one configured vault/repository pairing.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	state  *state.State
	filter *gitsync.PathFilter
	engine *gitsync.Engine
	out    io.Writer
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	logger.Info("vault-gitsync starting",
		slog.String("version", Version),
		slog.String("repo", cfg.GitHubOwner+"/"+cfg.GitHubRepo),
		slog.String("branch", cfg.GitHubBranch),
		slog.String("dir", cfg.SyncDir),
		slog.String("device", cfg.DeviceName),
	)

	logger.Debug("deriving encryption key")

	key, err := gitsync.DeriveKey(cfg.VaultPassword, cfg.VaultSalt)
	if err != nil {
		return nil, err
	}

	cipher, err := gitsync.NewVaultCipher(key)
	gitsync.ZeroKey(key)

	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	filter := gitsync.LoadPathFilter(cfg.SyncDir, cfg.QuarantineDir, logger)

	vault, err := gitsync.NewVault(cfg.SyncDir, filter)
	if err != nil {
		return nil, err
	}

	client, err := github.NewClient(github.Options{
		BaseURL:       cfg.GitHubAPIURL,
		Token:         cfg.GitHubToken,
		Owner:         cfg.GitHubOwner,
		Repo:          cfg.GitHubRepo,
		UserAgent:     "vault-gitsync/" + Version,
		Retries:       remoteRetries,
		BlobCacheSize: cfg.BlobCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("creating GitHub client: %w", err)
	}

	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	engine := gitsync.NewEngine(vault, client, cipher, st, filter, gitsync.EngineConfig{
		StateKey:    cfg.StateKey(),
		Branch:      cfg.GitHubBranch,
		Device:      cfg.DeviceName,
		Concurrency: cfg.SyncConcurrency,
	}, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		state:  st,
		filter: filter,
		engine: engine,
		out:    os.Stdout,
	}, nil
}

func (a *app) Close() error {
	return a.state.Close()
}

// syncOnce runs one sync bounded by SYNC_TIMEOUT.
func (a *app) syncOnce(ctx context.Context) (*gitsync.SyncResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.SyncTimeout)
	defer cancel()

	res, err := a.engine.Sync(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	if len(res.Unresolved) > 0 {
		a.logger.Warn("conflicting edits kept locally, remote copies written to quarantine",
			slog.Int("count", len(res.Unresolved)),
			slog.String("quarantine", a.filter.QuarantineDir()),
		)
	}

	return res, nil
}

// statusReport is what the status command prints.
type statusReport struct {
	Status        gitsync.SyncStatus     `yaml:"status"`
	RemoteCommit  string                 `yaml:"remote_commit"`
	SnapshotAt    string                 `yaml:"snapshot_commit,omitempty"`
	LocalChanges  []gitsync.LocalChange  `yaml:"local_changes,omitempty"`
	RemoteChanges []gitsync.RemoteChange `yaml:"remote_changes,omitempty"`
	Clashes       []gitsync.ClashStatus  `yaml:"clashes,omitempty"`
	Undecryptable int                    `yaml:"undecryptable_entries,omitempty"`
	LastSync      *state.SyncRecord      `yaml:"last_sync,omitempty"`
}

func (a *app) status(ctx context.Context) (*statusReport, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.SyncTimeout)
	defer cancel()

	check, err := a.engine.PerformPreSyncChecks(ctx)
	if err != nil {
		return nil, fmt.Errorf("pre-sync checks: %w", err)
	}

	last, err := a.state.LastSync(a.cfg.StateKey())
	if err != nil {
		return nil, fmt.Errorf("reading last sync: %w", err)
	}

	report := &statusReport{
		Status:        check.Status,
		RemoteCommit:  check.RemoteCommitID,
		SnapshotAt:    check.Snapshot.LastFetchedCommitID,
		LocalChanges:  check.LocalChanges,
		RemoteChanges: check.RemoteChanges,
		Clashes:       check.Clashes,
		LastSync:      last,
	}

	if check.RemoteTree != nil {
		report.Undecryptable = check.RemoteTree.Skipped
	}

	return report, nil
}

func (a *app) reset() error {
	if err := a.state.Reset(a.cfg.StateKey()); err != nil {
		return fmt.Errorf("resetting state: %w", err)
	}

	a.logger.Info("snapshot cleared", slog.String("key", a.cfg.StateKey()))

	return nil
}

func (a *app) printYAML(v any) error {
	enc := yaml.NewEncoder(a.out)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	return enc.Close()
}
