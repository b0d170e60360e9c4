package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/vault-gitsync/internal/errors"
	"github.com/alexjbarnes/vault-gitsync/internal/metrics"
	"github.com/alexjbarnes/vault-gitsync/internal/state"
)

// SyncStatus classifies the situation found by the pre-sync checks.
type SyncStatus string

const (
	StatusInSync                     SyncStatus = "inSync"
	StatusOnlyRemoteCommitShaChanged SyncStatus = "onlyRemoteCommitShaChanged"
	StatusOnlyLocalChanged           SyncStatus = "onlyLocalChanged"
	StatusOnlyRemoteChanged          SyncStatus = "onlyRemoteChanged"
	StatusChangesCompatible          SyncStatus = "localAndRemoteChangesCompatible"
	StatusChangesClashed             SyncStatus = "localAndRemoteChangesClashed"
)

// SnapshotStore persists the engine snapshot.
type SnapshotStore interface {
	LoadSnapshot(key string) (state.Snapshot, error)
	SaveSnapshot(key string, snap state.Snapshot) error
}

// syncRecorder is implemented by stores that keep a last-sync summary.
type syncRecorder interface {
	RecordSync(key string, rec state.SyncRecord) error
}

// EngineConfig holds the engine settings that do not come with a
// collaborator.
type EngineConfig struct {
	// StateKey names the snapshot inside the store.
	StateKey string
	// Branch is the remote ref the engine reads and moves, e.g. "main".
	Branch string
	// Device is embedded in commit messages.
	Device string
	// Concurrency bounds parallel hashing, uploads, downloads and
	// conflict resolution.
	Concurrency int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine reconciles a local vault with an encrypted remote tree.
type Engine struct {
	fs       LocalFS
	remote   RemoteAPI
	cipher   Cipher
	store    SnapshotStore
	filter   *PathFilter
	resolver *Resolver
	logger   *slog.Logger
	cfg      EngineConfig

	// mu serialises Sync calls. A second caller gets ErrSyncInProgress
	// rather than queueing behind a sync that may take minutes.
	mu sync.Mutex
}

// NewEngine wires an Engine. A nil filter excludes only the default
// quarantine folder.
func NewEngine(fs LocalFS, remote RemoteAPI, c Cipher, store SnapshotStore, filter *PathFilter, cfg EngineConfig, logger *slog.Logger) *Engine {
	if filter == nil {
		filter = NewPathFilter(DefaultQuarantineDir)
	}

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		fs:       fs,
		remote:   remote,
		cipher:   c,
		store:    store,
		filter:   filter,
		resolver: NewResolver(fs, remote, c, filter, logger, cfg.Concurrency),
		logger:   logger,
		cfg:      cfg,
	}
}

// PreSyncCheck is everything the engine learned before deciding what to do.
type PreSyncCheck struct {
	Status SyncStatus
	// Snapshot is the state of the last successful sync.
	Snapshot          state.Snapshot
	LocalFingerprints FingerprintMap
	LocalChanges      []LocalChange
	RemoteCommitID    string
	// RemoteTree is nil when the remote commit matched the snapshot, in
	// which case the tree was not fetched.
	RemoteTree    *RemoteTree
	RemoteChanges []RemoteChange
	Clashes       []ClashStatus
}

// SyncResult reports what a sync did.
type SyncResult struct {
	Status        SyncStatus       `json:"status" yaml:"status"`
	CommitID      string           `json:"commit" yaml:"commit"`
	Pushed        bool             `json:"pushed" yaml:"pushed"`
	LocalChanges  []LocalChange    `json:"local_changes,omitempty" yaml:"local_changes,omitempty"`
	RemoteChanges []RemoteChange   `json:"remote_changes,omitempty" yaml:"remote_changes,omitempty"`
	FileOps       []FileOpRecord   `json:"file_ops,omitempty" yaml:"file_ops,omitempty"`
	Unresolved    []ClashStatus    `json:"unresolved,omitempty" yaml:"unresolved,omitempty"`
	Conflicts     []ConflictReport `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Duration      time.Duration    `json:"duration" yaml:"duration"`
}

// PerformPreSyncChecks loads the snapshot, scans the vault, reads the
// branch head and classifies the situation. The remote tree is only
// fetched when the branch moved.
func (e *Engine) PerformPreSyncChecks(ctx context.Context) (*PreSyncCheck, error) {
	snap, err := e.store.LoadSnapshot(e.cfg.StateKey)
	if err != nil {
		return nil, err
	}

	local, err := ComputeLocalFingerprints(ctx, e.fs, e.filter, e.cfg.Concurrency)
	if err != nil {
		return nil, err
	}

	check := &PreSyncCheck{
		Snapshot:          snap,
		LocalFingerprints: local,
		LocalChanges:      DiffLocal(local, FingerprintMap(snap.LocalFingerprints)),
	}

	commitID, err := e.remote.GetRef(ctx, e.cfg.Branch)
	if err != nil {
		return nil, fmt.Errorf("reading branch %s: %w", e.cfg.Branch, err)
	}

	check.RemoteCommitID = commitID

	if commitID == snap.LastFetchedCommitID {
		check.Status = StatusInSync
		if len(check.LocalChanges) > 0 {
			check.Status = StatusOnlyLocalChanged
		}

		return check, nil
	}

	tree, err := fetchRemoteTree(ctx, e.remote, commitID, e.cipher, e.filter, e.logger)
	if err != nil {
		return nil, err
	}

	e.recordSkipped(tree)

	check.RemoteTree = tree
	check.RemoteChanges = DiffRemote(tree.Files, FingerprintMap(snap.LastFetchedRemoteFingerprints))

	hasLocal := len(check.LocalChanges) > 0
	hasRemote := len(check.RemoteChanges) > 0

	switch {
	case !hasLocal && !hasRemote:
		check.Status = StatusOnlyRemoteCommitShaChanged
	case hasLocal && !hasRemote:
		check.Status = StatusOnlyLocalChanged
	case !hasLocal && hasRemote:
		check.Status = StatusOnlyRemoteChanged
	default:
		check.Clashes = FindClashes(check.LocalChanges, check.RemoteChanges)

		check.Status = StatusChangesCompatible
		if len(check.Clashes) > 0 {
			check.Status = StatusChangesClashed
		}
	}

	return check, nil
}

// Sync runs one full reconciliation. Only one Sync runs at a time per
// engine; a concurrent call returns apperrors.ErrSyncInProgress. The
// snapshot is saved once, after every mutation of the chosen branch has
// succeeded, so a failed sync can simply be retried.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.mu.TryLock() {
		return nil, apperrors.ErrSyncInProgress
	}
	defer e.mu.Unlock()

	start := time.Now()

	res, err := e.sync(ctx)
	metrics.SyncDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SyncErrorsTotal.Inc()
		return nil, err
	}

	res.Duration = time.Since(start)

	metrics.SyncsTotal.WithLabelValues(string(res.Status)).Inc()

	for _, op := range res.FileOps {
		metrics.FileOpsTotal.WithLabelValues(string(op.Status)).Inc()
	}

	for _, c := range res.Conflicts {
		metrics.ConflictsTotal.WithLabelValues(string(c.Strategy)).Inc()
	}

	e.logger.Info("sync complete",
		slog.String("status", string(res.Status)),
		slog.String("commit", shortID(res.CommitID)),
		slog.Bool("pushed", res.Pushed),
		slog.Int("file_ops", len(res.FileOps)),
		slog.Int("unresolved", len(res.Unresolved)),
		slog.Duration("duration", res.Duration),
	)

	return res, nil
}

func (e *Engine) sync(ctx context.Context) (*SyncResult, error) {
	check, err := e.PerformPreSyncChecks(ctx)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("pre-sync checks",
		slog.String("status", string(check.Status)),
		slog.Int("local_changes", len(check.LocalChanges)),
		slog.Int("remote_changes", len(check.RemoteChanges)),
		slog.Int("clashes", len(check.Clashes)),
	)

	res := &SyncResult{
		Status:        check.Status,
		CommitID:      check.RemoteCommitID,
		LocalChanges:  check.LocalChanges,
		RemoteChanges: check.RemoteChanges,
	}

	switch check.Status {
	case StatusInSync:
		return res, nil

	case StatusOnlyRemoteCommitShaChanged:
		err = e.save(res, state.Snapshot{
			LocalFingerprints:             check.LocalFingerprints,
			LastFetchedCommitID:           check.RemoteTree.CommitID,
			LastFetchedRemoteFingerprints: check.RemoteTree.Files,
		})

	case StatusOnlyLocalChanged:
		err = e.syncLocalOnly(ctx, check, res)

	case StatusOnlyRemoteChanged:
		err = e.syncRemoteOnly(ctx, check, res)

	case StatusChangesCompatible:
		err = e.syncBoth(ctx, check, check.LocalChanges, check.RemoteChanges, res)

	case StatusChangesClashed:
		err = e.syncClashed(ctx, check, res)

	default:
		err = fmt.Errorf("unknown sync status %q", check.Status)
	}

	if err != nil {
		return nil, err
	}

	return res, nil
}

func (e *Engine) syncLocalOnly(ctx context.Context, check *PreSyncCheck, res *SyncResult) error {
	base, err := e.pushBase(ctx, check)
	if err != nil {
		return err
	}

	after, pushed, err := e.push(ctx, check.LocalChanges, base)
	if err != nil {
		return err
	}

	res.Pushed = pushed
	res.CommitID = after.CommitID

	return e.save(res, state.Snapshot{
		LocalFingerprints:             check.LocalFingerprints,
		LastFetchedCommitID:           after.CommitID,
		LastFetchedRemoteFingerprints: after.Files,
	})
}

func (e *Engine) syncRemoteOnly(ctx context.Context, check *PreSyncCheck, res *SyncResult) error {
	ops, err := e.pull(ctx, check.RemoteChanges, check.RemoteTree)
	if err != nil {
		return err
	}

	res.FileOps = append(res.FileOps, ops...)

	local, err := ComputeLocalFingerprints(ctx, e.fs, e.filter, e.cfg.Concurrency)
	if err != nil {
		return err
	}

	return e.save(res, state.Snapshot{
		LocalFingerprints:             local,
		LastFetchedCommitID:           check.RemoteTree.CommitID,
		LastFetchedRemoteFingerprints: check.RemoteTree.Files,
	})
}

// syncBoth pushes, then pulls. The order bounds a partial failure to
// "remote updated, local not yet": the next sync then sees only remote
// changes, never a local state that was overwritten before it was pushed.
func (e *Engine) syncBoth(ctx context.Context, check *PreSyncCheck, push []LocalChange, pull []RemoteChange, res *SyncResult) error {
	after, pushed, err := e.push(ctx, push, check.RemoteTree)
	if err != nil {
		return err
	}

	res.Pushed = pushed
	res.CommitID = after.CommitID

	ops, err := e.pull(ctx, pull, check.RemoteTree)
	if err != nil {
		return err
	}

	res.FileOps = append(res.FileOps, ops...)

	local, err := ComputeLocalFingerprints(ctx, e.fs, e.filter, e.cfg.Concurrency)
	if err != nil {
		return err
	}

	return e.save(res, state.Snapshot{
		LocalFingerprints:             local,
		LastFetchedCommitID:           after.CommitID,
		LastFetchedRemoteFingerprints: after.Files,
	})
}

// syncClashed resolves clashes first. Clashes that resolved to identical
// content are neither pushed nor pulled. Unresolved clashes are pushed
// (the remote copy already sits in quarantine) and never pulled.
func (e *Engine) syncClashed(ctx context.Context, check *PreSyncCheck, res *SyncResult) error {
	conflicts, err := e.resolver.ResolveAll(ctx, check.Clashes, check.RemoteTree)
	if err != nil {
		return err
	}

	res.FileOps = append(res.FileOps, conflicts.FileOps...)
	res.Unresolved = conflicts.Unresolved
	res.Conflicts = conflicts.Reports

	resolved := clashPaths(conflicts.Resolved)
	clashed := clashPaths(check.Clashes)

	var push []LocalChange

	for _, c := range check.LocalChanges {
		if !resolved.Contains(c.Path) {
			push = append(push, c)
		}
	}

	var pull []RemoteChange

	for _, c := range check.RemoteChanges {
		if !clashed.Contains(c.Path) {
			pull = append(pull, c)
		}
	}

	return e.syncBoth(ctx, check, push, pull, res)
}

// pushBase returns the remote tree a push builds on. When the branch has
// not moved since the snapshot, the snapshot already describes it and only
// the tree id is looked up.
func (e *Engine) pushBase(ctx context.Context, check *PreSyncCheck) (*RemoteTree, error) {
	if check.RemoteTree != nil {
		return check.RemoteTree, nil
	}

	treeID, err := e.remote.GetCommitTree(ctx, check.RemoteCommitID)
	if err != nil {
		return nil, fmt.Errorf("resolving tree of %s: %w", shortID(check.RemoteCommitID), err)
	}

	return &RemoteTree{
		CommitID: check.RemoteCommitID,
		TreeID:   treeID,
		Files:    FingerprintMap(check.Snapshot.LastFetchedRemoteFingerprints).Clone(),
	}, nil
}

func (e *Engine) save(res *SyncResult, snap state.Snapshot) error {
	if err := e.store.SaveSnapshot(e.cfg.StateKey, snap); err != nil {
		return err
	}

	if rec, ok := e.store.(syncRecorder); ok {
		err := rec.RecordSync(e.cfg.StateKey, state.SyncRecord{
			Time:     e.cfg.Now().UTC(),
			Status:   string(res.Status),
			CommitID: snap.LastFetchedCommitID,
			Device:   e.cfg.Device,
			FileOps:  len(res.FileOps),
		})
		if err != nil {
			e.logger.Warn("recording sync summary", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (e *Engine) recordSkipped(tree *RemoteTree) {
	if tree.Skipped == 0 {
		return
	}

	metrics.DecryptDegradedTotal.WithLabelValues(OutcomeSkippedNode.String()).Add(float64(tree.Skipped))
	e.logger.Warn("remote tree has entries that did not decrypt",
		slog.String("commit", shortID(tree.CommitID)),
		slog.Int("skipped", tree.Skipped),
	)
}

// commitMessage is the human-readable audit line stored with each commit.
func (e *Engine) commitMessage() string {
	return fmt.Sprintf("Commit from %s on %s", e.cfg.Device, e.cfg.Now().Format(time.RFC3339))
}
