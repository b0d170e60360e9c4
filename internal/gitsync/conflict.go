package gitsync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"unicode/utf8"

	"github.com/alexjbarnes/vault-gitsync/internal/metrics"
	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/sync/errgroup"
)

// diffCleanupThreshold is the minimum number of diffs before running
// semantic and efficiency cleanup passes.
const diffCleanupThreshold = 2

// ConflictStrategy says how a conflict can be presented to a person.
type ConflictStrategy string

const (
	// ConflictContent means both sides are text and a diff is attached.
	ConflictContent ConflictStrategy = "content"
	// ConflictBinary means at least one side is binary.
	ConflictBinary ConflictStrategy = "binary"
)

// ConflictReport describes a clash whose two sides really differ.
type ConflictReport struct {
	Path          string           `json:"path" yaml:"path"`
	Strategy      ConflictStrategy `json:"strategy" yaml:"strategy"`
	LocalContent  []byte           `json:"-" yaml:"-"`
	RemoteContent []byte           `json:"-" yaml:"-"`
	// Diff is a patch from the local to the remote text, for display only.
	Diff string `json:"diff,omitempty" yaml:"diff,omitempty"`
}

// FileOpStatus is what a sync did to a local file.
type FileOpStatus string

const (
	FileCreated FileOpStatus = "created"
	FileChanged FileOpStatus = "changed"
	FileDeleted FileOpStatus = "deleted"
)

// FileOpRecord is one local mutation performed by a sync.
type FileOpRecord struct {
	Path   string       `json:"path" yaml:"path"`
	Status FileOpStatus `json:"status" yaml:"status"`
}

// Resolution is the outcome of resolving a single clash.
type Resolution struct {
	Clash ClashStatus
	// NoDiff is true when both sides ended up with the same content, or
	// both deleted the file. Such clashes need neither push nor pull.
	NoDiff  bool
	FileOps []FileOpRecord
	Report  *ConflictReport
	// Outcome is how the remote content was decrypted, when it was fetched.
	Outcome DecryptOutcome
}

// ConflictResult aggregates the resolutions of one sync pass.
type ConflictResult struct {
	// NoConflict is true when every clash resolved with NoDiff.
	NoConflict bool
	Resolved   []ClashStatus
	Unresolved []ClashStatus
	FileOps    []FileOpRecord
	Reports    []ConflictReport
}

// Resolver settles clashes without touching the working copy: whenever the
// two sides differ, the remote version is written under the quarantine
// folder next to the untouched local file.
type Resolver struct {
	fs          LocalFS
	remote      RemoteAPI
	cipher      Cipher
	filter      *PathFilter
	logger      *slog.Logger
	concurrency int
}

// NewResolver creates a Resolver.
func NewResolver(fs LocalFS, remote RemoteAPI, c Cipher, filter *PathFilter, logger *slog.Logger, concurrency int) *Resolver {
	return &Resolver{
		fs:          fs,
		remote:      remote,
		cipher:      c,
		filter:      filter,
		logger:      logger,
		concurrency: max(concurrency, 1),
	}
}

// ResolveFileConflict settles one clash against the given remote tree.
func (r *Resolver) ResolveFileConflict(ctx context.Context, clash ClashStatus, tree *RemoteTree) (Resolution, error) {
	res := Resolution{Clash: clash}

	contentID, remoteHas := tree.ContentID(clash.Path)

	if clash.LocalKind == LocalDeleted {
		if clash.RemoteKind == RemoteRemoved || !remoteHas {
			r.logger.Debug("conflict: deleted on both sides", slog.String("path", clash.Path))

			res.NoDiff = clash.RemoteKind == RemoteRemoved

			return res, nil
		}

		remote, err := r.fetchRemoteContent(ctx, clash.Path, contentID)
		if err != nil {
			return res, err
		}

		res.Outcome = remote.Outcome

		op, err := r.quarantine(clash.Path, remote.Data)
		if err != nil {
			return res, err
		}

		res.FileOps = append(res.FileOps, op)

		r.logger.Info("conflict: deleted locally, changed remotely, remote copy quarantined",
			slog.String("path", clash.Path),
			slog.String("quarantine", op.Path),
		)

		return res, nil
	}

	if !remoteHas {
		// Nothing to show; the local version will be pushed back.
		r.logger.Info("conflict: changed locally, deleted remotely", slog.String("path", clash.Path))
		return res, nil
	}

	local, err := r.fs.ReadBytes(clash.Path)
	if err != nil {
		return res, fmt.Errorf("reading local %s: %w", clash.Path, err)
	}

	remote, err := r.fetchRemoteContent(ctx, clash.Path, contentID)
	if err != nil {
		return res, err
	}

	res.Outcome = remote.Outcome

	if sameContent(local, remote.Data) {
		r.logger.Debug("conflict: both sides identical", slog.String("path", clash.Path))

		res.NoDiff = true

		return res, nil
	}

	op, err := r.quarantine(clash.Path, remote.Data)
	if err != nil {
		return res, err
	}

	res.FileOps = append(res.FileOps, op)
	report := newConflictReport(clash.Path, local, remote.Data)
	res.Report = &report

	r.logger.Info("conflict: contents differ, remote copy quarantined",
		slog.String("path", clash.Path),
		slog.String("quarantine", op.Path),
		slog.String("strategy", string(report.Strategy)),
	)

	return res, nil
}

// ResolveAll resolves clashes concurrently. Each task writes only its own
// result slot; aggregation happens after all tasks have joined.
func (r *Resolver) ResolveAll(ctx context.Context, clashes []ClashStatus, tree *RemoteTree) (*ConflictResult, error) {
	results := make([]Resolution, len(clashes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, c := range clashes {
		g.Go(func() error {
			res, err := r.ResolveFileConflict(ctx, c, tree)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", c.Path, err)
			}

			results[i] = res

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &ConflictResult{NoConflict: true}

	for _, res := range results {
		out.FileOps = append(out.FileOps, res.FileOps...)

		if res.Report != nil {
			out.Reports = append(out.Reports, *res.Report)
		}

		if res.NoDiff {
			out.Resolved = append(out.Resolved, res.Clash)
			continue
		}

		out.NoConflict = false
		out.Unresolved = append(out.Unresolved, res.Clash)
	}

	return out, nil
}

// fetchRemoteContent downloads and decrypts a blob, falling back to the raw
// bytes when decryption fails.
func (r *Resolver) fetchRemoteContent(ctx context.Context, path, contentID string) (ContentResult, error) {
	return fetchBlobContent(ctx, r.remote, r.cipher, r.logger, path, contentID)
}

// quarantine writes data to the quarantine copy of path.
func (r *Resolver) quarantine(p string, data []byte) (FileOpRecord, error) {
	target := r.filter.QuarantinePath(p)

	if err := r.fs.EnsureFolderExists(path.Dir(target)); err != nil {
		return FileOpRecord{}, fmt.Errorf("creating quarantine folder for %s: %w", p, err)
	}

	if err := r.fs.WriteBytes(target, data); err != nil {
		return FileOpRecord{}, fmt.Errorf("writing quarantine copy of %s: %w", p, err)
	}

	return FileOpRecord{Path: target, Status: FileCreated}, nil
}

func fetchBlobContent(ctx context.Context, remote RemoteAPI, c Cipher, logger *slog.Logger, path, contentID string) (ContentResult, error) {
	blob, err := remote.GetBlob(ctx, contentID)
	if err != nil {
		return ContentResult{}, fmt.Errorf("fetching blob for %s: %w", path, err)
	}

	res := OpenContent(c, blob)
	if res.Outcome == OutcomeFallbackRaw {
		metrics.DecryptDegradedTotal.WithLabelValues(res.Outcome.String()).Inc()
		logger.Warn("blob did not decrypt, using raw bytes",
			slog.String("path", path),
			slog.String("outcome", res.Outcome.String()),
			slog.String("error", res.Err.Error()),
		)
	}

	return res, nil
}

// sameContent compares two files exactly, except that CRLF and LF line
// endings are treated as equal.
func sameContent(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}

	return bytes.Equal(normalizeLineEndings(a), normalizeLineEndings(b))
}

func normalizeLineEndings(b []byte) []byte {
	return bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
}

func isBinary(b []byte) bool {
	return bytes.IndexByte(b, 0) >= 0 || !utf8.Valid(b)
}

func newConflictReport(path string, local, remote []byte) ConflictReport {
	report := ConflictReport{
		Path:          path,
		Strategy:      ConflictBinary,
		LocalContent:  local,
		RemoteContent: remote,
	}

	if isBinary(local) || isBinary(remote) {
		return report
	}

	report.Strategy = ConflictContent

	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(string(local), string(remote), true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	report.Diff = dmp.PatchToText(dmp.PatchMake(string(local), diffs))

	return report
}
