package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alexjbarnes/vault-gitsync/internal/metrics"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// pendingNode is a tree entry keyed by its plaintext path, before the path
// is encrypted.
type pendingNode struct {
	path      string
	contentID *string
	size      int
}

// push commits local changes on top of base and moves the branch. It
// returns the remote tree after the push and whether a commit was made.
// When nothing survives the no-op checks, no tree, commit or ref call is
// made and base is returned unchanged.
func (e *Engine) push(ctx context.Context, changes []LocalChange, base *RemoteTree) (*RemoteTree, bool, error) {
	slots := make([]*pendingNode, len(changes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for i, c := range changes {
		g.Go(func() error {
			n, err := e.buildNode(gctx, c, base)
			if err != nil {
				return err
			}

			slots[i] = n

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	var pending []*pendingNode

	for _, n := range slots {
		if n != nil {
			pending = append(pending, n)
		}
	}

	if len(pending) == 0 {
		e.logger.Debug("push: nothing to push")
		return base, false, nil
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].path < pending[j].path })

	nodes := make([]TreeNode, 0, len(pending))
	uploaded := 0

	for _, n := range pending {
		token, err := e.cipher.EncryptPath(n.path)
		if err != nil {
			return nil, false, fmt.Errorf("encrypting path %s: %w", n.path, err)
		}

		nodes = append(nodes, TreeNode{Path: token, Mode: ModeFile, Type: NodeBlob, ContentID: n.contentID})
		uploaded += n.size
	}

	treeID, err := e.remote.CreateTree(ctx, nodes, base.TreeID)
	if err != nil {
		return nil, false, fmt.Errorf("creating tree: %w", err)
	}

	if treeID == base.TreeID {
		e.logger.Debug("push: new tree equals base tree", slog.String("tree", shortID(treeID)))
		return base, false, nil
	}

	commitID, err := e.remote.CreateCommit(ctx, e.commitMessage(), treeID, base.CommitID)
	if err != nil {
		return nil, false, fmt.Errorf("creating commit: %w", err)
	}

	if _, err := e.remote.UpdateRef(ctx, e.cfg.Branch, commitID); err != nil {
		return nil, false, fmt.Errorf("updating branch %s: %w", e.cfg.Branch, err)
	}

	metrics.CommitsTotal.Inc()
	metrics.BytesUploadedTotal.Add(float64(uploaded))

	e.logger.Info("pushed",
		slog.String("commit", shortID(commitID)),
		slog.Int("entries", len(nodes)),
		slog.String("size", humanize.Bytes(uint64(uploaded))),
	)

	nodesAfter, err := e.remote.GetTree(ctx, treeID)
	if err != nil {
		return nil, true, fmt.Errorf("listing pushed tree %s: %w", shortID(treeID), err)
	}

	files, skipped := decryptTree(nodesAfter, e.cipher, e.filter, e.logger)
	after := &RemoteTree{CommitID: commitID, TreeID: treeID, Files: files, Skipped: skipped}
	e.recordSkipped(after)

	return after, true, nil
}

// buildNode turns one local change into a pending tree entry, or nil when
// the change needs no remote mutation.
func (e *Engine) buildNode(ctx context.Context, c LocalChange, base *RemoteTree) (*pendingNode, error) {
	existing, onRemote := base.ContentID(c.Path)

	if c.Kind == LocalDeleted {
		if !onRemote {
			e.logger.Debug("push: deleted path already absent remotely", slog.String("path", c.Path))
			return nil, nil
		}

		return &pendingNode{path: c.Path}, nil
	}

	data, err := e.fs.ReadBytes(c.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", c.Path, err)
	}

	enc, err := e.cipher.EncryptContent(data)
	if err != nil {
		return nil, fmt.Errorf("encrypting %s: %w", c.Path, err)
	}

	contentID, err := e.remote.CreateBlob(ctx, []byte(enc))
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", c.Path, err)
	}

	metrics.BlobsUploadedTotal.Inc()

	// This only saves a tree entry, never the upload: the check runs after
	// CreateBlob, and with random content nonces a re-encrypted file gets a
	// new content id. It matches only when a Cipher encrypts
	// deterministically.
	if onRemote && existing == contentID {
		e.logger.Debug("push: content id unchanged", slog.String("path", c.Path))
		return nil, nil
	}

	return &pendingNode{path: c.Path, contentID: &contentID, size: len(data)}, nil
}
