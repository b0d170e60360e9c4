package gitsync

import (
	"context"
	"fmt"
	"log/slog"
)

// NodeType is the kind of object a tree entry points at.
type NodeType string

const (
	NodeBlob   NodeType = "blob"
	NodeTree   NodeType = "tree"
	NodeCommit NodeType = "commit"
)

// ModeFile is the git mode for a regular, non-executable file.
const ModeFile = "100644"

// TreeNode is one entry of a remote tree. A nil ContentID submitted to
// CreateTree deletes the entry; entries read back always carry one.
type TreeNode struct {
	Path      string
	Mode      string
	Type      NodeType
	ContentID *string
}

// RemoteAPI is the remote side of a sync: a git object store with a single
// branch ref. Every failure is a *apperrors.RemoteCallError.
//
//go:generate mockgen -source=remote.go -destination=mock_remote_test.go -package=gitsync
type RemoteAPI interface {
	// GetRef returns the commit id the branch points at.
	GetRef(ctx context.Context, ref string) (string, error)
	// GetCommitTree returns the root tree id of a commit.
	GetCommitTree(ctx context.Context, commitID string) (string, error)
	// GetTree lists a tree recursively.
	GetTree(ctx context.Context, treeID string) ([]TreeNode, error)
	// CreateBlob stores content and returns its content id.
	CreateBlob(ctx context.Context, content []byte) (string, error)
	// CreateTree applies nodes on top of baseTreeID and returns the new tree id.
	CreateTree(ctx context.Context, nodes []TreeNode, baseTreeID string) (string, error)
	// CreateCommit creates a commit with a single parent.
	CreateCommit(ctx context.Context, message, treeID, parentCommitID string) (string, error)
	// UpdateRef moves the branch to commitID and returns it.
	UpdateRef(ctx context.Context, ref, commitID string) (string, error)
	// GetBlob returns the content stored under contentID.
	GetBlob(ctx context.Context, contentID string) ([]byte, error)
}

// RemoteTree is the decrypted view of one remote commit.
type RemoteTree struct {
	CommitID string
	TreeID   string
	// Files maps plaintext path to blob content id. The quarantine folder
	// and ignored paths are left out.
	Files FingerprintMap
	// Skipped counts entries whose path did not decrypt.
	Skipped int
}

// ContentID returns the content id for path and whether the path exists.
func (t *RemoteTree) ContentID(path string) (string, bool) {
	if t == nil {
		return "", false
	}

	id, ok := t.Files[path]

	return id, ok
}

// decryptTree turns raw tree nodes into plaintext path fingerprints. Nodes
// whose path fails to decrypt are dropped and logged; one corrupt entry
// does not abort the listing.
func decryptTree(nodes []TreeNode, c Cipher, filter *PathFilter, logger *slog.Logger) (FingerprintMap, int) {
	files := make(FingerprintMap, len(nodes))
	skipped := 0

	for _, n := range nodes {
		if n.Type != NodeBlob || n.ContentID == nil {
			continue
		}

		path, outcome := decryptNodePath(c, n.Path, logger)
		if outcome == OutcomeSkippedNode {
			skipped++
			continue
		}

		if filter != nil && !filter.Allow(path) {
			continue
		}

		files[path] = *n.ContentID
	}

	return files, skipped
}

func decryptNodePath(c Cipher, token string, logger *slog.Logger) (string, DecryptOutcome) {
	path, err := c.DecryptPath(token)
	if err == nil {
		err = validateRelPath(path)
	}

	if err != nil {
		logger.Warn("dropping remote tree entry",
			slog.String("token", token),
			slog.String("outcome", OutcomeSkippedNode.String()),
			slog.String("error", err.Error()),
		)

		return "", OutcomeSkippedNode
	}

	return normalizePath(path), OutcomeDecrypted
}

// fetchRemoteTree resolves commitID to its tree and decrypts it.
func fetchRemoteTree(ctx context.Context, remote RemoteAPI, commitID string, c Cipher, filter *PathFilter, logger *slog.Logger) (*RemoteTree, error) {
	treeID, err := remote.GetCommitTree(ctx, commitID)
	if err != nil {
		return nil, fmt.Errorf("resolving tree of %s: %w", shortID(commitID), err)
	}

	nodes, err := remote.GetTree(ctx, treeID)
	if err != nil {
		return nil, fmt.Errorf("listing tree %s: %w", shortID(treeID), err)
	}

	files, skipped := decryptTree(nodes, c, filter, logger)

	return &RemoteTree{CommitID: commitID, TreeID: treeID, Files: files, Skipped: skipped}, nil
}

// shortID abbreviates a git object id for logs and messages.
func shortID(id string) string {
	if len(id) > 7 {
		return id[:7]
	}

	return id
}
