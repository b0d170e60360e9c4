package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"golang.org/x/sync/errgroup"
)

// pull applies remote changes to the vault: ADDED and MODIFIED paths are
// downloaded, decrypted and written, REMOVED paths are deleted. Each task
// owns one result slot; the file ops come back in change order.
func (e *Engine) pull(ctx context.Context, changes []RemoteChange, tree *RemoteTree) ([]FileOpRecord, error) {
	ops := make([]FileOpRecord, len(changes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for i, c := range changes {
		g.Go(func() error {
			op, err := e.applyRemoteChange(gctx, c, tree)
			if err != nil {
				return err
			}

			ops[i] = op

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return ops, nil
}

func (e *Engine) applyRemoteChange(ctx context.Context, c RemoteChange, tree *RemoteTree) (FileOpRecord, error) {
	if c.Kind == RemoteRemoved {
		if err := e.fs.DeletePath(c.Path); err != nil {
			return FileOpRecord{}, fmt.Errorf("deleting %s: %w", c.Path, err)
		}

		e.logger.Info("pull: deleted", slog.String("path", c.Path))

		return FileOpRecord{Path: c.Path, Status: FileDeleted}, nil
	}

	contentID, ok := tree.ContentID(c.Path)
	if !ok {
		return FileOpRecord{}, fmt.Errorf("remote tree has no entry for %s", c.Path)
	}

	content, err := fetchBlobContent(ctx, e.remote, e.cipher, e.logger, c.Path, contentID)
	if err != nil {
		return FileOpRecord{}, err
	}

	if dir := path.Dir(c.Path); dir != "." {
		if err := e.fs.EnsureFolderExists(dir); err != nil {
			return FileOpRecord{}, fmt.Errorf("creating folder for %s: %w", c.Path, err)
		}
	}

	if err := e.fs.WriteBytes(c.Path, content.Data); err != nil {
		return FileOpRecord{}, fmt.Errorf("writing %s: %w", c.Path, err)
	}

	status := FileChanged
	if c.Kind == RemoteAdded {
		status = FileCreated
	}

	e.logger.Info("pull: wrote",
		slog.String("path", c.Path),
		slog.String("status", string(status)),
		slog.String("outcome", content.Outcome.String()),
	)

	return FileOpRecord{Path: c.Path, Status: status}, nil
}
