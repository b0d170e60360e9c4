package gitsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// FingerprintMap maps a vault-relative path to a content fingerprint. On
// the local side the fingerprint comes from Fingerprint; on the remote side
// it is the blob content id.
type FingerprintMap map[string]string

// Clone returns a copy that can be mutated without affecting m.
func (m FingerprintMap) Clone() FingerprintMap {
	out := make(FingerprintMap, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

// Equal reports whether both maps hold the same entries.
func (m FingerprintMap) Equal(other FingerprintMap) bool {
	if len(m) != len(other) {
		return false
	}

	for k, v := range m {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}

	return true
}

// Fingerprint returns hex(SHA-256(path ‖ data)). Mixing in the path turns
// a rename into a delete plus a create and keeps identical files at
// different paths distinct.
func Fingerprint(path string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write(data)

	return hex.EncodeToString(h.Sum(nil))
}

// ComputeLocalFingerprints hashes every allowed file in fsys. Files are
// read and hashed concurrently, at most concurrency at a time; each task
// owns one result slot so no map is written concurrently.
func ComputeLocalFingerprints(ctx context.Context, fsys LocalFS, filter *PathFilter, concurrency int) (FingerprintMap, error) {
	all, err := fsys.ListAllPaths()
	if err != nil {
		return nil, fmt.Errorf("listing local files: %w", err)
	}

	paths := make([]string, 0, len(all))

	for _, p := range all {
		if filter != nil && !filter.Allow(p) {
			continue
		}

		paths = append(paths, p)
	}

	sums := make([]string, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			data, err := fsys.ReadBytes(p)
			if err != nil {
				return fmt.Errorf("reading %s: %w", p, err)
			}

			sums[i] = Fingerprint(p, data)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(FingerprintMap, len(paths))
	for i, p := range paths {
		out[p] = sums[i]
	}

	return out, nil
}
