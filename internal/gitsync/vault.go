package gitsync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

const (
	// vaultDirPerm is the permission mode for directories created inside
	// the vault.
	vaultDirPerm = fs.FileMode(0o755)

	// vaultFilePerm is the permission mode for files written inside the
	// vault.
	vaultFilePerm = fs.FileMode(0o644)
)

// LocalFS is the local side of a sync. Paths are vault-relative and use
// forward slashes.
type LocalFS interface {
	ListAllPaths() ([]string, error)
	ReadBytes(path string) ([]byte, error)
	WriteBytes(path string, data []byte) error
	DeletePath(path string) error
	EnsureFolderExists(path string) error
}

// Vault provides thread-safe filesystem operations on the sync directory.
// All writes are serialized by an exclusive lock. Reads take a shared lock
// to prevent reading partial writes.
type Vault struct {
	dir    string
	filter *PathFilter
	mu     sync.RWMutex

	// onDisk maps a normalized path from the last listing to the name as
	// stored on disk, for files whose stored name is not already normalized
	// (NFD names created on macOS, no-break spaces).
	onDisk map[string]string
}

var _ LocalFS = (*Vault)(nil)

// NewVault creates a Vault rooted at the given directory, creating it if
// it does not exist. The directory must be an absolute path. A nil filter
// lists every regular file.
func NewVault(dir string, filter *PathFilter) (*Vault, error) {
	if dir == "" {
		return nil, fmt.Errorf("vault directory must not be empty")
	}

	if err := os.MkdirAll(dir, vaultDirPerm); err != nil {
		return nil, fmt.Errorf("creating vault directory %s: %w", dir, err)
	}

	return &Vault{dir: dir, filter: filter}, nil
}

// Dir returns the root directory of the vault.
func (v *Vault) Dir() string {
	return v.dir
}

// ListAllPaths walks the vault and returns every regular file the filter
// allows, sorted and normalized. Symlinks are skipped. Excluded directories
// are pruned without descending. When two stored names normalize to the
// same path only the first one walked is listed.
func (v *Vault) ListAllPaths() ([]string, error) {
	paths, onDisk, err := v.walk()
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.onDisk = onDisk
	v.mu.Unlock()

	return paths, nil
}

func (v *Vault) walk() ([]string, map[string]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var paths []string

	onDisk := make(map[string]string)
	seen := make(map[string]bool)

	err := filepath.WalkDir(v.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if p == v.dir {
			return nil
		}

		rel, err := filepath.Rel(v.dir, p)
		if err != nil {
			return err
		}

		stored := filepath.ToSlash(rel)
		rel = normalizePath(rel)

		if d.IsDir() {
			if v.filter != nil && !v.filter.Allow(rel) {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		if v.filter != nil && !v.filter.Allow(rel) {
			return nil
		}

		if seen[rel] {
			return nil
		}

		seen[rel] = true

		if stored != rel {
			onDisk[rel] = stored
		}

		paths = append(paths, rel)

		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walking vault: %w", err)
	}

	sort.Strings(paths)

	return paths, onDisk, nil
}

// storedName returns the on-disk name for a listed path, or relPath itself
// when it was stored normalized or has not been listed.
func (v *Vault) storedName(relPath string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if stored, ok := v.onDisk[relPath]; ok {
		return stored
	}

	return relPath
}

// ReadBytes reads a file by relative path.
func (v *Vault) ReadBytes(relPath string) ([]byte, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.ReadFile(absPath) //nolint:gosec // G304: absPath validated by Vault.resolve
}

// WriteBytes writes content to a file by relative path, creating parent
// directories as needed. The content goes to a temporary sibling first and
// is renamed into place so readers never see a partial file.
func (v *Vault) WriteBytes(relPath string, data []byte) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, vaultDirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	tmp, err := os.CreateTemp(dir, ".gitsync-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", relPath, err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing %s: %w", relPath, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", relPath, err)
	}

	if err := os.Chmod(tmpName, vaultFilePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting permissions for %s: %w", relPath, err)
	}

	if err := os.Rename(tmpName, absPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place %s: %w", relPath, err)
	}

	return nil
}

// DeletePath removes a file by relative path and prunes parent directories
// left empty. Returns nil if the file does not exist.
func (v *Vault) DeletePath(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}

	delete(v.onDisk, relPath)

	// os.Remove fails on non-empty directories, which stops the walk.
	for dir := filepath.Dir(absPath); dir != v.dir && strings.HasPrefix(dir, v.dir); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}

	return nil
}

// EnsureFolderExists creates a directory (and parents) by relative path.
func (v *Vault) EnsureFolderExists(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return os.MkdirAll(absPath, vaultDirPerm)
}

// resolve converts a relative path to an absolute path within the vault
// directory, rejecting path traversal attempts. Validates against null
// bytes, ".." segments, and symlinks that escape the vault.
func (v *Vault) resolve(relPath string) (string, error) {
	if err := validateRelPath(relPath); err != nil {
		return "", err
	}

	relPath = strings.ReplaceAll(v.storedName(relPath), "\\", "/")

	absPath := filepath.Join(v.dir, relPath)
	if !strings.HasPrefix(absPath, v.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside vault dir", relPath)
	}

	realPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolving symlinks for %q: %w", relPath, err)
		}

		// A new file: the nearest existing ancestor must stay inside.
		parent := filepath.Dir(absPath)
		for {
			parentReal, pErr := filepath.EvalSymlinks(parent)
			if pErr == nil {
				if parentReal != v.realDir() && !strings.HasPrefix(parentReal, v.realDir()+string(os.PathSeparator)) {
					return "", fmt.Errorf("symlink traversal blocked: parent of %q resolves to %q outside vault", relPath, parentReal)
				}

				return absPath, nil
			}

			if parent == v.dir {
				return absPath, nil
			}

			parent = filepath.Dir(parent)
		}
	}

	if realPath != v.realDir() && !strings.HasPrefix(realPath, v.realDir()+string(os.PathSeparator)) {
		return "", fmt.Errorf("symlink traversal blocked: %q resolves to %q outside vault dir", relPath, realPath)
	}

	return absPath, nil
}

// realDir is the vault directory with symlinks resolved, so a vault that
// lives under a symlinked path (macOS /var, for instance) still matches.
func (v *Vault) realDir() string {
	real, err := filepath.EvalSymlinks(v.dir)
	if err != nil {
		return v.dir
	}

	return real
}

// validateRelPath rejects paths that can never be valid vault entries.
// Decrypted remote paths go through the same check before any write.
func validateRelPath(relPath string) error {
	if relPath == "" {
		return fmt.Errorf("empty path")
	}

	if strings.ContainsRune(relPath, 0) {
		return fmt.Errorf("path contains null byte: %q", relPath)
	}

	if strings.HasPrefix(relPath, "/") || filepath.IsAbs(relPath) {
		return fmt.Errorf("path is absolute: %q", relPath)
	}

	for _, seg := range strings.Split(strings.ReplaceAll(relPath, "\\", "/"), "/") {
		if seg == ".." {
			return fmt.Errorf("path contains ..: %q", relPath)
		}
	}

	return nil
}

// normalizePath normalizes a vault-relative path. It converts OS-native
// path separators to forward slashes, collapses repeated slashes, trims
// leading/trailing slashes, and applies Unicode NFC normalization.
func normalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, "\u00A0", " ")
	path = strings.ReplaceAll(path, "\u202F", " ")

	var b strings.Builder

	prevSlash := false

	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}
