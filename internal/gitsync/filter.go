package gitsync

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is the per-vault ignore file, in gitignore syntax. It is
// itself synced so every device applies the same rules.
const IgnoreFileName = ".syncignore"

// DefaultQuarantineDir receives remote copies of conflicting files.
const DefaultQuarantineDir = "_fit"

var defaultIgnoreLines = []string{
	".git",
	".DS_Store",
	"Thumbs.db",
	"*.swp",
	"*.swx",
	"*~",
	".#*",
	"*.tmp",
	".gitsync-*",
}

// PathFilter decides which vault paths take part in a sync. The quarantine
// folder is always excluded on both sides.
type PathFilter struct {
	quarantine string
	ignore     *gitignore.GitIgnore
}

// NewPathFilter builds a filter for the given quarantine folder and extra
// gitignore-style rules on top of the defaults.
func NewPathFilter(quarantine string, rules ...string) *PathFilter {
	quarantine = strings.Trim(normalizePath(quarantine), "/")
	if quarantine == "" {
		quarantine = DefaultQuarantineDir
	}

	lines := append([]string{}, defaultIgnoreLines...)
	lines = append(lines, rules...)

	return &PathFilter{
		quarantine: quarantine,
		ignore:     gitignore.CompileIgnoreLines(lines...),
	}
}

// LoadPathFilter reads IgnoreFileName from the vault root, if present, and
// builds a filter from it.
func LoadPathFilter(dir, quarantine string, logger *slog.Logger) *PathFilter {
	data, err := os.ReadFile(filepath.Join(dir, IgnoreFileName)) //nolint:gosec // fixed name under the vault root
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("reading ignore file", slog.String("error", err.Error()))
		}

		return NewPathFilter(quarantine)
	}

	var rules []string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rules = append(rules, line)
	}

	logger.Debug("loaded ignore file", slog.Int("rules", len(rules)))

	return NewPathFilter(quarantine, rules...)
}

// QuarantineDir returns the quarantine folder, without trailing slash.
func (f *PathFilter) QuarantineDir() string {
	return f.quarantine
}

// QuarantinePath returns where the remote copy of path is materialised.
func (f *PathFilter) QuarantinePath(path string) string {
	return f.quarantine + "/" + path
}

// IsQuarantined reports whether path is the quarantine folder or inside it.
func (f *PathFilter) IsQuarantined(path string) bool {
	path = normalizePath(path)
	return path == f.quarantine || strings.HasPrefix(path, f.quarantine+"/")
}

// Allow reports whether path takes part in a sync.
func (f *PathFilter) Allow(path string) bool {
	path = normalizePath(path)
	if path == "" || f.IsQuarantined(path) {
		return false
	}

	return !f.ignore.MatchesPath(path)
}
