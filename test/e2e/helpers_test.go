package e2e_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/vault-gitsync/internal/github"
	"github.com/alexjbarnes/vault-gitsync/internal/github/githubtest"
	"github.com/alexjbarnes/vault-gitsync/internal/gitsync"
	"github.com/alexjbarnes/vault-gitsync/internal/logging"
	"github.com/alexjbarnes/vault-gitsync/internal/state"
	"github.com/stretchr/testify/require"
)

const (
	testOwner    = "alex"
	testRepo     = "notes"
	testPassword = "correct horse battery staple"
)

// harness is a fake GitHub repository shared by any number of devices.
type harness struct {
	srv *githubtest.Server
	key []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	key, err := gitsync.DeriveKey(testPassword, testOwner+"/"+testRepo)
	require.NoError(t, err)

	return &harness{
		srv: githubtest.NewServer(t, testOwner, testRepo),
		key: key,
	}
}

// device is one machine: a real vault directory, a bbolt state file and
// an engine talking HTTP to the fake repository.
type device struct {
	name      string
	dir       string
	statePath string
	state     *state.State
	engine    *gitsync.Engine
	cipher    *gitsync.VaultCipher
}

func (h *harness) newDevice(t *testing.T, name string, files map[string]string) *device {
	t.Helper()

	d := &device{
		name:      name,
		dir:       t.TempDir(),
		statePath: filepath.Join(t.TempDir(), "state.db"),
	}

	for p, content := range files {
		d.write(t, p, content)
	}

	d.open(t, h)

	return d
}

// open builds the engine and opens state. It is called again after close
// to simulate a restart.
func (d *device) open(t *testing.T, h *harness) {
	t.Helper()

	c, err := gitsync.NewVaultCipher(h.key)
	require.NoError(t, err)

	filter := gitsync.LoadPathFilter(d.dir, gitsync.DefaultQuarantineDir, logging.Discard())

	vault, err := gitsync.NewVault(d.dir, filter)
	require.NoError(t, err)

	client, err := github.NewClient(github.Options{
		BaseURL:         h.srv.URL,
		Token:           h.srv.Token,
		Owner:           testOwner,
		Repo:            testRepo,
		UserAgent:       "vault-gitsync/e2e",
		Retries:         2,
		RetryMinBackoff: time.Millisecond,
		RetryMaxBackoff: 5 * time.Millisecond,
		BlobCacheSize:   32,
	})
	require.NoError(t, err)

	st, err := state.LoadAt(d.statePath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	d.state = st
	d.cipher = c
	d.engine = gitsync.NewEngine(vault, client, c, st, filter, gitsync.EngineConfig{
		StateKey:    stateKey,
		Branch:      "main",
		Device:      d.name,
		Concurrency: 4,
	}, logging.Discard())
}

const stateKey = testOwner + "/" + testRepo + "@main"

func (d *device) sync(t *testing.T) *gitsync.SyncResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := d.engine.Sync(ctx)
	require.NoError(t, err)

	return res
}

func (d *device) write(t *testing.T, rel, content string) {
	t.Helper()

	full := filepath.Join(d.dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (d *device) remove(t *testing.T, rel string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(d.dir, filepath.FromSlash(rel))))
}

func (d *device) read(t *testing.T, rel string) (string, bool) {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(d.dir, filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return "", false
	}

	require.NoError(t, err)

	return string(data), true
}

// files returns every regular file under the vault, quarantine included,
// keyed by slash path.
func (d *device) files(t *testing.T) map[string]string {
	t.Helper()

	out := map[string]string{}

	err := filepath.WalkDir(d.dir, func(p string, e os.DirEntry, err error) error {
		if err != nil || e.IsDir() {
			return err
		}

		rel, err := filepath.Rel(d.dir, p)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}

		out[filepath.ToSlash(rel)] = string(data)

		return nil
	})
	require.NoError(t, err)

	return out
}

// remoteFiles decrypts the head of main as a device would see it.
func (h *harness) remoteFiles(t *testing.T, c gitsync.Cipher) map[string]string {
	t.Helper()

	out := map[string]string{}

	for token, sha := range h.srv.Entries(h.srv.Head("main")) {
		p, err := c.DecryptPath(token)
		require.NoError(t, err, "tree entry %s", token)

		data, err := c.DecryptContent(h.srv.Blob(sha))
		require.NoError(t, err, "blob for %s", p)

		out[p] = string(data)
	}

	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}

	return false
}
