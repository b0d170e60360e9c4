package gitsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/vault-gitsync/internal/errors"
	"github.com/alexjbarnes/vault-gitsync/internal/logging"
	"github.com/alexjbarnes/vault-gitsync/internal/state"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func testCipher(t *testing.T) *VaultCipher {
	t.Helper()

	c, err := NewVaultCipher(testKey)
	require.NoError(t, err)

	return c
}

// --- In-memory LocalFS ---

type memFS struct {
	mu        sync.Mutex
	files     map[string][]byte
	dirs      map[string]bool
	failWrite map[string]error
	failRead  map[string]error
}

func newMemFS(files map[string]string) *memFS {
	m := &memFS{
		files:     make(map[string][]byte),
		dirs:      make(map[string]bool),
		failWrite: make(map[string]error),
		failRead:  make(map[string]error),
	}

	for p, c := range files {
		m.files[p] = []byte(c)
	}

	return m
}

func (m *memFS) ListAllPaths() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths, nil
}

func (m *memFS) ReadBytes(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failRead[path]; err != nil {
		return nil, err
	}

	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
	}

	return append([]byte(nil), data...), nil
}

func (m *memFS) WriteBytes(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failWrite[path]; err != nil {
		return err
	}

	m.files[path] = append([]byte(nil), data...)

	return nil
}

func (m *memFS) DeletePath(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, path)

	return nil
}

func (m *memFS) EnsureFolderExists(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dirs[path] = true

	return nil
}

func (m *memFS) get(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[path]

	return string(data), ok
}

func (m *memFS) set(path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[path] = []byte(content)
}

func (m *memFS) snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.files))
	for p, d := range m.files {
		out[p] = string(d)
	}

	return out
}

// --- In-memory remote ---

type fakeCommit struct {
	tree    string
	parent  string
	message string
}

// fakeRemote is a content-addressed object store with one branch. Tree ids
// are derived from the entries, so an unchanged tree keeps its id.
type fakeRemote struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	trees   map[string]map[string]string
	commits map[string]fakeCommit
	head    string
	seq     int
	calls   map[string]int
	failOn  map[string]int
}

func newFakeRemote() *fakeRemote {
	r := &fakeRemote{
		blobs:   make(map[string][]byte),
		trees:   make(map[string]map[string]string),
		commits: make(map[string]fakeCommit),
		calls:   make(map[string]int),
		failOn:  make(map[string]int),
	}

	root := r.storeTree(map[string]string{})
	r.head = r.storeCommit(fakeCommit{tree: root, message: "Initial commit"})

	return r
}

func (r *fakeRemote) call(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[op]++

	if status, ok := r.failOn[op]; ok {
		delete(r.failOn, op)
		return &apperrors.RemoteCallError{Operation: op, Status: status, Message: "injected"}
	}

	return nil
}

func (r *fakeRemote) failNext(op string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failOn[op] = status
}

func (r *fakeRemote) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls[op]
}

// mutations counts calls that write to the remote.
func (r *fakeRemote) mutations() int {
	return r.count("CreateBlob") + r.count("CreateTree") + r.count("CreateCommit") + r.count("UpdateRef")
}

func (r *fakeRemote) resetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = make(map[string]int)
}

func (r *fakeRemote) headCommit() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.head
}

func (r *fakeRemote) GetRef(_ context.Context, ref string) (string, error) {
	if err := r.call("GetRef"); err != nil {
		return "", err
	}

	if ref != "main" {
		return "", &apperrors.RemoteCallError{Operation: "GetRef", Status: http.StatusNotFound}
	}

	return r.headCommit(), nil
}

func (r *fakeRemote) GetCommitTree(_ context.Context, commitID string) (string, error) {
	if err := r.call("GetCommitTree"); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.commits[commitID]
	if !ok {
		return "", &apperrors.RemoteCallError{Operation: "GetCommitTree", Status: http.StatusNotFound}
	}

	return c.tree, nil
}

func (r *fakeRemote) GetTree(_ context.Context, treeID string) ([]TreeNode, error) {
	if err := r.call("GetTree"); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tree, ok := r.trees[treeID]
	if !ok {
		return nil, &apperrors.RemoteCallError{Operation: "GetTree", Status: http.StatusNotFound}
	}

	nodes := make([]TreeNode, 0, len(tree))
	for p, id := range tree {
		nodes = append(nodes, TreeNode{Path: p, Mode: ModeFile, Type: NodeBlob, ContentID: &id})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })

	return nodes, nil
}

func (r *fakeRemote) CreateBlob(_ context.Context, content []byte) (string, error) {
	if err := r.call("CreateBlob"); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.storeBlob(content), nil
}

func (r *fakeRemote) CreateTree(_ context.Context, nodes []TreeNode, baseTreeID string) (string, error) {
	if err := r.call("CreateTree"); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	base, ok := r.trees[baseTreeID]
	if !ok {
		return "", &apperrors.RemoteCallError{Operation: "CreateTree", Status: http.StatusUnprocessableEntity}
	}

	tree := make(map[string]string, len(base))
	for p, id := range base {
		tree[p] = id
	}

	for _, n := range nodes {
		if n.ContentID == nil {
			delete(tree, n.Path)
			continue
		}

		tree[n.Path] = *n.ContentID
	}

	return r.storeTree(tree), nil
}

func (r *fakeRemote) CreateCommit(_ context.Context, message, treeID, parentCommitID string) (string, error) {
	if err := r.call("CreateCommit"); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.storeCommit(fakeCommit{tree: treeID, parent: parentCommitID, message: message}), nil
}

func (r *fakeRemote) UpdateRef(_ context.Context, _, commitID string) (string, error) {
	if err := r.call("UpdateRef"); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.commits[commitID].parent != r.head {
		return "", &apperrors.RemoteCallError{Operation: "UpdateRef", Status: http.StatusUnprocessableEntity, Message: "Update is not a fast forward"}
	}

	r.head = commitID

	return commitID, nil
}

func (r *fakeRemote) GetBlob(_ context.Context, contentID string) ([]byte, error) {
	if err := r.call("GetBlob"); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, ok := r.blobs[contentID]
	if !ok {
		return nil, &apperrors.RemoteCallError{Operation: "GetBlob", Status: http.StatusNotFound}
	}

	return data, nil
}

// commitRaw writes tree entries straight to the branch. Keys are stored
// as-is, so callers pass encrypted tokens or deliberately broken ones. A
// nil value removes the entry.
func (r *fakeRemote) commitRaw(entries map[string][]byte) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree := make(map[string]string)
	for p, id := range r.trees[r.commits[r.head].tree] {
		tree[p] = id
	}

	for p, data := range entries {
		if data == nil {
			delete(tree, p)
			continue
		}

		tree[p] = r.storeBlob(data)
	}

	r.head = r.storeCommit(fakeCommit{tree: r.storeTree(tree), parent: r.head, message: "raw"})

	return r.head
}

// rewriteHead moves the branch to a new commit with the same tree.
func (r *fakeRemote) rewriteHead() string {
	return r.commitRaw(nil)
}

// files decrypts the head tree into path -> plaintext content.
func (r *fakeRemote) files(t *testing.T, c Cipher) map[string]string {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string)

	for token, id := range r.trees[r.commits[r.head].tree] {
		path, err := c.DecryptPath(token)
		require.NoError(t, err)

		plain, err := c.DecryptContent(r.blobs[id])
		require.NoError(t, err)

		out[path] = string(plain)
	}

	return out
}

func (r *fakeRemote) storeBlob(data []byte) string {
	sum := sha256.Sum256(data)
	id := "b" + hex.EncodeToString(sum[:])[:15]
	r.blobs[id] = append([]byte(nil), data...)

	return id
}

func (r *fakeRemote) storeTree(tree map[string]string) string {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s %s\n", k, tree[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	id := "t" + hex.EncodeToString(sum[:])[:15]
	r.trees[id] = tree

	return id
}

func (r *fakeRemote) storeCommit(c fakeCommit) string {
	r.seq++
	id := fmt.Sprintf("c%015d", r.seq)
	r.commits[id] = c

	return id
}

// --- In-memory snapshot store ---

type memStore struct {
	mu      sync.Mutex
	snaps   map[string]state.Snapshot
	records map[string]state.SyncRecord
	saves   int
	failErr error
}

func newMemStore() *memStore {
	return &memStore{
		snaps:   make(map[string]state.Snapshot),
		records: make(map[string]state.SyncRecord),
	}
}

func (s *memStore) LoadSnapshot(key string) (state.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snaps[key]
	if !ok {
		return state.Snapshot{
			LocalFingerprints:             map[string]string{},
			LastFetchedRemoteFingerprints: map[string]string{},
		}, nil
	}

	return copySnapshot(snap), nil
}

func (s *memStore) SaveSnapshot(key string, snap state.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return s.failErr
	}

	s.saves++
	s.snaps[key] = copySnapshot(snap)

	return nil
}

func (s *memStore) RecordSync(key string, rec state.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = rec

	return nil
}

func (s *memStore) get(key string) state.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return copySnapshot(s.snaps[key])
}

func copySnapshot(snap state.Snapshot) state.Snapshot {
	return state.Snapshot{
		LocalFingerprints:             FingerprintMap(snap.LocalFingerprints).Clone(),
		LastFetchedCommitID:           snap.LastFetchedCommitID,
		LastFetchedRemoteFingerprints: FingerprintMap(snap.LastFetchedRemoteFingerprints).Clone(),
	}
}

// --- Devices ---

const testStateKey = "alex/notes@main"

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// device is one engine with its own vault and snapshot, sharing a remote.
type device struct {
	fs     *memFS
	store  *memStore
	engine *Engine
}

func newDevice(t *testing.T, remote RemoteAPI, name string, files map[string]string) *device {
	t.Helper()

	fs := newMemFS(files)
	store := newMemStore()
	engine := NewEngine(fs, remote, testCipher(t), store, nil, EngineConfig{
		StateKey:    testStateKey,
		Branch:      "main",
		Device:      name,
		Concurrency: 4,
		Now:         func() time.Time { return fixedNow },
	}, logging.Discard())

	return &device{fs: fs, store: store, engine: engine}
}

func (d *device) sync(t *testing.T) *SyncResult {
	t.Helper()

	res, err := d.engine.Sync(context.Background())
	require.NoError(t, err)

	return res
}

// encryptedEntry returns a tree token and blob for path and content.
func encryptedEntry(t *testing.T, c Cipher, path, content string) (string, []byte) {
	t.Helper()

	token, err := c.EncryptPath(path)
	require.NoError(t, err)

	enc, err := c.EncryptContent([]byte(content))
	require.NoError(t, err)

	return token, []byte(enc)
}
