// Package githubtest provides an in-memory GitHub Git Data API for tests.
// It models one repository: content-addressed blobs, flat trees, commits
// and branch refs with fast-forward checks.
package githubtest

import (
	"crypto/sha1" //nolint:gosec // git object ids are sha1
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
)

// Operation names, as counted by Calls and targeted by FailNext.
const (
	OpGetRef       = "getRef"
	OpGetCommit    = "getCommit"
	OpGetTree      = "getTree"
	OpCreateBlob   = "createBlob"
	OpCreateTree   = "createTree"
	OpCreateCommit = "createCommit"
	OpUpdateRef    = "updateRef"
	OpGetBlob      = "getBlob"
)

type entry struct {
	mode string
	typ  string
	sha  string
}

type commit struct {
	tree    string
	parents []string
	message string
}

// Server is a fake GitHub repository served over HTTP.
type Server struct {
	*httptest.Server

	Owner string
	Repo  string
	// Token, when set, must be presented as a bearer token.
	Token string

	mu       sync.Mutex
	blobs    map[string][]byte
	trees    map[string]map[string]entry
	commits  map[string]commit
	refs     map[string]string
	calls    map[string]int
	failures map[string][]int
	seq      int
}

// NewServer starts a fake repository whose "main" branch holds one commit
// with an empty tree. The server is closed when the test ends.
func NewServer(t testing.TB, owner, repo string) *Server {
	t.Helper()

	s := &Server{
		Owner:    owner,
		Repo:     repo,
		blobs:    make(map[string][]byte),
		trees:    make(map[string]map[string]entry),
		commits:  make(map[string]commit),
		refs:     make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string][]int),
	}

	root := s.storeTree(map[string]entry{})
	s.refs["heads/main"] = s.storeCommit(commit{tree: root, message: "Initial commit"})

	prefix := "/repos/{owner}/{repo}/git"
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/ref/{ref...}", s.handle(OpGetRef, s.getRef))
	mux.HandleFunc("PATCH "+prefix+"/refs/{ref...}", s.handle(OpUpdateRef, s.updateRef))
	mux.HandleFunc("GET "+prefix+"/commits/{sha}", s.handle(OpGetCommit, s.getCommit))
	mux.HandleFunc("POST "+prefix+"/commits", s.handle(OpCreateCommit, s.createCommit))
	mux.HandleFunc("GET "+prefix+"/trees/{sha}", s.handle(OpGetTree, s.getTree))
	mux.HandleFunc("POST "+prefix+"/trees", s.handle(OpCreateTree, s.createTree))
	mux.HandleFunc("GET "+prefix+"/blobs/{sha}", s.handle(OpGetBlob, s.getBlob))
	mux.HandleFunc("POST "+prefix+"/blobs", s.handle(OpCreateBlob, s.createBlob))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// Calls returns how many requests reached op, failed ones included.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[op]
}

// TotalCalls returns the number of requests across all operations.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.calls {
		n += c
	}

	return n
}

// ResetCalls zeroes the call counters.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = make(map[string]int)
}

// FailNext makes the next request to op answer with status.
func (s *Server) FailNext(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[op] = append(s.failures[op], status)
}

// Head returns the commit a branch points at.
func (s *Server) Head(branch string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refs["heads/"+branch]
}

// Parents returns the parents of a commit.
func (s *Server) Parents(commitID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commits[commitID].parents...)
}

// Message returns the message of a commit.
func (s *Server) Message(commitID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commits[commitID].message
}

// Entries returns path -> blob sha for the tree of a commit.
func (s *Server) Entries(commitID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	for p, e := range s.trees[s.commits[commitID].tree] {
		out[p] = e.sha
	}

	return out
}

// Blob returns the stored content for sha.
func (s *Server) Blob(sha string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.blobs[sha]
}

// CommitFiles writes raw files straight into the repository as a new commit
// on branch, bypassing any client. A nil value deletes the path.
func (s *Server) CommitFiles(branch, message string, files map[string][]byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.refs["heads/"+branch]
	tree := cloneTree(s.trees[s.commits[head].tree])

	for p, data := range files {
		if data == nil {
			delete(tree, p)
			continue
		}

		tree[p] = entry{mode: "100644", typ: "blob", sha: s.storeBlob(data)}
	}

	id := s.storeCommit(commit{tree: s.storeTree(tree), parents: []string{head}, message: message})
	s.refs["heads/"+branch] = id

	return id
}

// --- Handlers ---

type handlerFunc func(w http.ResponseWriter, r *http.Request)

func (s *Server) handle(op string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[op]++

		var status int
		if q := s.failures[op]; len(q) > 0 {
			status = q[0]
			s.failures[op] = q[1:]
		}
		s.mu.Unlock()

		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "Bad credentials")
			return
		}

		if r.PathValue("owner") != s.Owner || r.PathValue("repo") != s.Repo {
			writeError(w, http.StatusNotFound, "Not Found")
			return
		}

		if status != 0 {
			if status == http.StatusForbidden || status == http.StatusTooManyRequests {
				w.Header().Set("X-RateLimit-Remaining", "0")
			}

			writeError(w, status, fmt.Sprintf("injected failure for %s", op))

			return
		}

		h(w, r)
	}
}

func (s *Server) getRef(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")

	s.mu.Lock()
	sha, ok := s.refs[ref]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}

	writeJSON(w, http.StatusOK, refBody(ref, sha))
}

func (s *Server) updateRef(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")

	var body struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.refs[ref]
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "Reference does not exist")
		return
	}

	if _, ok := s.commits[body.SHA]; !ok {
		writeError(w, http.StatusUnprocessableEntity, "Object does not exist")
		return
	}

	if !body.Force && !s.descendsFrom(body.SHA, current) {
		writeError(w, http.StatusUnprocessableEntity, "Update is not a fast forward")
		return
	}

	s.refs[ref] = body.SHA
	writeJSON(w, http.StatusOK, refBody(ref, body.SHA))
}

func (s *Server) getCommit(w http.ResponseWriter, r *http.Request) {
	sha := r.PathValue("sha")

	s.mu.Lock()
	c, ok := s.commits[sha]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}

	parents := make([]map[string]string, 0, len(c.parents))
	for _, p := range c.parents {
		parents = append(parents, map[string]string{"sha": p})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sha":     sha,
		"message": c.message,
		"tree":    map[string]string{"sha": c.tree},
		"parents": parents,
	})
}

func (s *Server) createCommit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trees[body.Tree]; !ok {
		writeError(w, http.StatusUnprocessableEntity, "Tree SHA does not exist")
		return
	}

	for _, p := range body.Parents {
		if _, ok := s.commits[p]; !ok {
			writeError(w, http.StatusUnprocessableEntity, "Parent SHA does not exist or is not a commit object")
			return
		}
	}

	sha := s.storeCommit(commit{tree: body.Tree, parents: body.Parents, message: body.Message})
	writeJSON(w, http.StatusCreated, map[string]any{"sha": sha, "tree": map[string]string{"sha": body.Tree}})
}

func (s *Server) getTree(w http.ResponseWriter, r *http.Request) {
	sha := r.PathValue("sha")

	s.mu.Lock()
	tree, ok := s.trees[sha]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}

	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	entries := make([]map[string]any, 0, len(paths))
	for _, p := range paths {
		e := tree[p]
		entries = append(entries, map[string]any{"path": p, "mode": e.mode, "type": e.typ, "sha": e.sha})
	}

	writeJSON(w, http.StatusOK, map[string]any{"sha": sha, "tree": entries, "truncated": false})
}

func (s *Server) createTree(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BaseTree string `json:"base_tree"`
		Tree     []struct {
			Path string  `json:"path"`
			Mode string  `json:"mode"`
			Type string  `json:"type"`
			SHA  *string `json:"sha"`
		} `json:"tree"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tree := map[string]entry{}

	if body.BaseTree != "" {
		base, ok := s.trees[body.BaseTree]
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "base_tree is not a valid tree oid")
			return
		}

		tree = cloneTree(base)
	}

	for _, e := range body.Tree {
		if e.Path == "" || strings.HasPrefix(e.Path, "/") {
			writeError(w, http.StatusUnprocessableEntity, "tree.path contains a malformed path component")
			return
		}

		if e.SHA == nil {
			delete(tree, e.Path)
			continue
		}

		if _, ok := s.blobs[*e.SHA]; !ok {
			writeError(w, http.StatusUnprocessableEntity, "tree.sha "+*e.SHA+" is not a valid blob")
			return
		}

		tree[e.Path] = entry{mode: e.Mode, typ: e.Type, sha: *e.SHA}
	}

	sha := s.storeTree(tree)
	writeJSON(w, http.StatusCreated, map[string]any{"sha": sha})
}

func (s *Server) getBlob(w http.ResponseWriter, r *http.Request) {
	sha := r.PathValue("sha")

	s.mu.Lock()
	data, ok := s.blobs[sha]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sha":      sha,
		"size":     len(data),
		"content":  wrap(base64.StdEncoding.EncodeToString(data), 60),
		"encoding": "base64",
	})
}

func (s *Server) createBlob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}

	data := []byte(body.Content)

	if body.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(body.Content)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "content is not valid Base64")
			return
		}

		data = decoded
	}

	s.mu.Lock()
	sha := s.storeBlob(data)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"sha": sha})
}

// --- Object store ---

func (s *Server) storeBlob(data []byte) string {
	h := sha1.New() //nolint:gosec // git object ids are sha1
	fmt.Fprintf(h, "blob %d\x00", len(data))
	h.Write(data)

	sha := hex.EncodeToString(h.Sum(nil))
	s.blobs[sha] = append([]byte(nil), data...)

	return sha
}

func (s *Server) storeTree(tree map[string]entry) string {
	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	h := sha1.New() //nolint:gosec // git object ids are sha1
	for _, p := range paths {
		e := tree[p]
		fmt.Fprintf(h, "%s %s %s\t%s\n", e.mode, e.typ, e.sha, p)
	}

	sha := hex.EncodeToString(h.Sum(nil))
	s.trees[sha] = tree

	return sha
}

func (s *Server) storeCommit(c commit) string {
	s.seq++

	h := sha1.New() //nolint:gosec // git object ids are sha1
	fmt.Fprintf(h, "tree %s\n", c.tree)

	for _, p := range c.parents {
		fmt.Fprintf(h, "parent %s\n", p)
	}

	fmt.Fprintf(h, "seq %d\n\n%s", s.seq, c.message)

	sha := hex.EncodeToString(h.Sum(nil))
	s.commits[sha] = c

	return sha
}

func (s *Server) descendsFrom(sha, ancestor string) bool {
	seen := map[string]bool{}
	queue := []string{sha}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur == ancestor {
			return true
		}

		if seen[cur] {
			continue
		}

		seen[cur] = true
		queue = append(queue, s.commits[cur].parents...)
	}

	return false
}

func cloneTree(t map[string]entry) map[string]entry {
	out := make(map[string]entry, len(t))
	for k, v := range t {
		out[k] = v
	}

	return out
}

func refBody(ref, sha string) map[string]any {
	return map[string]any{
		"ref":    "refs/" + ref,
		"object": map[string]string{"sha": sha, "type": "commit"},
	}
}

func wrap(s string, width int) string {
	var b strings.Builder

	for len(s) > width {
		b.WriteString(s[:width])
		b.WriteByte('\n')
		s = s[width:]
	}

	b.WriteString(s)

	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"message":           message,
		"documentation_url": "https://docs.github.com/rest/git",
	})
}
