// Package github implements the remote side of a sync on top of the GitHub
// Git Data API: refs, commits, trees and blobs of a single repository.
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/vault-gitsync/internal/errors"
	"github.com/alexjbarnes/vault-gitsync/internal/gitsync"
	"github.com/alexjbarnes/vault-gitsync/internal/metrics"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
)

const (
	// DefaultBaseURL is the public GitHub REST endpoint.
	DefaultBaseURL = "https://api.github.com"

	apiVersion = "2022-11-28"

	// requestTimeout bounds a single HTTP round trip, retries excluded.
	requestTimeout = 60 * time.Second

	// maxErrorMessageLen caps how much of an error body is kept.
	maxErrorMessageLen = 256
)

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Owner   string
	Repo    string
	// UserAgent is sent with every request. GitHub rejects requests
	// without one.
	UserAgent string
	// Retries is the number of extra attempts for transient failures.
	Retries int
	// RetryMinBackoff and RetryMaxBackoff bound the exponential backoff.
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	// BlobCacheSize is the number of decoded blobs kept in memory.
	// Blobs are immutable, so cached entries never go stale.
	BlobCacheSize int
}

// Client talks to one GitHub repository.
type Client struct {
	http  *req.Client
	blobs *lru.Cache[string, []byte]
}

var _ gitsync.RemoteAPI = (*Client)(nil)

// NewClient builds a Client. Transient failures (network errors, 429 and
// 5xx, 403 with an exhausted rate limit) are retried with backoff.
func NewClient(opts Options) (*Client, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}

	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}

	if opts.UserAgent == "" {
		opts.UserAgent = "vault-gitsync"
	}

	if opts.BlobCacheSize < 1 {
		opts.BlobCacheSize = 256
	}

	if opts.RetryMinBackoff <= 0 {
		opts.RetryMinBackoff = 500 * time.Millisecond
	}

	if opts.RetryMaxBackoff < opts.RetryMinBackoff {
		opts.RetryMaxBackoff = 10 * time.Second
	}

	blobs, err := lru.New[string, []byte](opts.BlobCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating blob cache: %w", err)
	}

	base := strings.TrimRight(opts.BaseURL, "/") + "/repos/" + opts.Owner + "/" + opts.Repo

	c := req.C().
		SetBaseURL(base).
		SetTimeout(requestTimeout).
		SetUserAgent(opts.UserAgent).
		SetCommonHeader("Accept", "application/vnd.github+json").
		SetCommonHeader("X-GitHub-Api-Version", apiVersion).
		SetCommonRetryCount(opts.Retries).
		SetCommonRetryBackoffInterval(opts.RetryMinBackoff, opts.RetryMaxBackoff).
		SetCommonRetryCondition(shouldRetry).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal)

	if opts.Token != "" {
		c.SetCommonBearerAuthToken(opts.Token)
	}

	return &Client{http: c, blobs: blobs}, nil
}

// --- Wire types ---

type objectRef struct {
	SHA string `json:"sha"`
}

type refResponse struct {
	Ref    string    `json:"ref"`
	Object objectRef `json:"object"`
}

type commitResponse struct {
	SHA  string    `json:"sha"`
	Tree objectRef `json:"tree"`
}

type treeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	// SHA is serialised as null to delete an entry from the base tree.
	SHA *string `json:"sha"`
}

type treeResponse struct {
	SHA       string      `json:"sha"`
	Tree      []treeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

type createTreeRequest struct {
	BaseTree string      `json:"base_tree,omitempty"`
	Tree     []treeEntry `json:"tree"`
}

type createBlobRequest struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type blobResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type createCommitRequest struct {
	Message string   `json:"message"`
	Tree    string   `json:"tree"`
	Parents []string `json:"parents"`
}

type updateRefRequest struct {
	SHA   string `json:"sha"`
	Force bool   `json:"force"`
}

// --- RemoteAPI ---

// GetRef returns the commit the branch points at. ref may be "main",
// "heads/main" or "refs/heads/main".
func (c *Client) GetRef(ctx context.Context, ref string) (string, error) {
	var out refResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		Get("/git/ref/" + headsRef(ref))
	if err := handleAPIError(resp, err, "getRef"); err != nil {
		return "", err
	}

	return out.Object.SHA, nil
}

// GetCommitTree returns the root tree of a commit.
func (c *Client) GetCommitTree(ctx context.Context, commitID string) (string, error) {
	var out commitResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("sha", commitID).
		SetSuccessResult(&out).
		Get("/git/commits/{sha}")
	if err := handleAPIError(resp, err, "getCommitTree"); err != nil {
		return "", err
	}

	return out.Tree.SHA, nil
}

// GetTree lists a tree recursively. A truncated listing is an error: acting
// on it would look like mass deletion.
func (c *Client) GetTree(ctx context.Context, treeID string) ([]gitsync.TreeNode, error) {
	var out treeResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("sha", treeID).
		SetQueryParam("recursive", "1").
		SetSuccessResult(&out).
		Get("/git/trees/{sha}")
	if err := handleAPIError(resp, err, "getTree"); err != nil {
		return nil, err
	}

	if out.Truncated {
		return nil, fmt.Errorf("getTree %s: %w: listing truncated", treeID, apperrors.ErrAPIResponse)
	}

	nodes := make([]gitsync.TreeNode, 0, len(out.Tree))
	for _, e := range out.Tree {
		nodes = append(nodes, gitsync.TreeNode{
			Path:      e.Path,
			Mode:      e.Mode,
			Type:      gitsync.NodeType(e.Type),
			ContentID: e.SHA,
		})
	}

	return nodes, nil
}

// CreateBlob stores content as a blob and returns its sha.
func (c *Client) CreateBlob(ctx context.Context, content []byte) (string, error) {
	var out objectRef

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(&createBlobRequest{
			Content:  base64.StdEncoding.EncodeToString(content),
			Encoding: "base64",
		}).
		SetSuccessResult(&out).
		Post("/git/blobs")
	if err := handleAPIError(resp, err, "createBlob"); err != nil {
		return "", err
	}

	c.blobs.Add(out.SHA, content)

	return out.SHA, nil
}

// CreateTree applies nodes on top of baseTreeID.
func (c *Client) CreateTree(ctx context.Context, nodes []gitsync.TreeNode, baseTreeID string) (string, error) {
	body := createTreeRequest{BaseTree: baseTreeID, Tree: make([]treeEntry, 0, len(nodes))}

	for _, n := range nodes {
		mode := n.Mode
		if mode == "" {
			mode = gitsync.ModeFile
		}

		typ := n.Type
		if typ == "" {
			typ = gitsync.NodeBlob
		}

		body.Tree = append(body.Tree, treeEntry{Path: n.Path, Mode: mode, Type: string(typ), SHA: n.ContentID})
	}

	var out objectRef

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(&body).
		SetSuccessResult(&out).
		Post("/git/trees")
	if err := handleAPIError(resp, err, "createTree"); err != nil {
		return "", err
	}

	return out.SHA, nil
}

// CreateCommit creates a commit with one parent.
func (c *Client) CreateCommit(ctx context.Context, message, treeID, parentCommitID string) (string, error) {
	body := createCommitRequest{Message: message, Tree: treeID, Parents: []string{}}
	if parentCommitID != "" {
		body.Parents = append(body.Parents, parentCommitID)
	}

	var out objectRef

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(&body).
		SetSuccessResult(&out).
		Post("/git/commits")
	if err := handleAPIError(resp, err, "createCommit"); err != nil {
		return "", err
	}

	return out.SHA, nil
}

// UpdateRef fast-forwards the branch to commitID.
func (c *Client) UpdateRef(ctx context.Context, ref, commitID string) (string, error) {
	var out refResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(&updateRefRequest{SHA: commitID}).
		SetSuccessResult(&out).
		Patch("/git/refs/" + headsRef(ref))
	if err := handleAPIError(resp, err, "updateRef"); err != nil {
		return "", err
	}

	return out.Object.SHA, nil
}

// GetBlob returns the decoded content of a blob.
func (c *Client) GetBlob(ctx context.Context, contentID string) ([]byte, error) {
	if data, ok := c.blobs.Get(contentID); ok {
		metrics.BlobCacheRequestsTotal.WithLabelValues("hit").Inc()
		return data, nil
	}

	metrics.BlobCacheRequestsTotal.WithLabelValues("miss").Inc()

	var out blobResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("sha", contentID).
		SetSuccessResult(&out).
		Get("/git/blobs/{sha}")
	if err := handleAPIError(resp, err, "getBlob"); err != nil {
		return nil, err
	}

	data, err := decodeBlob(out)
	if err != nil {
		return nil, fmt.Errorf("getBlob %s: %w", contentID, err)
	}

	c.blobs.Add(contentID, data)

	return data, nil
}

func decodeBlob(b blobResponse) ([]byte, error) {
	switch b.Encoding {
	case "base64":
		// GitHub wraps base64 content at 60 columns.
		clean := strings.NewReplacer("\n", "", "\r", "").Replace(b.Content)

		data, err := base64.StdEncoding.DecodeString(clean)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding blob: %v", apperrors.ErrAPIResponse, err)
		}

		return data, nil
	case "utf-8", "":
		return []byte(b.Content), nil
	default:
		return nil, fmt.Errorf("%w: unknown blob encoding %q", apperrors.ErrAPIResponse, b.Encoding)
	}
}

// headsRef turns a branch name into the "heads/<name>" form the ref
// endpoints expect. It is appended to the URL unescaped because the slash
// is part of the route.
func headsRef(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/")
	if strings.HasPrefix(ref, "heads/") || strings.HasPrefix(ref, "tags/") {
		return ref
	}

	return "heads/" + ref
}

// --- Errors ---

// handleAPIError converts a failed request into a *apperrors.RemoteCallError.
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		status := 0
		if resp != nil && resp.Response != nil {
			status = resp.StatusCode
		}

		return &apperrors.RemoteCallError{Operation: operation, Status: status, Err: requestErr}
	}

	if !resp.IsErrorState() {
		return nil
	}

	return &apperrors.RemoteCallError{
		Operation:   operation,
		Status:      resp.StatusCode,
		Message:     errorMessage(resp.Bytes()),
		RateLimited: isRateLimited(resp.Response),
	}
}

// errorMessage extracts GitHub's "message" field, falling back to a
// truncated raw body.
func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "message"); msg.Exists() {
		return truncate(msg.String())
	}

	return truncate(strings.TrimSpace(string(body)))
}

func truncate(s string) string {
	if len(s) > maxErrorMessageLen {
		return s[:maxErrorMessageLen] + "...(truncated)"
	}

	return s
}

// isRateLimited reports a primary or secondary rate limit response. GitHub
// signals both with 403 or 429 plus rate limit headers.
func isRateLimited(resp *http.Response) bool {
	if resp == nil {
		return false
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}

	if resp.StatusCode != http.StatusForbidden {
		return false
	}

	return resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != ""
}

func shouldRetry(resp *req.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}

	if resp == nil || resp.Response == nil {
		return false
	}

	if isRateLimited(resp.Response) {
		return true
	}

	switch resp.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}

	return false
}
