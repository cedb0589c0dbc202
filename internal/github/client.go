// Package github implements the read-only repository access client used by
// the agent's tools: file content, one-level directory listing, and code search.
//
// Any non-200 response is reported as an absent (nil) or empty result, never as
// an error. Errors are reserved for transport faults and malformed payloads.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/repo-agent/internal/domain"
	"github.com/ashureev/repo-agent/internal/metrics"
)

const (
	// DefaultBaseURL is the public GitHub REST endpoint.
	DefaultBaseURL = "https://api.github.com"
	// SearchPageSize is the maximum number of code search matches returned.
	SearchPageSize = 10

	apiVersion     = "2022-11-28"
	acceptHeader   = "application/vnd.github.v3+json"
	maxBodyBytes   = 10 << 20
	defaultTimeout = 30 * time.Second
)

// Client talks to one repository at one optional ref.
type Client struct {
	baseURL string
	http    *http.Client
	repo    domain.GitHubContext
	logger  *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root (GitHub Enterprise, tests).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger used for per-path batch failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client scoped to repo.
func New(repo domain.GitHubContext, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		repo:    repo,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type contentItem struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type searchResponse struct {
	Items []struct {
		Name       string  `json:"name"`
		Path       string  `json:"path"`
		SHA        string  `json:"sha"`
		URL        string  `json:"url"`
		HTMLURL    string  `json:"html_url"`
		Score      float64 `json:"score"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	} `json:"items"`
}

// ReadFile returns the decoded content of path, or nil if the path is missing
// or is not a regular file.
func (c *Client) ReadFile(ctx context.Context, path string) (*string, error) {
	body, ok, err := c.get(ctx, "read_file", c.contentsURL(path))
	if err != nil || !ok {
		return nil, err
	}

	// Directories come back as arrays.
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, nil
	}

	var item contentItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("decode contents of %s: %w", path, err)
	}
	if item.Type != "file" {
		return nil, nil
	}

	content := item.Content
	if item.Encoding == "" || item.Encoding == "base64" {
		raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(item.Content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("decode base64 content of %s: %w", path, err)
		}
		content = string(raw)
	}
	return &content, nil
}

// ReadFiles fetches each path in turn. A failure on one path leaves that entry
// nil and does not abort the batch; only context cancellation stops it early.
func (c *Client) ReadFiles(ctx context.Context, paths []string) (map[string]*string, error) {
	results := make(map[string]*string, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		content, err := c.ReadFile(ctx, p)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return results, ctxErr
			}
			c.logger.Warn("Failed to read repository file", "repo", c.repo.FullName(), "path", p, "error", err)
			content = nil
		}
		results[p] = content
	}
	return results, nil
}

// ListDirectory returns the immediate children of path ("" for the root), or
// nil if the listing is unavailable.
func (c *Client) ListDirectory(ctx context.Context, path string) ([]domain.FileNode, error) {
	body, ok, err := c.get(ctx, "list_directory", c.contentsURL(path))
	if err != nil || !ok {
		return nil, err
	}

	// A file path returns a single object rather than a listing.
	if trimmed := bytes.TrimSpace(body); len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, nil
	}

	var items []contentItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode listing of %q: %w", path, err)
	}

	nodes := make([]domain.FileNode, 0, len(items))
	for _, item := range items {
		node := domain.FileNode{Path: item.Path, Kind: domain.NodeFile}
		if item.Type == "dir" {
			node.Kind = domain.NodeDirectory
			node.Children = []domain.FileNode{}
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// SearchCode runs query scoped to the configured repository. Non-200 responses
// yield an empty result.
func (c *Client) SearchCode(ctx context.Context, query string) ([]domain.CodeMatch, error) {
	params := url.Values{}
	params.Set("q", fmt.Sprintf("%s repo:%s", query, c.repo.FullName()))
	params.Set("per_page", fmt.Sprintf("%d", SearchPageSize))

	body, ok, err := c.get(ctx, "search_code", c.baseURL+"/search/code?"+params.Encode())
	if err != nil {
		return nil, err
	}
	if !ok {
		return []domain.CodeMatch{}, nil
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}

	matches := make([]domain.CodeMatch, 0, len(resp.Items))
	for _, item := range resp.Items {
		if len(matches) == SearchPageSize {
			break
		}
		matches = append(matches, domain.CodeMatch{
			Name:       item.Name,
			Path:       item.Path,
			SHA:        item.SHA,
			URL:        item.URL,
			HTMLURL:    item.HTMLURL,
			Score:      item.Score,
			Repository: item.Repository.FullName,
		})
	}
	return matches, nil
}

func (c *Client) contentsURL(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		c.baseURL, url.PathEscape(c.repo.Owner), url.PathEscape(c.repo.Repo), strings.Join(segments, "/"))
	if c.repo.Ref != "" {
		u += "?ref=" + url.QueryEscape(c.repo.Ref)
	}
	return u
}

// get performs an authenticated GET. ok is false for any non-200 status.
func (c *Client) get(ctx context.Context, operation, rawURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build %s request: %w", operation, err)
	}
	if c.repo.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.repo.AccessToken)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GitHubRequest(operation, 0, time.Since(start))
		return nil, false, fmt.Errorf("%s request: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.GitHubRequest(operation, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, false, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, false, fmt.Errorf("read %s response: %w", operation, err)
	}
	return body, true, nil
}

// ErrNotConfigured is returned by NewFromContext when coordinates are missing.
var ErrNotConfigured = errors.New("repository owner and name are required")

// NewFromContext validates repo and returns a client for it.
func NewFromContext(repo domain.GitHubContext, opts ...Option) (*Client, error) {
	if repo.Owner == "" || repo.Repo == "" {
		return nil, ErrNotConfigured
	}
	return New(repo, opts...), nil
}
