package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/23skdu/longbow-pipegen/internal/logger"
	"github.com/23skdu/longbow-pipegen/internal/metrics"
)

const (
	DefaultEndpoint = "https://huggingface.co"
	DefaultRevision = "main"
	// Shard files can be tens of GB
	DefaultTimeout = 30 * time.Minute

	EnvToken    = "HF_TOKEN"
	EnvEndpoint = "HF_ENDPOINT"
	EnvHome     = "HF_HOME"
)

var (
	ErrRepoNotFound = errors.New("repository not found")
	ErrUnauthorized = errors.New("authentication failed")
	ErrBadResponse  = errors.New("invalid hub response")
	ErrBadRepoID    = errors.New("invalid repo id")
)

// repoInfo is the subset of the hub model API we need: the file listing.
type repoInfo struct {
	SHA      string    `json:"sha"`
	Siblings []sibling `json:"siblings"`
}

type sibling struct {
	Filename string `json:"rfilename"`
	Size     int64  `json:"size"`
}

type Client struct {
	httpClient *http.Client
	endpoint   string
	token      string
	cacheDir   string
}

type Option func(*Client)

func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = strings.TrimSuffix(url, "/") }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithCacheDir(dir string) Option {
	return func(c *Client) { c.cacheDir = dir }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func NewClient(options ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		endpoint:   DefaultEndpoint,
		cacheDir:   defaultCacheDir(),
	}
	if token := os.Getenv(EnvToken); token != "" {
		c.token = token
	}
	if ep := os.Getenv(EnvEndpoint); ep != "" {
		c.endpoint = strings.TrimSuffix(ep, "/")
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func defaultCacheDir() string {
	if home := os.Getenv(EnvHome); home != "" {
		return filepath.Join(home, "hub")
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "hub-cache")
	}
	return filepath.Join(userHome, ".cache", "huggingface", "hub")
}

// SnapshotDir returns the local cache directory for a repo without touching
// the network.
func (c *Client) SnapshotDir(repo string) string {
	return filepath.Join(c.cacheDir,
		"models--"+strings.ReplaceAll(repo, "/", "--"),
		"snapshots", DefaultRevision)
}

// Snapshot fetches every repo file matching the patterns into the local
// cache and returns the snapshot directory. Patterns are shell globs matched
// against the full repo-relative filename; an exact filename is a valid
// pattern. Files already present on disk are not fetched again.
//
// A repo argument naming an existing local directory is returned as-is,
// so --model can point at a checkout on disk.
func (c *Client) Snapshot(ctx context.Context, repo string, patterns []string) (string, error) {
	if info, err := os.Stat(repo); err == nil && info.IsDir() {
		return repo, nil
	}
	if err := validateRepoID(repo); err != nil {
		return "", err
	}

	info, err := c.repoInfo(ctx, repo)
	if err != nil {
		return "", err
	}

	dir := c.SnapshotDir(repo)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	for _, sib := range info.Siblings {
		if !matchAny(patterns, sib.Filename) {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(sib.Filename))
		if _, err := os.Stat(target); err == nil {
			metrics.RecordCacheHit()
			continue
		}
		if err := c.downloadFile(ctx, repo, sib.Filename, target); err != nil {
			return "", fmt.Errorf("download %s: %w", sib.Filename, err)
		}
	}

	return dir, nil
}

func (c *Client) repoInfo(ctx context.Context, repo string) (*repoInfo, error) {
	url := fmt.Sprintf("%s/api/models/%s", c.endpoint, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return nil, err
	}

	var info repoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return &info, nil
}

func (c *Client) downloadFile(ctx context.Context, repo, filename, target string) error {
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", c.endpoint, repo, DefaultRevision, filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	// Write to a temp file and rename so a killed download never leaves a
	// half-written file that a later run would treat as cached.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	tmp = nil
	if err := os.Rename(tmpPath, target); err != nil {
		return err
	}

	metrics.RecordDownload(n, time.Since(start))
	logger.Log.Debug("downloaded file", "repo", repo, "file", filename, "bytes", n)
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "longbow-pipegen/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func responseError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return nil
	case http.StatusNotFound:
		return ErrRepoNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d - %s", ErrBadResponse, resp.StatusCode, string(body))
	}
}

func matchAny(patterns []string, filename string) bool {
	for _, p := range patterns {
		if p == filename {
			return true
		}
		if ok, _ := path.Match(p, filename); ok {
			return true
		}
		// allow "*.json" to match nested files too
		if ok, _ := path.Match(p, path.Base(filename)); ok {
			return true
		}
	}
	return false
}

func validateRepoID(repo string) error {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: expected owner/name, got %q", ErrBadRepoID, repo)
	}
	return nil
}
