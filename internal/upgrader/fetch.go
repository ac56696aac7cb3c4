package upgrader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/blockseq/pkg/types"
)

// DefaultProjectURL is the public project server; %s is the identifier.
const DefaultProjectURL = "https://projects.scratch.mit.edu/%s"

// maxBodyBytes caps a single project download.
const maxBodyBytes = 64 << 20

// ErrStatus means the project server answered with a non-200 status.
var ErrStatus = errors.New("unexpected status from project server")

// HTTPFetcher downloads projects from a URL template, sharing one rate limiter
// across all workers.
type HTTPFetcher struct {
	client      *http.Client
	urlTemplate string
	limiter     *rate.Limiter
}

// NewHTTPFetcher creates a fetcher. rps <= 0 disables rate limiting.
func NewHTTPFetcher(urlTemplate string, timeout time.Duration, rps float64, burst int) *HTTPFetcher {
	if urlTemplate == "" {
		urlTemplate = DefaultProjectURL
	}
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &HTTPFetcher{
		client:      &http.Client{Timeout: timeout},
		urlTemplate: urlTemplate,
		limiter:     rate.NewLimiter(limit, burst),
	}
}

// Fetch performs a GET for the project and returns its body.
func (f *HTTPFetcher) Fetch(ctx context.Context, id types.ProjectID) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	target := fmt.Sprintf(f.urlTemplate, url.PathEscape(string(id)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s returned %d", ErrStatus, target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	return body, nil
}

// DirFetcher reads <dir>/<id>.json, for corpora that were downloaded ahead
// of time.
type DirFetcher struct {
	Dir string
}

// Fetch reads the project file.
func (f DirFetcher) Fetch(ctx context.Context, id types.ProjectID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := string(id)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid project id %q", name)
	}
	return os.ReadFile(filepath.Join(f.Dir, name+".json"))
}

// CommandConverter runs an external program that reads a schema 2 document on
// stdin and writes the schema 3 document to stdout. The project id is passed
// as the final argument.
type CommandConverter struct {
	Argv []string
}

// Convert runs the command under ctx.
func (c CommandConverter) Convert(ctx context.Context, id types.ProjectID, body []byte) ([]byte, error) {
	if len(c.Argv) == 0 {
		return nil, ErrNoConverter
	}

	args := append(append([]string{}, c.Argv[1:]...), string(id))
	cmd := exec.CommandContext(ctx, c.Argv[0], args...)
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrConvert, c.Argv[0], err, msg)
	}
	return stdout.Bytes(), nil
}

// Config describes how projects are located and upgraded.
type Config struct {
	ProjectURL        string
	ProjectDir        string
	ConvertCommand    []string
	RequestsPerSecond float64
	Burst             int
	HTTPTimeout       time.Duration
}

// FromConfig builds an Upgrader. A non-empty ProjectDir takes precedence over
// the HTTP source.
func FromConfig(cfg Config) *Upgrader {
	var fetcher Fetcher
	if cfg.ProjectDir != "" {
		fetcher = DirFetcher{Dir: cfg.ProjectDir}
	} else {
		fetcher = NewHTTPFetcher(cfg.ProjectURL, cfg.HTTPTimeout, cfg.RequestsPerSecond, cfg.Burst)
	}

	var converter Converter
	if len(cfg.ConvertCommand) > 0 {
		converter = CommandConverter{Argv: cfg.ConvertCommand}
	}
	return New(fetcher, converter)
}
