package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	json "github.com/goccy/go-json"
)

// Prober reports whether a daemon answers on a loopback port.
// It is implemented by *Client and by fakes in tests.
type Prober interface {
	Probe(ctx context.Context, port int, timeout time.Duration) bool
}

// Ensure Client implements Prober at compile time.
var _ Prober = (*Client)(nil)

// Errors returned by Check. Probe folds all of them into false.
var (
	ErrUnexpectedStatus = errors.New("unexpected health status")
	ErrMalformedBody    = errors.New("malformed health body")
	ErrWrongApp         = errors.New("health body is not from the download daemon")
	ErrVersionTooOld    = errors.New("daemon version below minimum")
)

// Health mirrors the payload returned by the daemon's health endpoint.
type Health struct {
	App     string `json:"app"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// Options configure a Client. Zero values use the defaults.
type Options struct {
	Host       string
	HealthPath string
	AppMarker  string
	MinVersion string
	Transport  http.RoundTripper
}

// Client issues health checks against 127.0.0.1:<port>.
type Client struct {
	host       string
	path       string
	marker     string
	minVersion *semver.Version
	http       *http.Client
	userAgent  string
}

const (
	defaultHost         = "127.0.0.1"
	defaultHealthPath   = "/health"
	defaultAppMarker    = "downloader"
	defaultUserAgent    = "tether/0.1"
	defaultProbeTimeout = 500 * time.Millisecond
	maxBodyBytes        = 64 << 10
)

// NewClient builds a Client from opts.
func NewClient(opts Options) (*Client, error) {
	c := &Client{
		host:      strings.TrimSpace(opts.Host),
		path:      strings.TrimSpace(opts.HealthPath),
		marker:    strings.TrimSpace(opts.AppMarker),
		userAgent: defaultUserAgent,
	}
	if c.host == "" {
		c.host = defaultHost
	}
	if c.path == "" {
		c.path = defaultHealthPath
	}
	if !strings.HasPrefix(c.path, "/") {
		c.path = "/" + c.path
	}
	if c.marker == "" {
		c.marker = defaultAppMarker
	}
	if raw := strings.TrimSpace(opts.MinVersion); raw != "" {
		v, err := semver.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("parse min version %q: %w", raw, err)
		}
		c.minVersion = v
	}

	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		// Loopback traffic must never go through a configured proxy.
		t.Proxy = nil
		transport = t
	}
	c.http = &http.Client{Transport: transport}
	return c, nil
}

// Probe performs one bounded health check and reports success. Every failure
// mode, including a panic in the transport, yields false.
func (c *Client) Probe(ctx context.Context, port int, timeout time.Duration) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	_, err := c.Check(ctx, port, timeout)
	return err == nil
}

// Check performs one bounded health check and returns the decoded payload.
func (c *Client) Check(ctx context.Context, port int, timeout time.Duration) (Health, error) {
	if c == nil {
		return Health{}, fmt.Errorf("client is nil")
	}
	if port < 1 || port > 65535 {
		return Health{}, fmt.Errorf("port %d out of range", port)
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(port), nil)
	if err != nil {
		return Health{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Health{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Health{}, fmt.Errorf("read response: %w", err)
	}
	var health Health
	if err := json.Unmarshal(body, &health); err != nil {
		return Health{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if !strings.EqualFold(strings.TrimSpace(health.App), c.marker) {
		return health, fmt.Errorf("%w: app %q", ErrWrongApp, health.App)
	}
	if err := c.checkVersion(health.Version); err != nil {
		return health, err
	}
	return health, nil
}

// URL returns the health endpoint for port.
func (c *Client) URL(port int) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(c.host, strconv.Itoa(port)),
		Path:   c.path,
	}
	return u.String()
}

func (c *Client) checkVersion(raw string) error {
	if c.minVersion == nil {
		return nil
	}
	v, err := semver.NewVersion(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: unparseable version %q", ErrVersionTooOld, raw)
	}
	if v.LessThan(c.minVersion) {
		return fmt.Errorf("%w: %s < %s", ErrVersionTooOld, v, c.minVersion)
	}
	return nil
}
