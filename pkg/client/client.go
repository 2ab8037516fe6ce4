// Package client is a typed HTTP client for the craftd control API. It
// covers every daemon endpoint except the websocket terminal itself, for
// which it hands back the upgrade URL.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client talks to one craftd daemon.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the daemon's API root, e.g. "http://127.0.0.1:8137".
	// Include the base path when the daemon is mounted under one.
	BaseURL string
	// Token is sent as the Authorization bearer token when non-empty.
	Token   string
	Timeout time.Duration
	TLS     *TLSClientConfig
	// Insecure skips TLS verification. For self-signed test setups only.
	Insecure bool
}

// TLSClientConfig holds TLS material for HTTPS daemons.
type TLSClientConfig struct {
	CACert     string // CA certificate file
	ClientCert string // client certificate file
	ClientKey  string // client private key file
	ServerName string // override for certificate verification
	SkipVerify bool
}

// DefaultBaseURL matches the daemon's default loopback listener.
const DefaultBaseURL = "http://127.0.0.1:8137"

// New builds a client. Zero-value fields fall back to the defaults.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	transport := &http.Transport{}
	if cfg.TLS != nil || cfg.Insecure {
		tc, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

// BaseURL returns the normalized daemon API root.
func (c *Client) BaseURL() string { return c.baseURL }

// WebsocketURL turns a connect grant path into the ws:// or wss:// URL to
// upgrade on.
func (c *Client) WebsocketURL(grantPath string) (string, error) {
	u, err := url.Parse(c.baseURL + grantPath)
	if err != nil {
		return "", fmt.Errorf("grant path %q: %w", grantPath, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// TLSConfig exposes the TLS material the client was built with so a
// websocket dialer can present the same trust settings. Nil means plain
// TCP or system defaults.
func (c *Client) TLSConfig() *tls.Config {
	if t, ok := c.client.Transport.(*http.Transport); ok {
		return t.TLSClientConfig
	}
	return nil
}

// IsReachable reports whether the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the daemon overview.
func (c *Client) Status(ctx context.Context) (Overview, error) {
	var out Overview
	err := c.getJSON(ctx, "/control/status", &out)
	return out, err
}

// List fetches all project summaries.
func (c *Client) List(ctx context.Context) ([]ProjectSummary, error) {
	var out struct {
		Projects []ProjectSummary `json:"projects"`
	}
	if err := c.getJSON(ctx, "/control/list", &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// Add registers an existing on-disk project directory with the daemon.
func (c *Client) Add(ctx context.Context, path string) (Project, error) {
	var out struct {
		Project Project `json:"project"`
	}
	err := c.postJSON(ctx, "/control/add", map[string]string{"path": path}, &out)
	return out.Project, err
}

// Create makes a new daemon-managed project from the given document.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Project, error) {
	var out struct {
		Project Project `json:"project"`
	}
	err := c.postJSON(ctx, "/control/create", req, &out)
	return out.Project, err
}

// Remove deregisters a daemon-created project. Files on disk are kept.
func (c *Client) Remove(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/control/remove/"+formatID(id), nil, nil)
}

// Describe fetches the full record for one project.
func (c *Client) Describe(ctx context.Context, id int64) (ProjectDetail, error) {
	var out struct {
		Project ProjectDetail `json:"project"`
	}
	err := c.getJSON(ctx, "/project/"+formatID(id), &out)
	return out.Project, err
}

// Start launches the project's server process.
func (c *Client) Start(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, "/project/"+formatID(id)+"/start", nil, nil)
}

// Stop gracefully stops the project's server process.
func (c *Client) Stop(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, "/project/"+formatID(id)+"/stop", nil, nil)
}

// Backup runs a manual backup and returns its result.
func (c *Client) Backup(ctx context.Context, id int64) (BackupResult, error) {
	var out struct {
		Result BackupResult `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "/project/"+formatID(id)+"/backup", nil, &out)
	return out.Result, err
}

// Connect requests a single-use terminal ticket for the project.
func (c *Client) Connect(ctx context.Context, id int64) (ConnectGrant, error) {
	var out ConnectGrant
	err := c.getJSON(ctx, "/project/"+formatID(id)+"/connect", &out)
	return out, err
}

// DownloadFile streams a project file into w and returns the byte count.
// rel is interpreted relative to the project directory.
func (c *Client) DownloadFile(ctx context.Context, id int64, rel string, w io.Writer) (int64, error) {
	endpoint := fmt.Sprintf("%s/project/%s/file?path=%s", c.baseURL, formatID(id), url.QueryEscape(rel))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

// UploadFile replaces a project file with the contents of r. The daemon
// enforces its configured size limit.
func (c *Client) UploadFile(ctx context.Context, id int64, rel string, r io.Reader) (int64, error) {
	endpoint := fmt.Sprintf("%s/project/%s/file?path=%s", c.baseURL, formatID(id), url.QueryEscape(rel))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, r)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}
	var out struct {
		Written int64 `json:"written"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return out.Written, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, data, out)
}

// do performs one API call and decodes the success envelope into out when
// out is non-nil. Failure envelopes become errors carrying the daemon's
// message.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// APIError is a non-2xx daemon response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

func decodeError(resp *http.Response) error {
	var env errorEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&env); err != nil || env.Error == "" {
		return &APIError{StatusCode: resp.StatusCode}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Insecure {
		tc.InsecureSkipVerify = true
		return tc, nil
	}
	t := cfg.TLS
	if t == nil {
		return tc, nil
	}
	if t.SkipVerify {
		tc.InsecureSkipVerify = true
	}
	if t.ServerName != "" {
		tc.ServerName = t.ServerName
	}
	if t.CACert != "" {
		pem, err := os.ReadFile(t.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA certificate %s", t.CACert)
		}
		tc.RootCAs = pool
	}
	if t.ClientCert != "" && t.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}
