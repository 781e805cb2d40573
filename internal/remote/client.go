// Package remote talks to the upload service and to the document provider.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 512

	signInPath       = "/auth/login"
	documentsPath    = "/documents"
	certificatesPath = "/certificates"
)

// Options configures a Client.
type Options struct {
	BaseURL string
	// Origin is sent as the Origin header on every request.
	Origin            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client is the upload service client. Every request carries its own timeout
// and waits on a shared rate limiter.
type Client struct {
	baseURL string
	origin  string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a Client. A zero RequestsPerSecond disables rate limiting.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		origin:  opts.Origin,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type signInRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type signInResponse struct {
	Token string `json:"token"`
}

// SignIn exchanges credentials for a bearer token.
func (c *Client) SignIn(ctx context.Context, username, password string) (string, error) {
	body, err := json.Marshal(signInRequest{Username: username, Password: password})
	if err != nil {
		return "", fmt.Errorf("encode sign-in: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+signInPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build sign-in request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrInvalidCredentials
	}
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	var out signInResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode sign-in: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("sign-in returned an empty token")
	}
	return out.Token, nil
}

// UploadDocument sends a fiscal document as multipart form data.
func (c *Client) UploadDocument(ctx context.Context, token, path string) error {
	return c.upload(ctx, documentsPath, token, path)
}

// UploadCertificate sends a certificate container as multipart form data.
func (c *Client) UploadCertificate(ctx context.Context, token, path string) error {
	return c.upload(ctx, certificatesPath, token, path)
}

func (c *Client) upload(ctx context.Context, endpoint, token, path string) error {
	f, err := os.Open(path) //nolint:gosec // path comes from tracked directories
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp)
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// checkStatus maps a response status onto the package errors.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RejectedError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	default:
		return &StatusError{Status: resp.StatusCode}
	}
}
