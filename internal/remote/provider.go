package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DocumentTypes are the provider document families downloaded in order.
var DocumentTypes = []string{"nfe", "nfce", "cte", "cfe", "nfse"}

// ProviderOptions configures a ProviderClient.
type ProviderOptions struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// ProviderClient pages through documents held by the third-party provider.
type ProviderClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// NewProviderClient builds a ProviderClient.
func NewProviderClient(opts ProviderOptions) *ProviderClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &ProviderClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// APIKey returns the configured key, empty when none.
func (p *ProviderClient) APIKey() string { return p.apiKey }

// ProviderDocument is one downloaded document, already decoded.
type ProviderDocument struct {
	Key     string
	Content []byte
}

type countResponse struct {
	Count int `json:"count"`
}

type fetchResponse struct {
	Documents []struct {
		Key     string `json:"key"`
		Content string `json:"content"`
	} `json:"documents"`
}

// Count returns how many documents of docType are available.
func (p *ProviderClient) Count(ctx context.Context, token, docType string) (int, error) {
	var out countResponse
	if err := p.getJSON(ctx, token, "/v1/documents/"+url.PathEscape(docType)+"/count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Fetch returns up to limit documents of docType starting at offset. Payloads
// arrive base64 encoded and are decoded here.
func (p *ProviderClient) Fetch(ctx context.Context, token, docType string, offset, limit int) ([]ProviderDocument, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var out fetchResponse
	if err := p.getJSON(ctx, token, "/v1/documents/"+url.PathEscape(docType), q, &out); err != nil {
		return nil, err
	}
	docs := make([]ProviderDocument, 0, len(out.Documents))
	for _, d := range out.Documents {
		content, err := base64.StdEncoding.DecodeString(d.Content)
		if err != nil {
			return nil, fmt.Errorf("decode document %s: %w", d.Key, err)
		}
		docs = append(docs, ProviderDocument{Key: d.Key, Content: content})
	}
	return docs, nil
}

func (p *ProviderClient) getJSON(ctx context.Context, token, path string, q url.Values, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	u := p.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", token)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
