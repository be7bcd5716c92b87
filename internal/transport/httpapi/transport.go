// Package httpapi implements crawler.Transport against a JSON content API.
//
// A call to endpoint "children" with params {"id": "A", "limit": "100"} becomes
//
//	GET <base>/children?id=A&limit=100
//
// and the response body must be {"items": [...]}. Non-2xx responses are
// returned as *crawler.TransportError so the retry classifier can map them.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// maxErrorBody caps how much of a failed response is copied into the error message.
const maxErrorBody = 512

// Config configures the HTTP transport.
type Config struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
}

// Transport performs GET requests against the content API.
type Transport struct {
	base   *url.URL
	token  string
	agent  string
	client *http.Client
	now    func() time.Time
}

// New constructs a Transport. A nil client gets an instrumented default.
func New(cfg Config, client *http.Client) (*Transport, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("api.base_url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api.base_url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api.base_url must be http or https, got %q", base.Scheme)
	}
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = "crawl-orchestrator"
	}
	return &Transport{base: base, token: cfg.Token, agent: agent, client: client, now: time.Now}, nil
}

type itemsEnvelope struct {
	Items []crawler.Item `json:"items"`
}

// Fetch implements crawler.Transport.
func (t *Transport) Fetch(ctx context.Context, endpoint string, params crawler.Params) ([]crawler.Item, error) {
	endpoint = strings.Trim(endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	u := *t.base
	u.Path = u.Path + "/" + endpoint
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.agent)
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // body close on read path

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &crawler.TransportError{
			Code:       resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), t.now()),
		}
	}

	var env itemsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return env.Items, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable or past
// values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	when, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	if d := when.Sub(now); d > 0 {
		return d
	}
	return 0
}
