// Package searchapi implements the client for the federated metadata/search
// service. Search results are consumed only to produce download job
// sources; parsing and ranking live on the server side.
package searchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

// Client provides HTTP communication with the search service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// ClientConfig contains configuration for creating a new search client.
type ClientConfig struct {
	URL     string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// NewClient creates a new search API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("search API URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger.With().Str("component", "searchapi").Logger(),
	}, nil
}

// doJSON executes a GET request and decodes the JSON response, classifying
// failures as unreachable (transport) or rejected (definitive remote).
func (c *Client) doJSON(ctx context.Context, path string, result any) error {
	reqURL := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("path", path).Msg("executing request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn().Int("status", resp.StatusCode).Str("path", path).
			Msg("request returned error status")
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: server error %d", ErrUnreachable, resp.StatusCode)
		}
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrRejected, err)
		}
	}
	return nil
}

// searchResponse is the wire shape of all search endpoints.
type searchResponse struct {
	Results []json.RawMessage `json:"results"`
}

// Search executes a federated search. Malformed individual records are
// skipped rather than failing the whole search.
func (c *Client) Search(ctx context.Context, query, category string, limit int) ([]Result, error) {
	params := url.Values{}
	params.Set("query", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if category != "" {
		params.Set("category", category)
	}

	var resp searchResponse
	if err := c.doJSON(ctx, "/api/v1/search?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(resp.Results))
	for _, raw := range resp.Results {
		r, err := decodeResult(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed search result")
			continue
		}
		results = append(results, r)
	}

	c.logger.Info().Str("query", query).Int("results", len(results)).Msg("search completed")
	return results, nil
}

// wireResult mirrors the service's result records; the locator may live in
// different fields depending on the result type.
type wireResult struct {
	Title        string            `json:"title"`
	MagnetURI    string            `json:"magnet_uri"`
	Link         string            `json:"link"`
	DownloadType string            `json:"download_type"`
	InfoHash     string            `json:"info_hash"`
	Size         string            `json:"size"`
	SizeBytes    int64             `json:"size_bytes"`
	Seeders      int               `json:"seeders"`
	Leechers     int               `json:"leechers"`
	Category     string            `json:"category"`
	Source       string            `json:"source"`
	PublishDate  string            `json:"publish_date"`
	Extra        map[string]string `json:"extra"`
}

func decodeResult(raw json.RawMessage) (Result, error) {
	var w wireResult
	if err := json.Unmarshal(raw, &w); err != nil {
		return Result{}, err
	}
	if w.Title == "" {
		return Result{}, fmt.Errorf("result missing title")
	}

	typeStr := w.DownloadType
	if typeStr == "" && w.Extra != nil {
		typeStr = w.Extra["download_type"]
	}

	r := Result{
		Title:       w.Title,
		InfoHash:    w.InfoHash,
		Size:        w.Size,
		SizeBytes:   w.SizeBytes,
		Seeders:     w.Seeders,
		Leechers:    w.Leechers,
		Category:    w.Category,
		Source:      w.Source,
		PublishDate: w.PublishDate,
		Extra:       w.Extra,
	}

	if typeStr == "direct" {
		r.Type = ResultTypeDirect
		if w.Extra != nil && w.Extra["mirror"] != "" {
			r.DownloadURL = w.Extra["mirror"]
		} else if w.MagnetURI != "" {
			r.DownloadURL = w.MagnetURI
		} else {
			r.DownloadURL = w.Link
		}
	} else {
		r.Type = ResultTypeMagnet
		if w.MagnetURI != "" {
			r.DownloadURL = w.MagnetURI
		} else {
			r.DownloadURL = w.Link
		}
	}

	if r.DownloadURL == "" {
		return Result{}, fmt.Errorf("result %q missing locator", w.Title)
	}
	return r, nil
}

// Health probes the service's health endpoint. Used both for the health
// monitor and the dashboard's server panel.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := c.doJSON(ctx, "/api/v1/health", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Probe is a lightweight connectivity check for the health monitor.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}

// Stats fetches server statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.doJSON(ctx, "/api/v1/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Indexers lists the upstream indexers and their health.
func (c *Client) Indexers(ctx context.Context) ([]Indexer, error) {
	var resp struct {
		Indexers []Indexer `json:"indexers"`
	}
	if err := c.doJSON(ctx, "/api/v1/indexers", &resp); err != nil {
		return nil, err
	}
	return resp.Indexers, nil
}

// ResolveDirect asks the service for a direct-download URL for a
// book-style result identified by its content hash.
func (c *Client) ResolveDirect(ctx context.Context, hash, sourceHint string) (*DirectSource, error) {
	params := url.Values{}
	params.Set("md5", hash)
	if sourceHint != "" {
		params.Set("source_hint", strings.ToLower(sourceHint))
	}

	var src DirectSource
	if err := c.doJSON(ctx, "/api/v1/books/download?"+params.Encode(), &src); err != nil {
		return nil, err
	}
	if src.URL() == "" {
		return nil, fmt.Errorf("%w: no download URL in response", ErrRejected)
	}
	return &src, nil
}
