// Package remoteapi implements the RemoteAPI collaborator (spec.md §6)
// against the YouTube Data API v3 REST surface and plain image CDN GETs,
// using net/http and encoding/json directly rather than a generated SDK
// client (see DESIGN.md for why).
package remoteapi

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

	"github.com/aucontraire/chronovista-core/internal/domain/repository"
)

const defaultBaseURL = "https://www.googleapis.com/youtube/v3"

// Config holds the client's static settings.
type Config struct {
	APIKey         string
	UserAgent      string
	RequestTimeout time.Duration
	// BaseURL overrides the YouTube Data API v3 root, for tests. Empty
	// means defaultBaseURL.
	BaseURL string
}

// Client is a thin, dependency-free adapter implementing
// repository.RemoteAPI.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// New returns a Client using http.DefaultTransport with cfg.RequestTimeout
// as the per-call deadline.
func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		cfg:     cfg,
		baseURL: base,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

var _ repository.RemoteAPI = (*Client)(nil)

type listResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title           string `json:"title"`
			Description     string `json:"description"`
			Country         string `json:"country"`
			DefaultLanguage string `json:"defaultLanguage"`
		} `json:"snippet"`
		Statistics map[string]string `json:"statistics"`
	} `json:"items"`
}

// GetChannelsByIDs resolves up to MaxBatchSize channel IDs with one
// `channels.list` call.
func (c *Client) GetChannelsByIDs(ctx context.Context, ids []string) ([]repository.RemoteItem, error) {
	return c.listByIDs(ctx, "channels", ids)
}

// GetVideosByIDs resolves up to MaxBatchSize video IDs with one
// `videos.list` call.
func (c *Client) GetVideosByIDs(ctx context.Context, ids []string) ([]repository.RemoteItem, error) {
	return c.listByIDs(ctx, "videos", ids)
}

func (c *Client) listByIDs(ctx context.Context, resource string, ids []string) ([]repository.RemoteItem, error) {
	q := url.Values{}
	q.Set("part", "snippet,statistics")
	q.Set("id", strings.Join(ids, ","))
	q.Set("key", c.cfg.APIKey)

	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, resource, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("remoteapi: build %s request: %w", resource, err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remoteapi: %s request: %w", resource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, repository.RateLimitError{RetryAfterSeconds: retryAfterSeconds(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("remoteapi: %s returned %d: %s", resource, resp.StatusCode, body)
	}

	var parsed listResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("remoteapi: decode %s response: %w", resource, err)
	}

	items := make([]repository.RemoteItem, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		stats := make(map[string]int64, len(item.Statistics))
		for k, v := range item.Statistics {
			n, convErr := strconv.ParseInt(v, 10, 64)
			if convErr != nil {
				continue
			}
			stats[k] = n
		}
		items = append(items, repository.RemoteItem{
			ID:              item.ID,
			Title:           item.Snippet.Title,
			Description:     item.Snippet.Description,
			Country:         item.Snippet.Country,
			DefaultLanguage: item.Snippet.DefaultLanguage,
			Statistics:      stats,
		})
	}
	return items, nil
}

// GetImage fetches raw image bytes from url, validating the response
// content-type per spec.md §6's "image content type MUST be image/jpeg or
// image/png" requirement.
func (c *Client) GetImage(ctx context.Context, imageURL string) (repository.RemoteImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return repository.RemoteImage{}, fmt.Errorf("remoteapi: build image request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return repository.RemoteImage{}, fmt.Errorf("remoteapi: image request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through
	case http.StatusNotFound, http.StatusGone:
		return repository.RemoteImage{}, repository.NotFoundError{URL: imageURL}
	case http.StatusTooManyRequests:
		return repository.RemoteImage{}, repository.RateLimitError{RetryAfterSeconds: retryAfterSeconds(resp)}
	default:
		return repository.RemoteImage{}, fmt.Errorf("remoteapi: image GET %s returned %d", imageURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/jpeg") && !strings.HasPrefix(contentType, "image/png") {
		return repository.RemoteImage{}, repository.ContentError{Reason: fmt.Sprintf("unexpected content-type %q", contentType)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return repository.RemoteImage{}, fmt.Errorf("remoteapi: read image body: %w", err)
	}
	if len(data) == 0 {
		return repository.RemoteImage{}, repository.ContentError{Reason: "zero-length image body"}
	}

	return repository.RemoteImage{Bytes: data, ContentType: contentType}, nil
}

func retryAfterSeconds(resp *http.Response) float64 {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return 0
}
