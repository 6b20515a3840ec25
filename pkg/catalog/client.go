package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Config for the YGOPRODeck client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	CacheTTL  time.Duration
	UserAgent string
}

func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://db.ygoprodeck.com/api/v7/cardinfo.php",
		Timeout:   10 * time.Second,
		CacheTTL:  6 * time.Hour,
		UserAgent: "cardscan/1.0",
	}
}

// Client queries cardinfo.php by exact name (?name=) and by partial name
// (?fname=). Responses, including empty ones, are cached for CacheTTL.
type Client struct {
	config     Config
	httpClient *http.Client
	cache      *cache.Cache
	logger     *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Stats counts client activity since construction.
type Stats struct {
	APICalls  int64
	CacheHits int64
	APIErrors int64
}

type cardInfoResponse struct {
	Data  []Entry `json:"data"`
	Error string  `json:"error"`
}

func NewClient(config Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      cache.New(config.CacheTTL, config.CacheTTL*2),
		logger:     logger.With("component", "catalog"),
	}
	c.logger.Info("catalog client initialized", "base_url", config.BaseURL, "timeout", config.Timeout, "cache_ttl", config.CacheTTL)
	return c
}

func (c *Client) LookupExact(ctx context.Context, name string) ([]Entry, error) {
	return c.lookup(ctx, "name", name)
}

func (c *Client) LookupFuzzy(ctx context.Context, partial string) ([]Entry, error) {
	return c.lookup(ctx, "fname", partial)
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) count(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

func (c *Client) lookup(ctx context.Context, param, value string) ([]Entry, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrEmptyName
	}
	cacheKey := fmt.Sprintf("%s:%s", param, strings.ToLower(value))
	if cached, found := c.cache.Get(cacheKey); found {
		if entries, ok := cached.([]Entry); ok {
			c.count(func(s *Stats) { s.CacheHits++ })
			return entries, nil
		}
	}

	entries, err := c.fetch(ctx, param, value)
	if err != nil {
		c.count(func(s *Stats) { s.APIErrors++ })
		c.logger.Warn("catalog lookup failed", "param", param, "value", value, "error", err)
		return nil, err
	}
	c.cache.Set(cacheKey, entries, cache.DefaultExpiration)
	return entries, nil
}

func (c *Client) fetch(ctx context.Context, param, value string) ([]Entry, error) {
	reqURL := c.config.BaseURL + "?" + url.Values{param: {value}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrUnavailable, err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	c.count(func(s *Stats) { s.APICalls++ })
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}

	var parsed cardInfoResponse
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
		}
	case http.StatusBadRequest:
		// The API answers 400 with an error message when nothing matches.
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error == "" {
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		c.logger.Debug("catalog has no match", "param", param, "value", value, "message", parsed.Error)
		return []Entry{}, nil
	default:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	c.logger.Debug("catalog lookup", "param", param, "value", value, "results", len(parsed.Data), "duration", time.Since(start))
	if parsed.Data == nil {
		parsed.Data = []Entry{}
	}
	return parsed.Data, nil
}
