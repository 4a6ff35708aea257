package upstream

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	ProviderWaPOR = "WAPOR"

	DefaultWaPORBaseURL = "https://data.apps.fao.org/gismgr/api/v2"
	waporWorkspace      = "WAPOR-3"
	WaPORSource         = "WaPOR v3"
)

type WaPORConfig struct {
	BaseURL    string
	Fetcher    *Fetcher
	Limiter    Admitter
	Limit      Limit
	MaxRetries int
}

// WaPORClient reads the FAO WaPOR catalog.
type WaPORClient struct {
	baseURL    string
	fetcher    *Fetcher
	limiter    Admitter
	limit      Limit
	maxRetries int
}

func NewWaPORClient(cfg WaPORConfig) *WaPORClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultWaPORBaseURL
	}
	limit := cfg.Limit
	if limit.Requests <= 0 {
		limit = Limit{Requests: 20, Window: time.Minute}
	}
	return &WaPORClient{
		baseURL:    baseURL,
		fetcher:    cfg.Fetcher,
		limiter:    cfg.Limiter,
		limit:      limit,
		maxRetries: cfg.MaxRetries,
	}
}

// Mosaicsets returns the raw catalog listing of the WaPOR v3 workspace.
func (c *WaPORClient) Mosaicsets(ctx context.Context) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Admit(ctx, "wapor", c.limit.Requests, c.limit.Window); err != nil {
			return nil, err
		}
	}
	target := c.baseURL + "/catalog/workspaces/" + waporWorkspace + "/mosaicsets"
	return c.fetcher.ReadAll(ctx, ProviderWaPOR, func(ctx context.Context) (*http.Request, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
		if err != nil {
			return nil, err
		}
		request.Header.Set("Accept", "application/json")
		return request, nil
	}, c.maxRetries)
}
