package upstream

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	ProviderNASAPower = "NASA_POWER"

	DefaultNASAPowerBaseURL = "https://power.larc.nasa.gov/api/temporal/daily/point"
	nasaPowerParameters     = "T2M,WS2M,RH2M,PRECTOTCORR"
	compactDateLayout       = "20060102"
)

// Admitter gates outbound calls per provider key.
type Admitter interface {
	Admit(ctx context.Context, key string, maxRequests int, window time.Duration) error
}

// Limit is a per-provider request budget.
type Limit struct {
	Requests int
	Window   time.Duration
}

type NASAPowerConfig struct {
	BaseURL    string
	Fetcher    *Fetcher
	Limiter    Admitter
	Limit      Limit
	MaxRetries int
}

// NASAPowerClient queries the NASA POWER daily point API.
type NASAPowerClient struct {
	baseURL    string
	fetcher    *Fetcher
	limiter    Admitter
	limit      Limit
	maxRetries int
}

func NewNASAPowerClient(cfg NASAPowerConfig) *NASAPowerClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultNASAPowerBaseURL
	}
	limit := cfg.Limit
	if limit.Requests <= 0 {
		limit = Limit{Requests: 30, Window: time.Minute}
	}
	return &NASAPowerClient{
		baseURL:    baseURL,
		fetcher:    cfg.Fetcher,
		limiter:    cfg.Limiter,
		limit:      limit,
		maxRetries: cfg.MaxRetries,
	}
}

// DailyURL returns the query URL for a single day at the given point.
func (c *NASAPowerClient) DailyURL(lat, lng float64, date time.Time) string {
	day := date.UTC().Format(compactDateLayout)
	params := url.Values{}
	params.Set("parameters", nasaPowerParameters)
	params.Set("community", "AG")
	params.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(lng, 'f', -1, 64))
	params.Set("start", day)
	params.Set("end", day)
	params.Set("format", "JSON")
	return c.baseURL + "?" + params.Encode()
}

// Daily fetches the raw daily payload. The call is admitted by the rate
// limiter before any network traffic.
func (c *NASAPowerClient) Daily(ctx context.Context, lat, lng float64, date time.Time) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Admit(ctx, "nasa-power", c.limit.Requests, c.limit.Window); err != nil {
			return nil, err
		}
	}
	target := c.DailyURL(lat, lng, date)
	return c.fetcher.ReadAll(ctx, ProviderNASAPower, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	}, c.maxRetries)
}
