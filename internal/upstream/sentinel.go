package upstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	ProviderSentinelHub      = "SENTINEL_HUB"
	ProviderSentinelHubToken = "SENTINEL_HUB_TOKEN"

	DefaultSentinelHubBaseURL = "https://services.sentinel-hub.com"

	ndviEvalscript = "//VERSION=3\nfunction setup(){return {input:[\"B04\",\"B08\"],output:[{id:\"default\",bands:1,sampleType:\"FLOAT32\"}]};}\nfunction evaluatePixel(s){return [(s.B08-s.B04)/(s.B08+s.B04)];}"
	ndviRasterSize = 64
)

var (
	ErrSentinelNotConfigured = errors.New("upstream: sentinel hub credentials are not configured")
	ErrEmptyToken            = errors.New("upstream: sentinel hub returned an empty access token")
)

type SentinelHubConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Fetcher      *Fetcher
	Limiter      Admitter
	Limit        Limit
	MaxRetries   int
}

// SentinelHubClient requests NDVI rasters from the Sentinel Hub process API.
type SentinelHubClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	fetcher      *Fetcher
	limiter      Admitter
	limit        Limit
	maxRetries   int
}

// AccessToken is the OAuth client-credentials response.
type AccessToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func NewSentinelHubClient(cfg SentinelHubConfig) *SentinelHubClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultSentinelHubBaseURL
	}
	limit := cfg.Limit
	if limit.Requests <= 0 {
		limit = Limit{Requests: 15, Window: time.Minute}
	}
	return &SentinelHubClient{
		baseURL:      baseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		fetcher:      cfg.Fetcher,
		limiter:      cfg.Limiter,
		limit:        limit,
		maxRetries:   cfg.MaxRetries,
	}
}

// Configured reports whether client credentials are present.
func (c *SentinelHubClient) Configured() bool {
	return c != nil && c.clientID != "" && c.clientSecret != ""
}

// ClientID identifies the credential set, used to key the token cache.
func (c *SentinelHubClient) ClientID() string {
	return c.clientID
}

// Token exchanges the client credentials for an access token.
func (c *SentinelHubClient) Token(ctx context.Context) (AccessToken, error) {
	if !c.Configured() {
		return AccessToken{}, ErrSentinelNotConfigured
	}
	if err := c.admit(ctx); err != nil {
		return AccessToken{}, err
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	encoded := form.Encode()

	body, err := c.fetcher.ReadAll(ctx, ProviderSentinelHubToken, func(ctx context.Context) (*http.Request, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return request, nil
	}, c.maxRetries)
	if err != nil {
		return AccessToken{}, err
	}

	var token AccessToken
	if err := json.Unmarshal(body, &token); err != nil {
		return AccessToken{}, fmt.Errorf("upstream: decode sentinel token: %w", err)
	}
	if token.AccessToken == "" {
		return AccessToken{}, ErrEmptyToken
	}
	return token, nil
}

// ProcessNDVI requests a FLOAT32 NDVI raster for geometry over [from, to] and
// returns the raw little-endian samples.
func (c *SentinelHubClient) ProcessNDVI(ctx context.Context, accessToken string, geometry json.RawMessage, from, to time.Time) ([]byte, error) {
	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(processRequest(geometry, from, to))
	if err != nil {
		return nil, fmt.Errorf("upstream: encode sentinel process request: %w", err)
	}
	return c.fetcher.ReadAll(ctx, ProviderSentinelHub, func(ctx context.Context) (*http.Request, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/process", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		request.Header.Set("Content-Type", "application/json")
		request.Header.Set("Accept", "application/octet-stream")
		request.Header.Set("Authorization", "Bearer "+accessToken)
		return request, nil
	}, c.maxRetries)
}

func (c *SentinelHubClient) admit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Admit(ctx, "sentinel-hub", c.limit.Requests, c.limit.Window)
}

// DecodeFloat32Samples interprets raw as little-endian FLOAT32 values.
// Trailing bytes that do not form a full sample are ignored.
func DecodeFloat32Samples(raw []byte) []float32 {
	samples := make([]float32, 0, len(raw)/4)
	for offset := 0; offset+4 <= len(raw); offset += 4 {
		samples = append(samples, math.Float32frombits(binary.LittleEndian.Uint32(raw[offset:offset+4])))
	}
	return samples
}

func processRequest(geometry json.RawMessage, from, to time.Time) map[string]any {
	return map[string]any{
		"input": map[string]any{
			"bounds": map[string]any{"geometry": geometry},
			"data": []map[string]any{{
				"type": "sentinel-2-l2a",
				"dataFilter": map[string]any{
					"timeRange": map[string]string{
						"from": from.UTC().Format(time.RFC3339),
						"to":   to.UTC().Format(time.RFC3339),
					},
				},
			}},
		},
		"output": map[string]any{
			"width":  ndviRasterSize,
			"height": ndviRasterSize,
			"responses": []map[string]any{{
				"identifier": "default",
				"format":     map[string]string{"type": "application/octet-stream"},
			}},
		},
		"evalscript": ndviEvalscript,
	}
}
