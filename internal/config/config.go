package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/quota"
	"github.com/spf13/viper"
)

const (
	envPrefix = "FIELDSYNC"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = DriverSQLite
	defaultDatabaseDSN      = "fieldsync.db"
	defaultLogLevel         = "info"
	defaultArtifactsRoot    = "artifacts"
	defaultArtifactsBaseURL = "http://localhost:8080/artifacts"
	defaultJobsConcurrency  = 1
	defaultWeatherSchedule  = "0 5 * * *"
	defaultNDVISchedule     = "0 6 * * *"
	defaultReportSchedule   = "0 7 1 * *"
	defaultFetchBaseDelay   = 300 * time.Millisecond
	defaultFetchMaxRetries  = 2
	defaultFetchTimeout     = 30 * time.Second
	defaultRateLimitWindow  = time.Minute
)

// ProviderConfig is the endpoint and request budget of one upstream.
type ProviderConfig struct {
	BaseURL     string
	MaxRequests int
	Window      time.Duration
}

// SentinelConfig adds the OAuth client credentials. Empty credentials select
// the synthetic NDVI fallback.
type SentinelConfig struct {
	ProviderConfig
	ClientID     string
	ClientSecret string
}

type ScheduleConfig struct {
	Weather string
	NDVI    string
	Reports string
}

// AppConfig captures runtime configuration for the service and the CLI.
type AppConfig struct {
	HTTPAddress      string
	LogLevel         string
	LogFormat        string
	DatabaseDriver   string
	DatabaseDSN      string
	RedisAddress     string
	RedisPassword    string
	RedisDB          int
	RateLimitBackend string
	CacheBackend     string
	ServiceSecret    string
	ArtifactsRoot    string
	ArtifactsBaseURL string
	JobsConcurrency  int
	QuotaEnabled     bool
	Plans            quota.Plans
	FetchBaseDelay   time.Duration
	FetchMaxRetries  int
	FetchTimeout     time.Duration
	NASAPower        ProviderConfig
	SentinelHub      SentinelConfig
	WaPOR            ProviderConfig
	Schedule         ScheduleConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", "json")
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("ratelimit.backend", BackendMemory)
	configViper.SetDefault("cache.backend", BackendDatabase)
	configViper.SetDefault("auth.service_secret", "")
	configViper.SetDefault("artifacts.root", defaultArtifactsRoot)
	configViper.SetDefault("artifacts.base_url", defaultArtifactsBaseURL)
	configViper.SetDefault("jobs.concurrency", defaultJobsConcurrency)
	configViper.SetDefault("quota.enabled", true)
	configViper.SetDefault("fetch.base_delay", defaultFetchBaseDelay)
	configViper.SetDefault("fetch.max_retries", defaultFetchMaxRetries)
	configViper.SetDefault("fetch.timeout", defaultFetchTimeout)
	configViper.SetDefault("schedule.weather", defaultWeatherSchedule)
	configViper.SetDefault("schedule.ndvi", defaultNDVISchedule)
	configViper.SetDefault("schedule.reports", defaultReportSchedule)

	for plan, limits := range quota.DefaultPlans() {
		for eventType, ceiling := range limits {
			configViper.SetDefault(planKey(plan, eventType), ceiling)
		}
	}
	applyProviderDefaults(configViper, "nasa_power", "https://power.larc.nasa.gov/api/temporal/daily/point", 30)
	applyProviderDefaults(configViper, "sentinel_hub", "https://services.sentinel-hub.com", 15)
	applyProviderDefaults(configViper, "wapor", "https://data.apps.fao.org/gismgr/api/v2", 20)
	configViper.SetDefault("providers.sentinel_hub.client_id", "")
	configViper.SetDefault("providers.sentinel_hub.client_secret", "")
}

func applyProviderDefaults(configViper *viper.Viper, name, baseURL string, maxRequests int) {
	configViper.SetDefault("providers."+name+".base_url", baseURL)
	configViper.SetDefault("providers."+name+".max_requests", maxRequests)
	configViper.SetDefault("providers."+name+".window", defaultRateLimitWindow)
}

func planKey(plan string, eventType quota.EventType) string {
	return "quota.plans." + plan + "." + string(eventType)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		LogLevel:         configViper.GetString("log.level"),
		LogFormat:        configViper.GetString("log.format"),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		RedisAddress:     strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:    configViper.GetString("redis.password"),
		RedisDB:          configViper.GetInt("redis.db"),
		RateLimitBackend: strings.ToLower(strings.TrimSpace(configViper.GetString("ratelimit.backend"))),
		CacheBackend:     strings.ToLower(strings.TrimSpace(configViper.GetString("cache.backend"))),
		ServiceSecret:    configViper.GetString("auth.service_secret"),
		ArtifactsRoot:    configViper.GetString("artifacts.root"),
		ArtifactsBaseURL: configViper.GetString("artifacts.base_url"),
		JobsConcurrency:  configViper.GetInt("jobs.concurrency"),
		QuotaEnabled:     configViper.GetBool("quota.enabled"),
		Plans:            loadPlans(configViper),
		FetchBaseDelay:   configViper.GetDuration("fetch.base_delay"),
		FetchMaxRetries:  configViper.GetInt("fetch.max_retries"),
		FetchTimeout:     configViper.GetDuration("fetch.timeout"),
		NASAPower:        loadProvider(configViper, "nasa_power"),
		SentinelHub: SentinelConfig{
			ProviderConfig: loadProvider(configViper, "sentinel_hub"),
			ClientID:       configViper.GetString("providers.sentinel_hub.client_id"),
			ClientSecret:   configViper.GetString("providers.sentinel_hub.client_secret"),
		},
		WaPOR: loadProvider(configViper, "wapor"),
		Schedule: ScheduleConfig{
			Weather: configViper.GetString("schedule.weather"),
			NDVI:    configViper.GetString("schedule.ndvi"),
			Reports: configViper.GetString("schedule.reports"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func loadProvider(configViper *viper.Viper, name string) ProviderConfig {
	return ProviderConfig{
		BaseURL:     configViper.GetString("providers." + name + ".base_url"),
		MaxRequests: configViper.GetInt("providers." + name + ".max_requests"),
		Window:      configViper.GetDuration("providers." + name + ".window"),
	}
}

// loadPlans reads the ceilings of the built-in plans. A ceiling of zero is unlimited.
func loadPlans(configViper *viper.Viper) quota.Plans {
	plans := quota.Plans{}
	for plan, limits := range quota.DefaultPlans() {
		loaded := quota.Limits{}
		for eventType := range limits {
			loaded[eventType] = configViper.GetInt64(planKey(plan, eventType))
		}
		plans[plan] = loaded
	}
	return plans
}

// RequireServiceSecret is checked by the entry points that accept requests.
func (c AppConfig) RequireServiceSecret() error {
	if strings.TrimSpace(c.ServiceSecret) == "" {
		return fmt.Errorf("auth.service_secret is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.RateLimitBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddress == "" {
			return fmt.Errorf("redis.address is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("ratelimit.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.RateLimitBackend)
	}
	if c.CacheBackend != BackendMemory && c.CacheBackend != BackendDatabase {
		return fmt.Errorf("cache.backend must be %q or %q, got %q", BackendMemory, BackendDatabase, c.CacheBackend)
	}
	if strings.TrimSpace(c.ArtifactsRoot) == "" {
		return fmt.Errorf("artifacts.root is required")
	}
	if c.JobsConcurrency < 1 {
		return fmt.Errorf("jobs.concurrency must be at least 1")
	}
	if c.FetchMaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must not be negative")
	}
	for name, provider := range map[string]ProviderConfig{
		"nasa_power":   c.NASAPower,
		"sentinel_hub": c.SentinelHub.ProviderConfig,
		"wapor":        c.WaPOR,
	} {
		if provider.MaxRequests < 1 || provider.Window <= 0 {
			return fmt.Errorf("providers.%s rate limit must be positive", name)
		}
	}
	if (c.SentinelHub.ClientID == "") != (c.SentinelHub.ClientSecret == "") {
		return fmt.Errorf("providers.sentinel_hub client_id and client_secret must be set together")
	}
	return nil
}
