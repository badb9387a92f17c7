package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/volt772/stormbeaver/internal/models"
	"github.com/volt772/stormbeaver/internal/validation"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	ServerPort string

	WeatherAPIKey     string
	WeatherAPIBaseURL string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration
	DefaultUnits   string
	DefaultLang    string

	SQLiteDriver          string
	SQLitePath            string
	SQLiteDSN             string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration

	CacheBackend string // "in_memory", "memcached" or "none"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerFailures    uint32
	CircuitBreakerOpenTimeout time.Duration
	CircuitBreakerHalfOpenMax uint32
	CircuitBreakerInterval    time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int

	CORSAllowedOrigins []string

	WarmingEnabled  bool
	WarmingSchedule string
	WarmingTimeout  time.Duration
	WarmingStadiums []WarmStadium

	TrackedStadiums []string
}

// WarmStadium is one stadium kept hot by the hourly warmer.
type WarmStadium struct {
	Code   string  `yaml:"code"`
	League string  `yaml:"league"`
	Lat    float64 `yaml:"lat"`
	Lon    float64 `yaml:"lon"`
	Units  string  `yaml:"units"`
	Lang   string  `yaml:"lang"`
}

// Query converts the entry to the read path's query type.
func (s WarmStadium) Query() models.WeatherQuery {
	return models.WeatherQuery{
		Coordinates: models.Coordinates{Lat: s.Lat, Lon: s.Lon},
		StadiumCode: s.Code,
		League:      s.League,
		Units:       s.Units,
		Lang:        s.Lang,
	}
}

// WarmingQueries returns one query per configured warming stadium.
func (c *Config) WarmingQueries() []models.WeatherQuery {
	qs := make([]models.WeatherQuery, 0, len(c.WarmingStadiums))
	for _, s := range c.WarmingStadiums {
		qs = append(qs, s.Query())
	}
	return qs
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		BaseURL string `yaml:"base_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout      string `yaml:"timeout"`
		DefaultUnits string `yaml:"default_units"`
		DefaultLang  string `yaml:"default_lang"`
	} `yaml:"request"`

	Database struct {
		Driver          string `yaml:"driver"`
		Path            string `yaml:"path"`
		DSN             string `yaml:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    *int   `yaml:"max_idle_conns"`
		ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	} `yaml:"database"`

	Cache struct {
		Backend   string `yaml:"backend"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Coalesce struct {
		Enabled *bool  `yaml:"enabled"`
		Timeout string `yaml:"timeout"`
	} `yaml:"coalesce"`

	CircuitBreaker struct {
		Enabled             bool   `yaml:"enabled"`
		ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
		OpenTimeout         string `yaml:"open_timeout"`
		HalfOpenMaxRequests uint32 `yaml:"half_open_max_requests"`
		Interval            string `yaml:"interval"`
	} `yaml:"circuit_breaker"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`

	Warming struct {
		Enabled  bool          `yaml:"enabled"`
		Schedule string        `yaml:"schedule"`
		Timeout  string        `yaml:"timeout"`
		Stadiums []WarmStadium `yaml:"stadiums"`
	} `yaml:"warming"`

	Metrics struct {
		TrackedStadiums []string `yaml:"tracked_stadiums"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads .env (if present), config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// API key comes from WEATHER_API_KEY env or secrets file. Call from project root.
func Load() (*Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("SERVER_PORT"), fc.Server.Port, "8080")

	cfg.WeatherAPIKey = strings.TrimSpace(os.Getenv("WEATHER_API_KEY"))
	if cfg.WeatherAPIKey == "" {
		key, err := loadAPIKeyFromSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = key
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}

	cfg.WeatherAPIBaseURL = firstNonEmpty(os.Getenv("WEATHER_API_BASE_URL"), fc.WeatherAPI.BaseURL, "https://api.openweathermap.org")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 10*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)
	cfg.DefaultUnits = strings.ToLower(firstNonEmpty(fc.Request.DefaultUnits, "imperial"))
	cfg.DefaultLang = firstNonEmpty(fc.Request.DefaultLang, "en")

	cfg.SQLiteDriver = firstNonEmpty(fc.Database.Driver, "sqlite3")
	cfg.SQLitePath = firstNonEmpty(os.Getenv("SQLITE_PATH"), fc.Database.Path, "data/stormbeaver.db")
	cfg.SQLiteDSN = firstNonEmpty(os.Getenv("DB_DSN"), fc.Database.DSN)
	cfg.SQLiteMaxOpenConns = fc.Database.MaxOpenConns
	if cfg.SQLiteMaxOpenConns <= 0 {
		cfg.SQLiteMaxOpenConns = 1
	}
	cfg.SQLiteMaxIdleConns = 1
	if fc.Database.MaxIdleConns != nil {
		cfg.SQLiteMaxIdleConns = *fc.Database.MaxIdleConns
	}
	cfg.SQLiteConnMaxLifetime = parseDurationOrZero(fc.Database.ConnMaxLifetime, 0)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")), strings.TrimSpace(fc.Cache.Memcached.Addrs), "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.CoalesceEnabled = true
	if fc.Coalesce.Enabled != nil {
		cfg.CoalesceEnabled = *fc.Coalesce.Enabled
	}
	cfg.CoalesceTimeout = parseDuration(fc.Coalesce.Timeout, 30*time.Second)

	cfg.CircuitBreakerEnabled = fc.CircuitBreaker.Enabled
	cfg.CircuitBreakerFailures = fc.CircuitBreaker.ConsecutiveFailures
	if cfg.CircuitBreakerFailures == 0 {
		cfg.CircuitBreakerFailures = 5
	}
	cfg.CircuitBreakerOpenTimeout = parseDuration(fc.CircuitBreaker.OpenTimeout, 30*time.Second)
	cfg.CircuitBreakerHalfOpenMax = fc.CircuitBreaker.HalfOpenMaxRequests
	if cfg.CircuitBreakerHalfOpenMax == 0 {
		cfg.CircuitBreakerHalfOpenMax = 1
	}
	cfg.CircuitBreakerInterval = parseDuration(fc.CircuitBreaker.Interval, time.Minute)

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	cfg.CORSAllowedOrigins = fc.CORS.AllowedOrigins
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	cfg.WarmingEnabled = fc.Warming.Enabled
	cfg.WarmingSchedule = firstNonEmpty(strings.TrimSpace(fc.Warming.Schedule), "0 * * * *")
	cfg.WarmingTimeout = parseDuration(fc.Warming.Timeout, 2*time.Minute)
	cfg.WarmingStadiums = make([]WarmStadium, 0, len(fc.Warming.Stadiums))
	for _, s := range fc.Warming.Stadiums {
		s.Code = strings.ToUpper(strings.TrimSpace(s.Code))
		s.League = strings.TrimSpace(s.League)
		s.Units = strings.ToLower(firstNonEmpty(s.Units, cfg.DefaultUnits))
		s.Lang = firstNonEmpty(s.Lang, cfg.DefaultLang)
		cfg.WarmingStadiums = append(cfg.WarmingStadiums, s)
	}

	cfg.TrackedStadiums = fc.Metrics.TrackedStadiums

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadAPIKeyFromSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.WeatherAPIKey), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// RequestTimeout must leave room for a provider call, so it is raised when too small.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "none":
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or none, got %q", cfg.CacheBackend)
	}
	switch cfg.DefaultUnits {
	case "standard", "metric", "imperial":
	default:
		return fmt.Errorf("request.default_units must be standard, metric or imperial, got %q", cfg.DefaultUnits)
	}
	if cfg.SQLiteDSN == "" && strings.TrimSpace(cfg.SQLitePath) == "" {
		return fmt.Errorf("database.path or DB_DSN required")
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("health.degraded_error_pct must be <= 100, got %d", cfg.DegradedErrorPct)
	}
	for i, s := range cfg.WarmingStadiums {
		if !validation.ValidStadiumCode(s.Code) {
			return fmt.Errorf("warming.stadiums[%d]: invalid stadium code %q", i, s.Code)
		}
		if s.Lat < -90 || s.Lat > 90 || s.Lon < -180 || s.Lon > 180 {
			return fmt.Errorf("warming.stadiums[%d]: coordinates out of range", i)
		}
	}
	if cfg.WarmingEnabled && len(cfg.WarmingStadiums) == 0 {
		return fmt.Errorf("warming.enabled requires at least one warming.stadiums entry")
	}
	return nil
}
