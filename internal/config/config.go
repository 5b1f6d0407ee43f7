package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/mxverify/internal/logging"
	"github.com/busybox42/mxverify/internal/mx"
	"github.com/busybox42/mxverify/internal/probe"
	"github.com/busybox42/mxverify/internal/sender"
	"github.com/busybox42/mxverify/internal/store"
	"github.com/busybox42/mxverify/internal/verify"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// HTTP API
	Server struct {
		Listen string `toml:"listen" yaml:"listen"`
	} `toml:"server" yaml:"server"`

	// Verification cache and its backing store
	Cache struct {
		Driver   string `toml:"driver" yaml:"driver"` // sqlite, postgres, mysql, redis, valkey
		Dir      string `toml:"dir" yaml:"dir"`
		File     string `toml:"file" yaml:"file"`
		DSN      string `toml:"dsn" yaml:"dsn"`
		TTLHours int    `toml:"ttl_hours" yaml:"ttl_hours"`
		Redis    struct {
			Addr     string `toml:"addr" yaml:"addr"`
			Password string `toml:"password" yaml:"password"`
			DB       int    `toml:"db" yaml:"db"`
			Prefix   string `toml:"prefix" yaml:"prefix"`

			// Zero keeps outcomes until overwritten
			RetentionHours int `toml:"retention_hours" yaml:"retention_hours"`
		} `toml:"redis" yaml:"redis"`
	} `toml:"cache" yaml:"cache"`

	// SMTP probing
	SMTP struct {
		TimeoutSeconds     int `toml:"timeout_seconds" yaml:"timeout_seconds"`
		StepTimeoutSeconds int `toml:"step_timeout_seconds" yaml:"step_timeout_seconds"`
		RcptTimeoutSeconds int `toml:"rcpt_timeout_seconds" yaml:"rcpt_timeout_seconds"`
		Port               int `toml:"port" yaml:"port"`
		MaxConcurrent      int `toml:"max_concurrent" yaml:"max_concurrent"`
		Breaker            struct {
			Enabled             bool `toml:"enabled" yaml:"enabled"`
			ConsecutiveFailures int  `toml:"consecutive_failures" yaml:"consecutive_failures"`
			OpenTimeoutSeconds  int  `toml:"open_timeout_seconds" yaml:"open_timeout_seconds"`
		} `toml:"breaker" yaml:"breaker"`
	} `toml:"smtp" yaml:"smtp"`

	// MX resolution
	DNS struct {
		Mode           string   `toml:"mode" yaml:"mode"` // system or direct
		Nameservers    []string `toml:"nameservers" yaml:"nameservers"`
		TimeoutSeconds int      `toml:"timeout_seconds" yaml:"timeout_seconds"`
		// Zero disables the in-memory MX cache
		CacheTTLSeconds int `toml:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
		CacheSize       int `toml:"cache_size" yaml:"cache_size"`
	} `toml:"dns" yaml:"dns"`

	// Sender identities, used round-robin
	Senders []sender.Identity `toml:"senders" yaml:"senders"`

	Stats struct {
		RecentWindowHours int `toml:"recent_window_hours" yaml:"recent_window_hours"`
	} `toml:"stats" yaml:"stats"`

	API struct {
		MaxBatch               int      `toml:"max_batch" yaml:"max_batch"`
		ShutdownTimeoutSeconds int      `toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
		CORSOrigins            []string `toml:"cors_origins" yaml:"cors_origins"`
		RateLimit              struct {
			Enabled           bool     `toml:"enabled" yaml:"enabled"`
			RequestsPerSecond float64  `toml:"requests_per_second" yaml:"requests_per_second"`
			Burst             int      `toml:"burst" yaml:"burst"`
			TrustedProxies    []string `toml:"trusted_proxies" yaml:"trusted_proxies"`
		} `toml:"rate_limit" yaml:"rate_limit"`
	} `toml:"api" yaml:"api"`

	Logging struct {
		Level  string `toml:"level" yaml:"level"`
		Format string `toml:"format" yaml:"format"`
		Output string `toml:"output" yaml:"output"` // stdout, stderr or a file path
	} `toml:"logging" yaml:"logging"`
}

// DefaultSenders are the identities used when none are configured
var DefaultSenders = []sender.Identity{
	{Address: "validator@emailcheck.tech", Hostname: "mail-validator-1.emailcheck.tech"},
	{Address: "checker@emailcheck.tech", Hostname: "mail-validator-2.emailcheck.tech"},
	{Address: "verify@emailcheck.tech", Hostname: "mail-validator-3.emailcheck.tech"},
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Listen = ":8000"

	cfg.Cache.Driver = store.DriverSQLite
	cfg.Cache.Dir = "/tmp"
	cfg.Cache.File = store.DefaultSQLiteFile
	cfg.Cache.TTLHours = 24
	cfg.Cache.Redis.Addr = "localhost:6379"
	cfg.Cache.Redis.Prefix = store.DefaultRedisPrefix

	cfg.SMTP.TimeoutSeconds = int(probe.DefaultTimeout / time.Second)
	cfg.SMTP.StepTimeoutSeconds = int(probe.DefaultStepTimeout / time.Second)
	cfg.SMTP.RcptTimeoutSeconds = int(probe.DefaultRcptTimeout / time.Second)
	cfg.SMTP.Port = probe.DefaultPort
	cfg.SMTP.MaxConcurrent = probe.DefaultMaxConcurrent
	cfg.SMTP.Breaker.ConsecutiveFailures = 5
	cfg.SMTP.Breaker.OpenTimeoutSeconds = 60

	cfg.DNS.Mode = mx.ModeSystem
	cfg.DNS.TimeoutSeconds = int(mx.DefaultTimeout / time.Second)
	cfg.DNS.CacheSize = mx.DefaultCacheSize

	cfg.Senders = append([]sender.Identity(nil), DefaultSenders...)

	cfg.Stats.RecentWindowHours = 24
	cfg.API.MaxBatch = 100
	cfg.API.ShutdownTimeoutSeconds = 10
	cfg.API.CORSOrigins = []string{"*"}
	cfg.API.RateLimit.RequestsPerSecond = 5
	cfg.API.RateLimit.Burst = 10

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "stdout"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	// If a specific path is provided, check only that
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./mxverify.toml",
		"./config/mxverify.toml",
		"./mxverify.yaml",
		os.ExpandEnv("$HOME/.mxverify.toml"),
		"/etc/mxverify/mxverify.toml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig reads the configuration and rejects it if validation fails
func LoadConfig(configPath string) (*Config, error) {
	cfg, err := ReadConfig(configPath)
	if err != nil {
		return nil, err
	}

	validationResult := cfg.Validate()
	if !validationResult.Valid {
		var errorMessages []string
		for _, err := range validationResult.Errors {
			errorMessages = append(errorMessages, err.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errorMessages, "; "))
	}
	for _, warning := range validationResult.Warnings {
		slog.Warn("Configuration warning", "warning", warning.Error())
	}

	return cfg, nil
}

// ReadConfig layers defaults, the config file if one is found, and
// environment overrides, without validating the result
func ReadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	securityValidator := NewSecurityValidator()

	configFile, err := FindConfigFile(configPath)
	switch {
	case err != nil && configPath != "":
		return nil, err
	case err != nil:
		slog.Debug("No config file found, using defaults")
	default:
		if err := securityValidator.ValidateConfigFileSize(configFile); err != nil {
			return nil, fmt.Errorf("config file security validation failed: %w", err)
		}

		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := decode(configFile, data, cfg); err != nil {
			return nil, err
		}
		slog.Debug("Configuration file loaded", "path", configFile)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// decode overlays data on cfg. A senders list in the file replaces the
// defaults instead of merging into them.
func decode(path string, data []byte, cfg *Config) error {
	defaults := cfg.Senders
	cfg.Senders = nil
	defer func() {
		if len(cfg.Senders) == 0 {
			cfg.Senders = defaults
		}
	}()

	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("error parsing YAML configuration: %w", err)
		}
		return nil
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("error parsing TOML configuration: %w", err)
	}
	return nil
}

// ApplyEnv applies the deployment environment variables on top of the
// loaded values. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	intVar := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q is not an integer", name, v)
		}
		*dst = n
		return nil
	}

	if v, ok := lookup("DATABASE_DIR"); ok && v != "" {
		c.Cache.Dir = v
	}
	if err := intVar("CACHE_DURATION_HOURS", &c.Cache.TTLHours); err != nil {
		return err
	}
	if err := intVar("SMTP_TIMEOUT", &c.SMTP.TimeoutSeconds); err != nil {
		return err
	}
	if err := intVar("MAX_CONCURRENT", &c.SMTP.MaxConcurrent); err != nil {
		return err
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid PORT: %q is not an integer", v)
		}
		c.Server.Listen = ":" + v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	return nil
}

// SaveConfig writes the configuration, as YAML when the path ends in
// .yaml or .yml and as TOML otherwise
func (c *Config) SaveConfig(configPath string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(configPath) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = toml.Marshal(c)
		data = append([]byte("# mxverify configuration\n\n"), data...)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// may contain DSN or redis credentials
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateServer(result, sv)
	c.validateCache(result, sv)
	c.validateSMTP(result, sv)
	c.validateDNS(result, sv)
	c.validateSenders(result, sv)
	c.validateLimits(result, sv)
	c.validateLogging(result, sv)

	return result
}

func (c *Config) validateServer(result *ValidationResult, sv *SecurityValidator) {
	if err := sv.ValidateListenAddress(c.Server.Listen, "server.listen"); err != nil {
		result.AddError("server.listen", c.Server.Listen, err.Error())
	}
}

func (c *Config) validateCache(result *ValidationResult, sv *SecurityValidator) {
	if c.Cache.TTLHours < 1 {
		result.AddError("cache.ttl_hours", c.Cache.TTLHours, "cache TTL must be at least one hour")
	}

	switch c.Cache.Driver {
	case "", store.DriverSQLite:
		if err := sv.ValidatePath(c.Cache.Dir, "cache.dir"); err != nil {
			result.AddError("cache.dir", c.Cache.Dir, err.Error())
		}
		if strings.ContainsAny(c.Cache.File, `/\`) {
			result.AddError("cache.file", c.Cache.File, "cache file must be a bare file name")
		}
	case store.DriverPostgres, store.DriverMySQL:
		if c.Cache.DSN == "" {
			result.AddError("cache.dsn", "", fmt.Sprintf("dsn is required for the %s driver", c.Cache.Driver))
		}
	case store.DriverRedis, store.DriverValkey:
		if c.Cache.Redis.Addr == "" {
			result.AddError("cache.redis.addr", "", fmt.Sprintf("redis address is required for the %s driver", c.Cache.Driver))
		}
		if c.Cache.Redis.DB < 0 {
			result.AddError("cache.redis.db", c.Cache.Redis.DB, "redis database index cannot be negative")
		}
		switch {
		case c.Cache.Redis.RetentionHours < 0:
			result.AddError("cache.redis.retention_hours", c.Cache.Redis.RetentionHours, "retention cannot be negative")
		case c.Cache.Redis.RetentionHours > 0 && c.Cache.Redis.RetentionHours < c.Cache.TTLHours:
			result.AddWarning("cache.redis.retention_hours", c.Cache.Redis.RetentionHours, "outcomes expire before the cache TTL; stats will undercount")
		}
	default:
		result.AddError("cache.driver", c.Cache.Driver, "unsupported cache driver (sqlite, postgres, mysql, redis, valkey)")
	}
}

func (c *Config) validateSMTP(result *ValidationResult, sv *SecurityValidator) {
	timeouts := map[string]int{
		"smtp.timeout_seconds":      c.SMTP.TimeoutSeconds,
		"smtp.step_timeout_seconds": c.SMTP.StepTimeoutSeconds,
		"smtp.rcpt_timeout_seconds": c.SMTP.RcptTimeoutSeconds,
	}
	for field, v := range timeouts {
		if err := sv.ValidateNumericBounds(int64(v), field, 1, 300); err != nil {
			result.AddError(field, v, err.Error())
		}
	}
	if c.SMTP.StepTimeoutSeconds > c.SMTP.TimeoutSeconds {
		result.AddWarning("smtp.step_timeout_seconds", c.SMTP.StepTimeoutSeconds,
			"step timeout exceeds the overall probe timeout and will be capped by it")
	}

	if err := sv.ValidatePort(c.SMTP.Port, "smtp.port"); err != nil {
		result.AddError("smtp.port", c.SMTP.Port, err.Error())
	}
	if err := sv.ValidateNumericBounds(int64(c.SMTP.MaxConcurrent), "smtp.max_concurrent", 1, sv.config.MaxConcurrentProbes); err != nil {
		result.AddError("smtp.max_concurrent", c.SMTP.MaxConcurrent, err.Error())
	}

	if c.SMTP.Breaker.Enabled {
		if c.SMTP.Breaker.ConsecutiveFailures < 1 {
			result.AddError("smtp.breaker.consecutive_failures", c.SMTP.Breaker.ConsecutiveFailures, "must be at least 1")
		}
		if c.SMTP.Breaker.OpenTimeoutSeconds < 1 {
			result.AddError("smtp.breaker.open_timeout_seconds", c.SMTP.Breaker.OpenTimeoutSeconds, "must be at least 1")
		}
	}
}

func (c *Config) validateDNS(result *ValidationResult, sv *SecurityValidator) {
	switch c.DNS.Mode {
	case "", mx.ModeSystem:
	case mx.ModeDirect:
		if len(c.DNS.Nameservers) == 0 {
			result.AddError("dns.nameservers", c.DNS.Nameservers, "direct mode requires at least one nameserver")
		}
	default:
		result.AddError("dns.mode", c.DNS.Mode, "unsupported dns mode (system, direct)")
	}
	if err := sv.ValidateNumericBounds(int64(c.DNS.TimeoutSeconds), "dns.timeout_seconds", 1, 60); err != nil {
		result.AddError("dns.timeout_seconds", c.DNS.TimeoutSeconds, err.Error())
	}
	if err := sv.ValidateNumericBounds(int64(c.DNS.CacheTTLSeconds), "dns.cache_ttl_seconds", 0, 86400); err != nil {
		result.AddError("dns.cache_ttl_seconds", c.DNS.CacheTTLSeconds, err.Error())
	}
	if c.DNS.CacheSize < 0 {
		result.AddError("dns.cache_size", c.DNS.CacheSize, "must not be negative")
	}
}

func (c *Config) validateSenders(result *ValidationResult, sv *SecurityValidator) {
	if len(c.Senders) == 0 {
		result.AddError("senders", nil, "at least one sender identity is required")
		return
	}
	for i, id := range c.Senders {
		field := fmt.Sprintf("senders[%d]", i)
		if !strings.Contains(id.Address, "@") {
			result.AddError(field+".address", id.Address, "sender address must contain @")
		}
		if err := sv.ValidateHostname(id.Hostname, field+".hostname"); err != nil {
			result.AddError(field+".hostname", id.Hostname, err.Error())
		}
	}
}

func (c *Config) validateLimits(result *ValidationResult, sv *SecurityValidator) {
	if c.Stats.RecentWindowHours < 1 {
		result.AddError("stats.recent_window_hours", c.Stats.RecentWindowHours, "must be at least 1")
	}
	if err := sv.ValidateNumericBounds(int64(c.API.MaxBatch), "api.max_batch", 1, sv.config.MaxBatch); err != nil {
		result.AddError("api.max_batch", c.API.MaxBatch, err.Error())
	}
	if c.API.ShutdownTimeoutSeconds < 0 {
		result.AddError("api.shutdown_timeout_seconds", c.API.ShutdownTimeoutSeconds, "cannot be negative")
	}
	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerSecond <= 0 {
		result.AddError("api.rate_limit.requests_per_second", c.API.RateLimit.RequestsPerSecond, "must be positive")
	}
	for _, proxy := range c.API.RateLimit.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				result.AddError("api.rate_limit.trusted_proxies", proxy, "must be an IP address or CIDR")
			}
		}
	}
	if c.API.MaxBatch > 1000 {
		result.AddWarning("api.max_batch", c.API.MaxBatch, "large batches hold a request open for many probes")
	}
}

func (c *Config) validateLogging(result *ValidationResult, sv *SecurityValidator) {
	if _, err := logging.StringToLevel(c.Logging.Level); err != nil {
		result.AddError("logging.level", c.Logging.Level, "must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be text or json")
	}
	switch c.Logging.Output {
	case "", "stdout", "stderr":
	default:
		if err := sv.ValidatePath(c.Logging.Output, "logging.output"); err != nil {
			result.AddError("logging.output", c.Logging.Output, err.Error())
		}
	}
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}

	return DefaultConfig().SaveConfig(configPath)
}

// StoreConfig returns the backend settings for store.Open
func (c *Config) StoreConfig() store.Config {
	file := c.Cache.File
	if file == "" {
		file = store.DefaultSQLiteFile
	}
	return store.Config{
		Driver: c.Cache.Driver,
		Path:   filepath.Join(c.Cache.Dir, file),
		DSN:    c.Cache.DSN,
		Redis: store.RedisConfig{
			Addr:      c.Cache.Redis.Addr,
			Password:  c.Cache.Redis.Password,
			DB:        c.Cache.Redis.DB,
			Prefix:    c.Cache.Redis.Prefix,
			Retention: time.Duration(c.Cache.Redis.RetentionHours) * time.Hour,
		},
	}
}

// CacheTTL is the outcome validity window
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// StatsWindow is the "recent" window reported by stats
func (c *Config) StatsWindow() time.Duration {
	return time.Duration(c.Stats.RecentWindowHours) * time.Hour
}

// ProbeConfig returns the SMTP probe timeouts and port
func (c *Config) ProbeConfig() probe.Config {
	return probe.Config{
		Port:        c.SMTP.Port,
		Timeout:     time.Duration(c.SMTP.TimeoutSeconds) * time.Second,
		StepTimeout: time.Duration(c.SMTP.StepTimeoutSeconds) * time.Second,
		RcptTimeout: time.Duration(c.SMTP.RcptTimeoutSeconds) * time.Second,
	}
}

// writeTimeoutMargin covers request decoding and response encoding
const writeTimeoutMargin = 30 * time.Second

// APIWriteTimeout bounds the HTTP response of the largest allowed batch
// when every address takes a full DNS timeout and a full probe timeout.
func (c *Config) APIWriteTimeout() time.Duration {
	parallel := c.SMTP.MaxConcurrent
	if parallel > verify.DefaultBatchConcurrency {
		parallel = verify.DefaultBatchConcurrency
	}
	if parallel < 1 {
		parallel = 1
	}
	batch := c.API.MaxBatch
	if batch < 1 {
		batch = 1
	}
	rounds := (batch + parallel - 1) / parallel

	perAddress := time.Duration(c.SMTP.TimeoutSeconds+c.DNS.TimeoutSeconds) * time.Second
	return time.Duration(rounds)*perAddress + writeTimeoutMargin
}

// BreakerConfig returns circuit breaker settings and whether it is enabled
func (c *Config) BreakerConfig() (probe.BreakerConfig, bool) {
	return probe.BreakerConfig{
		ConsecutiveFailures: uint32(c.SMTP.Breaker.ConsecutiveFailures),
		OpenTimeout:         time.Duration(c.SMTP.Breaker.OpenTimeoutSeconds) * time.Second,
	}, c.SMTP.Breaker.Enabled
}

// ResolverConfig returns the MX resolver settings
func (c *Config) ResolverConfig() mx.Config {
	return mx.Config{
		Mode:        c.DNS.Mode,
		Nameservers: c.DNS.Nameservers,
		Timeout:     time.Duration(c.DNS.TimeoutSeconds) * time.Second,
		CacheTTL:    time.Duration(c.DNS.CacheTTLSeconds) * time.Second,
		CacheSize:   c.DNS.CacheSize,
	}
}

// LoggingConfig returns the logger settings
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}
