// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"agentgate/gateway/alert"
	"agentgate/gateway/audit"
	"agentgate/gateway/export"
	"agentgate/gateway/ratelimit"
	"agentgate/gateway/threat"
	"agentgate/gateway/token"
	"agentgate/shared/logger"
)

const (
	DefaultListenAddr           = ":8090"
	DefaultHousekeepingInterval = 5 * time.Minute
	DefaultStaleAgentAge        = 24 * time.Hour

	minJWTSecretLength = 32
)

// Config holds every gateway setting.
type Config struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// Credentials
	APIKeyPrefix        string        `json:"api_key_prefix" yaml:"api_key_prefix"`
	TokenTTL            time.Duration `json:"token_ttl" yaml:"token_ttl"`
	MaxTokenAge         time.Duration `json:"max_token_age" yaml:"max_token_age"`
	RotationProbability float64       `json:"rotation_probability" yaml:"rotation_probability"`
	// JWTSecret seeds the signing secret. A random secret is used when empty.
	JWTSecret string `json:"-" yaml:"jwt_secret"`

	// Admission
	RateLimits ratelimit.Limits `json:"rate_limits" yaml:"rate_limits"`
	// AllowedOrigins lists hostnames accepted in the Origin header. An entry
	// also admits its subdomains; "*" admits everything.
	AllowedOrigins     []string      `json:"allowed_origins" yaml:"allowed_origins"`
	RequireCredentials bool          `json:"require_credentials" yaml:"require_credentials"`
	Threat             threat.Config `json:"threat" yaml:"threat"`

	AuditRetention       int           `json:"audit_retention" yaml:"audit_retention"`
	HousekeepingInterval time.Duration `json:"housekeeping_interval" yaml:"housekeeping_interval"`
	StaleAgentAge        time.Duration `json:"stale_agent_age" yaml:"stale_agent_age"`

	// HTTP surface
	TrustProxy     bool `json:"trust_proxy" yaml:"trust_proxy"`
	BootstrapAdmin bool `json:"bootstrap_admin" yaml:"bootstrap_admin"`
	// BootstrapKeyFile receives the bootstrap admin API key (mode 0600).
	// When empty the key is printed once to stderr.
	BootstrapKeyFile string `json:"bootstrap_key_file" yaml:"bootstrap_key_file"`

	Export ExportConfig `json:"export" yaml:"export"`
	Alerts AlertConfig  `json:"alerts" yaml:"alerts"`
}

// ExportConfig configures the audit export queue. Export is disabled
// unless at least one sink URL is set.
type ExportConfig struct {
	DatabaseURL  string `json:"-" yaml:"database_url"`
	RedisURL     string `json:"-" yaml:"redis_url"`
	RedisStream  string `json:"redis_stream" yaml:"redis_stream"`
	Workers      int    `json:"workers" yaml:"workers"`
	QueueSize    int    `json:"queue_size" yaml:"queue_size"`
	FallbackPath string `json:"fallback_path" yaml:"fallback_path"`
}

// Enabled reports whether any sink is configured.
func (c ExportConfig) Enabled() bool {
	return c.DatabaseURL != "" || c.RedisURL != ""
}

// AlertConfig configures notifications for severe events.
type AlertConfig struct {
	URLs        []string      `json:"-" yaml:"urls"`
	MinSeverity string        `json:"min_severity" yaml:"min_severity"`
	Cooldown    time.Duration `json:"cooldown" yaml:"cooldown"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:           DefaultListenAddr,
		APIKeyPrefix:         token.DefaultAPIKeyPrefix,
		TokenTTL:             token.DefaultTokenTTL,
		MaxTokenAge:          token.DefaultMaxTokenAge,
		RotationProbability:  token.DefaultRotationProbability,
		RateLimits:           ratelimit.DefaultLimits(),
		AllowedOrigins:       []string{"localhost", "127.0.0.1"},
		RequireCredentials:   true,
		Threat:               threat.DefaultConfig(),
		AuditRetention:       audit.DefaultRetention,
		HousekeepingInterval: DefaultHousekeepingInterval,
		StaleAgentAge:        DefaultStaleAgentAge,
		Export: ExportConfig{
			RedisStream: export.DefaultRedisStream,
			Workers:     export.DefaultWorkers,
			QueueSize:   export.DefaultQueueSize,
		},
		Alerts: AlertConfig{
			MinSeverity: string(audit.SeverityCritical),
			Cooldown:    alert.DefaultCooldown,
		},
	}
}

// Environment variable names for gateway configuration.
const (
	EnvConfigFile           = "GATEWAY_CONFIG_FILE"
	EnvListenAddr           = "GATEWAY_LISTEN_ADDR"
	EnvAPIKeyPrefix         = "GATEWAY_API_KEY_PREFIX"
	EnvTokenTTL             = "GATEWAY_TOKEN_TTL"
	EnvMaxTokenAge          = "GATEWAY_MAX_TOKEN_AGE"
	EnvRotationProbability  = "GATEWAY_ROTATION_PROBABILITY"
	EnvJWTSecret            = "GATEWAY_JWT_SECRET"
	EnvRequestsPerMinute    = "GATEWAY_REQUESTS_PER_MINUTE"
	EnvRequestsPerHour      = "GATEWAY_REQUESTS_PER_HOUR"
	EnvAllowedOrigins       = "GATEWAY_ALLOWED_ORIGINS"
	EnvRequireCredentials   = "GATEWAY_REQUIRE_CREDENTIALS"
	EnvFailureThreshold     = "GATEWAY_FAILURE_THRESHOLD"
	EnvFailureWindow        = "GATEWAY_FAILURE_WINDOW"
	EnvBlockDuration        = "GATEWAY_BLOCK_DURATION"
	EnvAuditRetention       = "GATEWAY_AUDIT_RETENTION"
	EnvHousekeepingInterval = "GATEWAY_HOUSEKEEPING_INTERVAL"
	EnvStaleAgentAge        = "GATEWAY_STALE_AGENT_AGE"
	EnvTrustProxy           = "GATEWAY_TRUST_PROXY"
	EnvBootstrapAdmin       = "GATEWAY_BOOTSTRAP_ADMIN"
	EnvBootstrapKeyFile     = "GATEWAY_BOOTSTRAP_KEY_FILE"
	EnvDatabaseURL          = "GATEWAY_DATABASE_URL"
	EnvRedisURL             = "GATEWAY_REDIS_URL"
	EnvRedisStream          = "GATEWAY_REDIS_STREAM"
	EnvExportFallback       = "GATEWAY_EXPORT_FALLBACK"
	EnvAlertURLs            = "GATEWAY_ALERT_URLS"
	EnvAlertMinSeverity     = "GATEWAY_ALERT_MIN_SEVERITY"
	EnvAlertCooldown        = "GATEWAY_ALERT_COOLDOWN"
)

// ConfigFromEnv builds the configuration from defaults, then the YAML file
// named by GATEWAY_CONFIG_FILE (if set), then GATEWAY_* variables.
//
// Invalid variable values are logged and ignored. A file that cannot be
// read or parsed is an error.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv(EnvConfigFile); path != "" {
		loaded, err := LoadConfigFile(path, cfg)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	applyEnv(&cfg, logger.New("config"))
	return cfg, nil
}

func applyEnv(cfg *Config, log *logger.Logger) {
	invalid := func(name, value string, err error) {
		log.Warn("", "", "ignoring invalid environment value", map[string]interface{}{
			"variable": name,
			"value":    value,
			"error":    err.Error(),
		})
	}

	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v := os.Getenv(name); v != "" {
			*dst = splitList(v)
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				invalid(name, v, err)
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				invalid(name, v, err)
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				invalid(name, v, err)
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				invalid(name, v, err)
				return
			}
			*dst = d
		}
	}

	str(EnvListenAddr, &cfg.ListenAddr)
	str(EnvAPIKeyPrefix, &cfg.APIKeyPrefix)
	duration(EnvTokenTTL, &cfg.TokenTTL)
	duration(EnvMaxTokenAge, &cfg.MaxTokenAge)
	float(EnvRotationProbability, &cfg.RotationProbability)
	str(EnvJWTSecret, &cfg.JWTSecret)
	integer(EnvRequestsPerMinute, &cfg.RateLimits.RequestsPerMinute)
	integer(EnvRequestsPerHour, &cfg.RateLimits.RequestsPerHour)
	list(EnvAllowedOrigins, &cfg.AllowedOrigins)
	boolean(EnvRequireCredentials, &cfg.RequireCredentials)
	integer(EnvFailureThreshold, &cfg.Threat.FailureThreshold)
	duration(EnvFailureWindow, &cfg.Threat.FailureWindow)
	duration(EnvBlockDuration, &cfg.Threat.BlockDuration)
	integer(EnvAuditRetention, &cfg.AuditRetention)
	duration(EnvHousekeepingInterval, &cfg.HousekeepingInterval)
	duration(EnvStaleAgentAge, &cfg.StaleAgentAge)
	boolean(EnvTrustProxy, &cfg.TrustProxy)
	boolean(EnvBootstrapAdmin, &cfg.BootstrapAdmin)
	str(EnvBootstrapKeyFile, &cfg.BootstrapKeyFile)
	str(EnvDatabaseURL, &cfg.Export.DatabaseURL)
	str(EnvRedisURL, &cfg.Export.RedisURL)
	str(EnvRedisStream, &cfg.Export.RedisStream)
	str(EnvExportFallback, &cfg.Export.FallbackPath)
	list(EnvAlertURLs, &cfg.Alerts.URLs)
	str(EnvAlertMinSeverity, &cfg.Alerts.MinSeverity)
	duration(EnvAlertCooldown, &cfg.Alerts.Cooldown)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate validates the configuration and returns every problem found in
// a single error.
func (c *Config) Validate() error {
	var errs []string

	if c.APIKeyPrefix == "" {
		errs = append(errs, "api_key_prefix must not be empty")
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, "token_ttl must be positive")
	}
	if c.MaxTokenAge <= 0 {
		errs = append(errs, "max_token_age must be positive")
	}
	if c.RotationProbability < 0 || c.RotationProbability > 1 {
		errs = append(errs, fmt.Sprintf("rotation_probability must be within [0,1], got %v", c.RotationProbability))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < minJWTSecretLength {
		errs = append(errs, fmt.Sprintf("jwt_secret must be at least %d characters", minJWTSecretLength))
	}
	if err := c.RateLimits.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	for _, o := range c.AllowedOrigins {
		if err := validateOriginPattern(o); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := c.Threat.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.AuditRetention <= 0 {
		errs = append(errs, "audit_retention must be positive")
	}
	if c.HousekeepingInterval <= 0 {
		errs = append(errs, "housekeeping_interval must be positive")
	}
	if c.StaleAgentAge <= 0 {
		errs = append(errs, "stale_agent_age must be positive")
	}
	if c.Export.Workers < 0 || c.Export.QueueSize < 0 {
		errs = append(errs, "export workers and queue_size must not be negative")
	}
	if _, ok := audit.ParseSeverity(c.Alerts.MinSeverity); !ok {
		errs = append(errs, fmt.Sprintf("invalid alerts.min_severity: %q", c.Alerts.MinSeverity))
	}
	if c.Alerts.Cooldown < 0 {
		errs = append(errs, "alerts.cooldown must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
