package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every server-level option plus the API definitions once they are loaded.
type Config struct {
	Server       ServerConfig           `koanf:"server"`
	IDPermanence IDPermanenceConfig     `koanf:"idPermanence"`
	Caches       map[string]CacheConfig `koanf:"caches"`
	Replay       ReplayConfig           `koanf:"replay"`
	Registry     RegistryConfig         `koanf:"registry"`
	Metadata     MetadataConfig         `koanf:"metadata"`
	APIs         map[string]APIConfig   `koanf:"apis"`

	InlineAPIs map[string]APIConfig `koanf:"-"`

	// APISources records which files contributed API definitions.
	APISources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or invalid definitions the loader
	// disabled so health checks can surface them.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the listener, logging and definition source knobs.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	APIs      APISourceConfig `koanf:"apis"`
	Templates TemplatesConfig `koanf:"templates"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// APISourceConfig announces where API definition documents live.
type APISourceConfig struct {
	APIsFolder string `koanf:"apisFolder"`
	APIsFile   string `koanf:"apisFile"`
}

// TemplatesConfig points at optional error body overrides. File names are
// resolved inside TemplatesFolder.
type TemplatesConfig struct {
	TemplatesFolder string `koanf:"templatesFolder"`
	CDSErrorBody    string `koanf:"cdsErrorBody"`
	OAuthErrorBody  string `koanf:"oauthErrorBody"`
}

// IDPermanenceConfig holds the identifier encryption secret.
type IDPermanenceConfig struct {
	Secret      string `koanf:"secret"`
	OnMalformed string `koanf:"onMalformed"`
}

// CacheConfig sets the two expiry clocks of a named cache, in minutes.
type CacheConfig struct {
	AccessExpiryMinutes int `koanf:"accessExpiryMinutes"`
	ModifyExpiryMinutes int `koanf:"modifyExpiryMinutes"`
}

// AccessExpiry converts the configured minutes.
func (c CacheConfig) AccessExpiry() time.Duration {
	return time.Duration(c.AccessExpiryMinutes) * time.Minute
}

// ModifyExpiry converts the configured minutes.
func (c CacheConfig) ModifyExpiry() time.Duration {
	return time.Duration(c.ModifyExpiryMinutes) * time.Minute
}

type ReplayConfig struct {
	Backend   string            `koanf:"backend"`
	KeyPrefix string            `koanf:"keyPrefix"`
	Redis     ReplayRedisConfig `koanf:"redis"`
}

type ReplayRedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// RegistryConfig describes the CDR Register endpoints polled for metadata.
type RegistryConfig struct {
	BaseURL        string            `koanf:"baseURL"`
	Username       string            `koanf:"username"`
	Password       string            `koanf:"password"`
	Versions       map[string]string `koanf:"versions"`
	Paths          map[string]string `koanf:"paths"`
	TimeoutSeconds int               `koanf:"timeoutSeconds"`
	Retry          RetryConfig       `koanf:"retry"`
}

type RetryConfig struct {
	InitialWaitMs int `koanf:"initialWaitMs"`
	MaxAttempts   int `koanf:"maxAttempts"`
}

// MetadataConfig controls the Register status cache and the default gate.
type MetadataConfig struct {
	Enabled                bool   `koanf:"enabled"`
	RefreshIntervalSeconds int    `koanf:"refreshIntervalSeconds"`
	RecipientHeader        string `koanf:"recipientHeader"`
	ProductHeader          string `koanf:"productHeader"`
	Policy                 string `koanf:"policy"`
}

// DefinitionSkip describes an API definition the loader ignored because it
// violated invariants (for example duplicate names across files).
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// APIConfig is one published API fronted by the gateway.
type APIConfig struct {
	Description        string             `koanf:"description"`
	Context            string             `koanf:"context"`
	Backend            string             `koanf:"backend"`
	EncryptedResources []string           `koanf:"encryptedResources"`
	RequestFields      []string           `koanf:"requestFields"`
	ResponseFields     []string           `koanf:"responseFields"`
	OnMalformed        string             `koanf:"onMalformed"`
	JWTReplay          JWTReplayConfig    `koanf:"jwtReplay"`
	MetadataGate       MetadataGateConfig `koanf:"metadataGate"`
}

type JWTReplayConfig struct {
	Paths     []string `koanf:"paths"`
	FormField string   `koanf:"formField"`
}

// MetadataGateConfig overrides the server-wide gate settings for one API.
type MetadataGateConfig struct {
	Enabled *bool  `koanf:"enabled"`
	Policy  string `koanf:"policy"`
}

// GateEnabled resolves the per-API switch against the server default.
func (c MetadataGateConfig) GateEnabled(serverDefault bool) bool {
	if c.Enabled == nil {
		return serverDefault
	}
	return *c.Enabled
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.APIs.APIsFolder != "" && c.Server.APIs.APIsFile != "" {
		return errors.New("config: apisFolder and apisFile are mutually exclusive")
	}
	if strings.TrimSpace(c.IDPermanence.Secret) == "" {
		return errors.New("config: idPermanence.secret required")
	}
	if err := validatePolicy("idPermanence.onMalformed", c.IDPermanence.OnMalformed); err != nil {
		return err
	}
	for name, cache := range c.Caches {
		if cache.AccessExpiryMinutes < 0 || cache.ModifyExpiryMinutes < 0 {
			return fmt.Errorf("config: caches.%s expiry must not be negative", name)
		}
	}
	switch strings.TrimSpace(strings.ToLower(c.Replay.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Replay.Redis.Address) == "" {
			return errors.New("config: replay.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: replay.backend unsupported: %s", c.Replay.Backend)
	}
	if c.Registry.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: registry.retry.maxAttempts invalid: %d", c.Registry.Retry.MaxAttempts)
	}
	if c.Registry.Retry.InitialWaitMs < 0 {
		return fmt.Errorf("config: registry.retry.initialWaitMs invalid: %d", c.Registry.Retry.InitialWaitMs)
	}
	if c.Metadata.Enabled {
		if strings.TrimSpace(c.Registry.BaseURL) == "" {
			return errors.New("config: registry.baseURL required when metadata is enabled")
		}
		if c.Metadata.RefreshIntervalSeconds <= 0 {
			return fmt.Errorf("config: metadata.refreshIntervalSeconds invalid: %d", c.Metadata.RefreshIntervalSeconds)
		}
	}
	return nil
}

// validateAPI checks one API definition. Failures quarantine the definition
// rather than failing the whole load.
func validateAPI(cfg APIConfig) error {
	context := strings.TrimSpace(cfg.Context)
	if !strings.HasPrefix(context, "/") {
		return fmt.Errorf("context %q must start with /", cfg.Context)
	}
	u, err := url.Parse(strings.TrimSpace(cfg.Backend))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend %q must be an absolute http(s) URL", cfg.Backend)
	}
	if err := validatePolicy("onMalformed", cfg.OnMalformed); err != nil {
		return err
	}
	for i, p := range cfg.JWTReplay.Paths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("jwtReplay.paths[%d] empty", i)
		}
	}
	return nil
}

func validatePolicy(field, value string) error {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", "reject", "passthrough":
		return nil
	default:
		return fmt.Errorf("config: %s unsupported: %s", field, value)
	}
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "x-fapi-interaction-id",
			},
		},
		IDPermanence: IDPermanenceConfig{
			OnMalformed: "reject",
		},
		Caches: map[string]CacheConfig{
			"replay":   {AccessExpiryMinutes: 60, ModifyExpiryMinutes: 60},
			"metadata": {AccessExpiryMinutes: 60, ModifyExpiryMinutes: 60},
		},
		Replay: ReplayConfig{
			Backend:   "memory",
			KeyPrefix: "cdsgate:jti:",
		},
		Registry: RegistryConfig{
			TimeoutSeconds: 10,
			Retry: RetryConfig{
				InitialWaitMs: 500,
				MaxAttempts:   3,
			},
		},
		Metadata: MetadataConfig{
			Enabled:                false,
			RefreshIntervalSeconds: 900,
			RecipientHeader:        "x-cds-data-recipient-id",
			ProductHeader:          "x-cds-software-product-id",
		},
	}
}
