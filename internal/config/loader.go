package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator for the given env prefix and files.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalSegments restores the camelCase spelling of keys that arrive
// lower-cased from the environment.
var canonicalSegments = map[string]string{
	"correlationheader":      "correlationHeader",
	"apisfolder":             "apisFolder",
	"apisfile":               "apisFile",
	"templatesfolder":        "templatesFolder",
	"cdserrorbody":           "cdsErrorBody",
	"oautherrorbody":         "oauthErrorBody",
	"idpermanence":           "idPermanence",
	"onmalformed":            "onMalformed",
	"accessexpiryminutes":    "accessExpiryMinutes",
	"modifyexpiryminutes":    "modifyExpiryMinutes",
	"keyprefix":              "keyPrefix",
	"cafile":                 "caFile",
	"baseurl":                "baseURL",
	"timeoutseconds":         "timeoutSeconds",
	"initialwaitms":          "initialWaitMs",
	"maxattempts":            "maxAttempts",
	"refreshintervalseconds": "refreshIntervalSeconds",
	"recipientheader":        "recipientHeader",
	"productheader":          "productHeader",
	"datarecipients":         "dataRecipients",
	"softwareproducts":       "softwareProducts",
}

// Load assembles the effective configuration and the merged API definitions.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		if err := k.Load(env.Provider(l.envPrefix, ".", l.envKey), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineAPIs = cloneAPIMap(cfg.APIs)

	bundle, err := buildAPIBundle(ctx, cfg.InlineAPIs, cfg.Server.APIs)
	if err != nil {
		return Config{}, err
	}
	cfg.APIs = bundle.APIs
	cfg.APISources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// envKey maps CDSGATE_REGISTRY__RETRY__MAXATTEMPTS onto registry.retry.maxAttempts.
// Double underscores nest; single underscores are dropped.
func (l *Loader) envKey(s string) string {
	key := strings.TrimPrefix(s, l.envPrefix+"_")
	segments := strings.Split(key, "__")
	for i, seg := range segments {
		seg = strings.ToLower(strings.ReplaceAll(seg, "_", ""))
		if mapped, ok := canonicalSegments[seg]; ok {
			seg = mapped
		}
		segments[i] = seg
	}
	return strings.Join(segments, ".")
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	caches := make(map[string]any, len(cfg.Caches))
	for name, c := range cfg.Caches {
		caches[name] = map[string]any{
			"accessExpiryMinutes": c.AccessExpiryMinutes,
			"modifyExpiryMinutes": c.ModifyExpiryMinutes,
		}
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"apis": map[string]any{
				"apisFolder": cfg.Server.APIs.APIsFolder,
				"apisFile":   cfg.Server.APIs.APIsFile,
			},
			"templates": map[string]any{
				"templatesFolder": cfg.Server.Templates.TemplatesFolder,
				"cdsErrorBody":    cfg.Server.Templates.CDSErrorBody,
				"oauthErrorBody":  cfg.Server.Templates.OAuthErrorBody,
			},
		},
		"idPermanence": map[string]any{
			"secret":      cfg.IDPermanence.Secret,
			"onMalformed": cfg.IDPermanence.OnMalformed,
		},
		"caches": caches,
		"replay": map[string]any{
			"backend":   cfg.Replay.Backend,
			"keyPrefix": cfg.Replay.KeyPrefix,
			"redis": map[string]any{
				"address":  cfg.Replay.Redis.Address,
				"username": cfg.Replay.Redis.Username,
				"password": cfg.Replay.Redis.Password,
				"db":       cfg.Replay.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Replay.Redis.TLS.Enabled,
					"caFile":  cfg.Replay.Redis.TLS.CAFile,
				},
			},
		},
		"registry": map[string]any{
			"baseURL":        cfg.Registry.BaseURL,
			"username":       cfg.Registry.Username,
			"password":       cfg.Registry.Password,
			"timeoutSeconds": cfg.Registry.TimeoutSeconds,
			"retry": map[string]any{
				"initialWaitMs": cfg.Registry.Retry.InitialWaitMs,
				"maxAttempts":   cfg.Registry.Retry.MaxAttempts,
			},
		},
		"metadata": map[string]any{
			"enabled":                cfg.Metadata.Enabled,
			"refreshIntervalSeconds": cfg.Metadata.RefreshIntervalSeconds,
			"recipientHeader":        cfg.Metadata.RecipientHeader,
			"productHeader":          cfg.Metadata.ProductHeader,
			"policy":                 cfg.Metadata.Policy,
		},
	}
}
