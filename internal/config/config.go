// Package config loads the service configuration from an optional file
// and KESTREL_* environment variables on top of the tier defaults.
package config

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix is prepended to every environment override, e.g.
// KESTREL_SERVER_PORT or KESTREL_DETECTION_MAXCYCLES.
const EnvPrefix = "KESTREL"

// Load builds the configuration. The tier ("tier" key, KESTREL_TIER)
// selects the base defaults; the file at path, when given, and then the
// environment override them. Durations accept Go duration strings.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		base = domain.ProConfig()
	}
	if err := setDefaults(v, base); err != nil {
		return nil, err
	}

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every field of base as a viper default so that
// AutomaticEnv can resolve overrides for keys absent from the file.
func setDefaults(v *viper.Viper, base *domain.Config) error {
	raw, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("encoding defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("decoding defaults: %w", err)
	}
	flatten("", tree, v.SetDefault)
	return nil
}

func flatten(prefix string, tree map[string]interface{}, set func(string, interface{})) {
	for k, val := range tree {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if sub, ok := val.(map[string]interface{}); ok {
			flatten(key, sub, set)
			continue
		}
		set(key, val)
	}
}

// Validate rejects configurations the service cannot run with.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Server.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("server.maxUploadSize must be positive"))
	}
	if cfg.Server.MaxConcurrentAnalyses < 0 {
		errs = append(errs, errors.New("server.maxConcurrentAnalyses must not be negative"))
	}
	if cfg.Detection.MaxCycles <= 0 {
		errs = append(errs, errors.New("detection.maxCycles must be positive"))
	}
	if cfg.Detection.CycleTimeBudget <= 0 {
		errs = append(errs, errors.New("detection.cycleTimeBudget must be positive"))
	}
	if cfg.Detection.FanInThreshold <= 0 {
		errs = append(errs, errors.New("detection.fanInThreshold must be positive"))
	}
	if cfg.Scoring.MinScore > cfg.Scoring.MaxScore {
		errs = append(errs, errors.New("scoring.minScore exceeds scoring.maxScore"))
	}

	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache type %q", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	case "kafka":
		if len(cfg.EventBus.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("eventBus.kafkaBrokers is required for kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported event bus type %q", cfg.EventBus.Type))
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("rateLimit.requestsPerSecond must be positive when enabled"))
	}

	return errors.Join(errs...)
}
