package usage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talentkit/entitlement/pkg/entitlement"
)

// Unlimited indicates no quota for a feature (-1 chosen for SQL compatibility).
const Unlimited int64 = -1

// Config carries usage metering tunables from the environment. A weekly
// limit of 0 means the feature is categorically unavailable to FREE accounts.
type Config struct {
	ProcessingWeeklyLimit  int64         `env:"USAGE_PROCESSING_WEEKLY_LIMIT" envDefault:"5"`
	BulkWeeklyLimit        int64         `env:"USAGE_BULK_WEEKLY_LIMIT" envDefault:"0"`
	CoverLetterWeeklyLimit int64         `env:"USAGE_COVER_LETTER_WEEKLY_LIMIT" envDefault:"0"`
	Window                 time.Duration `env:"USAGE_WINDOW" envDefault:"168h"`
	MaxCountPerRecord      int64         `env:"USAGE_MAX_COUNT_PER_RECORD" envDefault:"100"`
	QuotasFile             string        `env:"USAGE_QUOTAS_FILE"`
}

// Quotas maps each metered feature family to its FREE-tier weekly limit.
type Quotas map[entitlement.UsageType]int64

// Source defines how quotas are loaded into the meter.
type Source interface {
	Load(ctx context.Context) (Quotas, error)
}

// EnvSource derives quotas from the environment config.
type EnvSource struct {
	Config Config
}

func (s EnvSource) Load(_ context.Context) (Quotas, error) {
	return Quotas{
		entitlement.UsageProcessing:  s.Config.ProcessingWeeklyLimit,
		entitlement.UsageBulk:        s.Config.BulkWeeklyLimit,
		entitlement.UsageCoverLetter: s.Config.CoverLetterWeeklyLimit,
	}, nil
}

// YAMLSource loads quotas from a YAML file, falling back to the given
// defaults for features the file does not mention.
//
//	quotas:
//	  processing: 5
//	  bulk: 0
//	  cover_letter: 0
type YAMLSource struct {
	Path     string
	Defaults Source
}

func (s YAMLSource) Load(ctx context.Context) (Quotas, error) {
	quotas := Quotas{}
	if s.Defaults != nil {
		base, err := s.Defaults.Load(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range base {
			quotas[k] = v
		}
	}

	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadQuotas, err)
	}

	var doc struct {
		Quotas map[string]int64 `yaml:"quotas"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Join(ErrFailedToLoadQuotas, err)
	}

	for name, limit := range doc.Quotas {
		if limit < Unlimited {
			return nil, fmt.Errorf("%w: quota for %q is negative", ErrInvalidQuotaConfiguration, name)
		}
		quotas[entitlement.UsageType(name)] = limit
	}

	return quotas, nil
}

// NewSource picks the YAML source when a quotas file is configured,
// otherwise plain env defaults.
func NewSource(cfg Config) Source {
	env := EnvSource{Config: cfg}
	if cfg.QuotasFile != "" {
		return YAMLSource{Path: cfg.QuotasFile, Defaults: env}
	}
	return env
}
