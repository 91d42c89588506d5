package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Business holds the operator-maintained business rules: team membership,
// rank-label gates and the drama category thresholds. Kept in a YAML file so
// ops can edit it without a deploy.
type Business struct {
	// Teams maps team name -> optimizer names.
	Teams map[string][]string `yaml:"teams"`

	// Minimum spend a person must reach before rank labels apply.
	MinSpendDaily  float64 `yaml:"min_spend_daily"`
	MinSpendWeekly float64 `yaml:"min_spend_weekly"`

	Buckets BucketThresholds `yaml:"buckets"`
}

// BucketThresholds drive the drama category buckets in the weekly report.
type BucketThresholds struct {
	TopSpend          float64 `yaml:"top_spend"`            // top: spend > TopSpend and roas > TopROAS
	TopROAS           float64 `yaml:"top_roas"`
	PotentialSpendMin float64 `yaml:"potential_spend_min"`  // potential: min < spend < max and roas > PotentialROAS
	PotentialSpendMax float64 `yaml:"potential_spend_max"`
	PotentialROAS     float64 `yaml:"potential_roas"`
	DecliningROASDrop float64 `yaml:"declining_roas_drop"`  // declining: roas_change_wow < -drop
	LosingSpendMin    float64 `yaml:"losing_spend_min"`     // losing: spend > min and roas < LosingROAS
	LosingROAS        float64 `yaml:"losing_roas"`
}

// DefaultBusiness returns the thresholds the pipeline ships with.
func DefaultBusiness() *Business {
	return &Business{
		Teams:          map[string][]string{},
		MinSpendDaily:  100,
		MinSpendWeekly: 1000,
		Buckets: BucketThresholds{
			TopSpend:          10000,
			TopROAS:           0.40,
			PotentialSpendMin: 1000,
			PotentialSpendMax: 10000,
			PotentialROAS:     0.50,
			DecliningROASDrop: 0.10,
			LosingSpendMin:    1000,
			LosingROAS:        0.25,
		},
	}
}

// LoadBusiness reads the YAML business config. A missing file yields the
// defaults so a fresh deployment works before ops writes one.
func LoadBusiness(path string) (*Business, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultBusiness(), nil
	}
	if err != nil {
		return nil, err
	}

	b := DefaultBusiness()
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return b, nil
}

// TeamOf returns the inverted optimizer -> team lookup, rebuilt at load time.
func (b *Business) TeamOf() map[string]string {
	out := make(map[string]string)
	for team, members := range b.Teams {
		for _, m := range members {
			out[m] = team
		}
	}
	return out
}
