// Package plan defines segment plan files: which industry/region slices a
// harvest job walks, how deep each slice paginates, and which fiscal years
// the financial stage pulls. Plans are YAML on disk and ride inside the
// job row as JSON.
package plan

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/harvest-cli/internal/config"
	"github.com/sells-group/harvest-cli/internal/model"
)

// Segment is one industry/region slice of the registry.
type Segment struct {
	IndustryCode string `yaml:"industry_code" json:"industry_code"`
	Region       string `yaml:"region" json:"region"`
}

// StageOverride lets a plan tune one stage within the configured bounds.
type StageOverride struct {
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
}

// Plan is the operator-authored description of one harvest job.
type Plan struct {
	Name     string    `yaml:"name" json:"name"`
	Segments []Segment `yaml:"segments" json:"segments"`

	// MaxPages caps pagination per segment.
	MaxPages int `yaml:"max_pages" json:"max_pages"`

	// Fiscal window for the financial stage, inclusive.
	YearFrom int `yaml:"year_from" json:"year_from"`
	YearTo   int `yaml:"year_to" json:"year_to"`

	Stages map[string]StageOverride `yaml:"stages,omitempty" json:"stages,omitempty"`
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "plan: read %s", path)
	}
	return Parse(raw)
}

// Parse decodes a YAML plan document.
func Parse(raw []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, eris.Wrap(err, "plan: parse")
	}
	return &p, nil
}

// Save writes the plan as YAML.
func (p *Plan) Save(path string) error {
	raw, err := yaml.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "plan: marshal")
	}
	return eris.Wrapf(os.WriteFile(path, raw, 0o644), "plan: write %s", path)
}

// Validate checks the plan against the configured bounds.
func (p *Plan) Validate(cfg config.PlanConfig) error {
	if len(p.Segments) == 0 {
		return eris.New("plan: no segments")
	}
	if cfg.MaxSegments > 0 && len(p.Segments) > cfg.MaxSegments {
		return eris.New(fmt.Sprintf("plan: %d segments exceeds limit %d", len(p.Segments), cfg.MaxSegments))
	}

	seen := make(map[string]struct{}, len(p.Segments))
	for i, seg := range p.Segments {
		if seg.IndustryCode == "" || seg.Region == "" {
			return eris.New(fmt.Sprintf("plan: segment %d missing industry code or region", i))
		}
		key := model.SegmentKey(seg.IndustryCode, seg.Region)
		if _, dup := seen[key]; dup {
			return eris.New(fmt.Sprintf("plan: duplicate segment %s", key))
		}
		seen[key] = struct{}{}
	}

	if p.MaxPages <= 0 {
		return eris.New("plan: max_pages must be positive")
	}
	if cfg.MaxPages > 0 && p.MaxPages > cfg.MaxPages {
		return eris.New(fmt.Sprintf("plan: max_pages %d exceeds limit %d", p.MaxPages, cfg.MaxPages))
	}

	if p.YearFrom < cfg.MinFiscalYear {
		return eris.New(fmt.Sprintf("plan: year_from %d before minimum %d", p.YearFrom, cfg.MinFiscalYear))
	}
	if p.YearTo < p.YearFrom {
		return eris.New(fmt.Sprintf("plan: year_to %d before year_from %d", p.YearTo, p.YearFrom))
	}
	if span := p.YearTo - p.YearFrom + 1; cfg.MaxFiscalSpan > 0 && span > cfg.MaxFiscalSpan {
		return eris.New(fmt.Sprintf("plan: fiscal span %d exceeds limit %d", span, cfg.MaxFiscalSpan))
	}

	for stage, ov := range p.Stages {
		min, max, ok := config.ConcurrencyBounds(stage)
		if !ok {
			return eris.New(fmt.Sprintf("plan: unknown stage override %q", stage))
		}
		if ov.Concurrency != 0 && (ov.Concurrency < min || ov.Concurrency > max) {
			return eris.New(fmt.Sprintf(
				"plan: stages.%s.concurrency %d outside allowed range %d-%d",
				stage, ov.Concurrency, min, max))
		}
	}

	return nil
}

// Concurrency returns the effective worker bound for a stage: the plan
// override when present, otherwise the configured default.
func (p *Plan) Concurrency(stage string, base config.StageConfig) int {
	if ov, ok := p.Stages[stage]; ok && ov.Concurrency > 0 {
		return ov.Concurrency
	}
	return base.Concurrency
}
