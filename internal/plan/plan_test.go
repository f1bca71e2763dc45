package plan

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/harvest-cli/internal/config"
)

func testBounds() config.PlanConfig {
	return config.PlanConfig{
		MaxSegments:   5000,
		MaxPages:      500,
		MinFiscalYear: 2000,
		MaxFiscalSpan: 10,
	}
}

func validPlan() *Plan {
	return &Plan{
		Name: "nordfjord-construction",
		Segments: []Segment{
			{IndustryCode: "41.200", Region: "46"},
			{IndustryCode: "43.910", Region: "46"},
		},
		MaxPages: 50,
		YearFrom: 2021,
		YearTo:   2024,
	}
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validPlan().Validate(testBounds()))
}

func TestValidate_Bounds(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Plan)
		wantErr string
	}{
		{"no segments", func(p *Plan) { p.Segments = nil }, "no segments"},
		{"missing region", func(p *Plan) { p.Segments[0].Region = "" }, "missing industry code or region"},
		{"duplicate segment", func(p *Plan) { p.Segments[1] = p.Segments[0] }, "duplicate segment"},
		{"zero pages", func(p *Plan) { p.MaxPages = 0 }, "max_pages must be positive"},
		{"pages over cap", func(p *Plan) { p.MaxPages = 501 }, "exceeds limit"},
		{"year too early", func(p *Plan) { p.YearFrom = 1999 }, "before minimum"},
		{"inverted window", func(p *Plan) { p.YearTo = 2020 }, "before year_from"},
		{"span too wide", func(p *Plan) { p.YearFrom, p.YearTo = 2010, 2024 }, "fiscal span"},
		{"unknown stage", func(p *Plan) {
			p.Stages = map[string]StageOverride{"enrich": {Concurrency: 5}}
		}, "unknown stage override"},
		{"override out of range", func(p *Plan) {
			p.Stages = map[string]StageOverride{"resolve": {Concurrency: 50}}
		}, "outside allowed range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPlan()
			tc.mutate(p)
			err := p.Validate(testBounds())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidate_TooManySegments(t *testing.T) {
	p := validPlan()
	p.Segments = nil
	for i := 0; i < 5001; i++ {
		p.Segments = append(p.Segments, Segment{IndustryCode: fmt.Sprintf("%02d.%03d", i%99, i), Region: "46"})
	}
	err := p.Validate(testBounds())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit 5000")
}

func TestValidate_StageOverrideInRange(t *testing.T) {
	p := validPlan()
	p.Stages = map[string]StageOverride{"resolve": {Concurrency: 28}}
	assert.NoError(t, p.Validate(testBounds()))
}

func TestConcurrency_OverrideWins(t *testing.T) {
	p := validPlan()
	p.Stages = map[string]StageOverride{"resolve": {Concurrency: 28}}

	base := config.StageConfig{Concurrency: 24}
	assert.Equal(t, 28, p.Concurrency("resolve", base))
	assert.Equal(t, 24, p.Concurrency("segment", config.StageConfig{Concurrency: 24}))
}

func TestSaveLoad_Roundtrip(t *testing.T) {
	p := validPlan()
	p.Stages = map[string]StageOverride{"financial": {Concurrency: 36}}
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, p.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, p, loaded)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("segments: [not: {valid"))
	assert.Error(t, err)
}
