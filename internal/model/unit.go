package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// UnitStatus represents the state of a single work unit.
type UnitStatus string

const (
	UnitPending  UnitStatus = "pending"
	UnitInFlight UnitStatus = "inflight"
	UnitDone     UnitStatus = "done"
	UnitFailed   UnitStatus = "failed"
	UnitSkipped  UnitStatus = "skipped"
)

// UnitStatuses lists all work unit states.
var UnitStatuses = []UnitStatus{UnitPending, UnitInFlight, UnitDone, UnitFailed, UnitSkipped}

// WorkUnit is one item flowing through a stage: a segment search page, an
// identifier-resolution task, or a financial-fetch task. (job, stage,
// natural key) is unique; a unit is in flight in at most one worker,
// enforced by the store's atomic claim.
type WorkUnit struct {
	ID            int64           `json:"id"`
	JobID         string          `json:"job_id"`
	Stage         Stage           `json:"stage"`
	NaturalKey    string          `json:"natural_key"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Status        UnitStatus      `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	LastErrorKind ErrorKind       `json:"last_error_kind,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SegmentPage is the payload of a segment-stage unit: one search page of one
// industry x region segment.
type SegmentPage struct {
	IndustryCode string `json:"industry_code"`
	Region       string `json:"region"`
	Page         int    `json:"page"`
}

// SegmentResult is the output of a segment-stage unit.
type SegmentResult struct {
	Companies []CompanyRef `json:"companies"`
	HasMore   bool         `json:"has_more"`
	NextPage  int          `json:"next_page,omitempty"`
}

// CompanyRef is a company discovered on a search page, before resolution.
type CompanyRef struct {
	Name         string `json:"name"`
	City         string `json:"city,omitempty"`
	Region       string `json:"region"`
	IndustryCode string `json:"industry_code"`
}

// ResolveTask is the payload of a resolve-stage unit.
type ResolveTask struct {
	Name         string `json:"name"`
	City         string `json:"city,omitempty"`
	Region       string `json:"region"`
	IndustryCode string `json:"industry_code"`
}

// ResolveResult is the output of a resolve-stage unit.
type ResolveResult struct {
	OrgNumber  string  `json:"org_number"`
	MatchScore float64 `json:"match_score"`
	Candidates int     `json:"candidates"`
}

// FinancialTask is the payload of a financial-stage unit.
type FinancialTask struct {
	OrgNumber string `json:"org_number"`
	Name      string `json:"name"`
	YearFrom  int    `json:"year_from"`
	YearTo    int    `json:"year_to"`
}

// FinancialResult is the output of a financial-stage unit.
type FinancialResult struct {
	Years   []int `json:"years"`
	Records int   `json:"records"`
}

// SegmentKey builds a segment identity from its axes.
func SegmentKey(industryCode, region string) string {
	return industryCode + "|" + region
}

// PageKey builds the natural key of a segment-page unit.
func PageKey(industryCode, region string, page int) string {
	return fmt.Sprintf("%s|%s|p%d", industryCode, region, page)
}

// ResolveKey builds the natural key of a resolve-stage unit from the
// normalized company name and region.
func ResolveKey(name, region string) string {
	return NameKey(name) + "|" + region
}

// legalSuffixes are registry legal-form suffixes dropped when normalizing
// names for matching.
var legalSuffixes = []string{"as", "asa", "ans", "da", "enk", "nuf", "ba", "sa"}

var nameFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NameKey normalizes a company name into a stable matching key: diacritics
// folded, lowercased, punctuation stripped, legal-form suffix dropped,
// whitespace collapsed.
func NameKey(name string) string {
	folded, _, err := transform.String(nameFold, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '/' || r == '.' || r == ',':
			b.WriteRune(' ')
		}
	}

	fields := strings.Fields(b.String())
	if n := len(fields); n > 1 {
		last := fields[n-1]
		for _, suf := range legalSuffixes {
			if last == suf {
				fields = fields[:n-1]
				break
			}
		}
	}
	return strings.Join(fields, " ")
}
