package model

import "time"

// Company is a harvested company row. Discovered during the segment stage
// (org number empty), completed by resolution.
type Company struct {
	OrgNumber    string     `json:"org_number,omitempty"`
	Name         string     `json:"name"`
	NameKey      string     `json:"name_key"`
	City         string     `json:"city,omitempty"`
	Region       string     `json:"region"`
	IndustryCode string     `json:"industry_code"`
	SegmentKey   string     `json:"segment_key"`
	MatchScore   float64    `json:"match_score,omitempty"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// FinancialRecord is one fiscal year of a company's published statements.
// Amounts are in thousands of the reporting currency, as published.
type FinancialRecord struct {
	OrgNumber       string    `json:"org_number"`
	FiscalYear      int       `json:"fiscal_year"`
	Currency        string    `json:"currency"`
	Revenue         int64     `json:"revenue"`
	OperatingProfit int64     `json:"operating_profit"`
	ProfitBeforeTax int64     `json:"profit_before_tax"`
	Equity          int64     `json:"equity"`
	Employees       int       `json:"employees"`
	FetchedAt       time.Time `json:"fetched_at"`
}
