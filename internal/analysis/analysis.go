// Package analysis produces model-written summaries of a company's
// harvested financial series.
package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/harvest-cli/internal/config"
	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/store"
	"github.com/sells-group/harvest-cli/pkg/anthropic"
)

const defaultModel = "claude-haiku-4-5-20251001"

const systemPrompt = `You are a financial analyst reviewing Norwegian company
accounts. Given a series of annual figures, write a short assessment:
revenue trajectory, profitability, balance-sheet strength, and headcount
development. Be concrete, cite the numbers, and keep it under 200 words.`

// Summary is one model-written assessment plus its cost attribution.
type Summary struct {
	OrgNumber     string               `json:"org_number"`
	Model         string               `json:"model"`
	Text          string               `json:"text"`
	Years         []int                `json:"years"`
	Usage         anthropic.TokenUsage `json:"usage"`
	EstimatedCost float64              `json:"estimated_cost_usd"`
}

// Summarizer renders financial series into prompts and collects the
// model's assessment.
type Summarizer struct {
	store  store.Store
	client anthropic.Client
	model  string
}

// New builds a Summarizer. The model defaults when the config leaves it
// empty.
func New(st store.Store, client anthropic.Client, cfg config.AnthropicConfig) *Summarizer {
	m := cfg.Model
	if m == "" {
		m = defaultModel
	}
	return &Summarizer{store: st, client: client, model: m}
}

// Summarize fetches the stored financials for one org number and asks the
// model for an assessment. Token usage and estimated cost are logged and
// returned.
func (s *Summarizer) Summarize(ctx context.Context, orgNumber string) (*Summary, error) {
	records, err := s.store.ListFinancials(ctx, []string{orgNumber})
	if err != nil {
		return nil, eris.Wrap(err, "analysis: load financials")
	}
	if len(records) == 0 {
		return nil, eris.New("analysis: no financial records for " + orgNumber)
	}

	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.model,
		MaxTokens: 1024,
		System:    anthropic.BuildCachedSystemBlocks(systemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: buildPrompt(orgNumber, records)},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "analysis: summarize "+orgNumber)
	}
	resp.Usage.LogCost(s.model, "analysis")

	years := make([]int, 0, len(records))
	for _, rec := range records {
		years = append(years, rec.FiscalYear)
	}
	sort.Ints(years)

	return &Summary{
		OrgNumber:     orgNumber,
		Model:         s.model,
		Text:          resp.Text(),
		Years:         years,
		Usage:         resp.Usage,
		EstimatedCost: resp.Usage.EstimateCost(s.model),
	}, nil
}

// buildPrompt renders the series compactly, one fiscal year per line.
func buildPrompt(orgNumber string, records []model.FinancialRecord) string {
	sorted := make([]model.FinancialRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FiscalYear < sorted[j].FiscalYear })

	var b strings.Builder
	fmt.Fprintf(&b, "Org number %s, figures in %s (thousands):\n", orgNumber, currencyOf(sorted))
	for _, r := range sorted {
		fmt.Fprintf(&b, "%d: revenue=%d operating_profit=%d profit_before_tax=%d equity=%d employees=%d\n",
			r.FiscalYear, r.Revenue, r.OperatingProfit, r.ProfitBeforeTax, r.Equity, r.Employees)
	}
	return b.String()
}

func currencyOf(records []model.FinancialRecord) string {
	for _, r := range records {
		if r.Currency != "" {
			return r.Currency
		}
	}
	return "NOK"
}
