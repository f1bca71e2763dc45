// Package export writes harvested financials to XLSX workbooks for
// analyst handoff: one row per company and fiscal year, plus a summary
// sheet with per-segment counts.
package export

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/plan"
	"github.com/sells-group/harvest-cli/internal/store"
)

// scanPageSize bounds one company scan.
const scanPageSize = 500

var financialHeader = []string{
	"Org Number", "Name", "Region", "Industry Code", "Fiscal Year",
	"Currency", "Revenue", "Operating Profit", "Profit Before Tax",
	"Equity", "Employees",
}

// Report tallies one export.
type Report struct {
	Companies int    `json:"companies"`
	Rows      int    `json:"rows"`
	Path      string `json:"path"`
}

// Exporter renders store contents into workbooks.
type Exporter struct {
	store store.Store
}

// New builds an Exporter.
func New(st store.Store) *Exporter {
	return &Exporter{store: st}
}

// Job exports every resolved company of the job's plan segments with its
// financial series.
func (e *Exporter) Job(ctx context.Context, jobID, outPath string) (*Report, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "export: load job")
	}
	var p plan.Plan
	if err := json.Unmarshal(job.Plan, &p); err != nil {
		return nil, eris.Wrap(err, "export: decode job plan")
	}

	var companies []model.Company
	for _, seg := range p.Segments {
		segCompanies, err := e.scan(ctx, store.CompanyFilter{
			Region:       seg.Region,
			IndustryCode: seg.IndustryCode,
			ResolvedOnly: true,
		})
		if err != nil {
			return nil, err
		}
		companies = append(companies, segCompanies...)
	}
	return e.write(ctx, companies, outPath)
}

// Company exports a single company's financial series.
func (e *Exporter) Company(ctx context.Context, orgNumber, outPath string) (*Report, error) {
	companies, err := e.scan(ctx, store.CompanyFilter{ResolvedOnly: true})
	if err != nil {
		return nil, err
	}
	for _, c := range companies {
		if c.OrgNumber == orgNumber {
			return e.write(ctx, []model.Company{c}, outPath)
		}
	}
	// Financials may exist without a surviving company row.
	return e.write(ctx, []model.Company{{OrgNumber: orgNumber, Name: orgNumber}}, outPath)
}

func (e *Exporter) scan(ctx context.Context, filter store.CompanyFilter) ([]model.Company, error) {
	var all []model.Company
	filter.Limit = scanPageSize
	for offset := 0; ; offset += scanPageSize {
		filter.Offset = offset
		batch, err := e.store.ListCompanies(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "export: scan companies")
		}
		all = append(all, batch...)
		if len(batch) < scanPageSize {
			return all, nil
		}
	}
}

func (e *Exporter) write(ctx context.Context, companies []model.Company, outPath string) (*Report, error) {
	orgs := make([]string, 0, len(companies))
	byOrg := make(map[string]model.Company, len(companies))
	for _, c := range companies {
		if c.OrgNumber == "" {
			continue
		}
		orgs = append(orgs, c.OrgNumber)
		byOrg[c.OrgNumber] = c
	}

	var records []model.FinancialRecord
	if len(orgs) > 0 {
		var err error
		records, err = e.store.ListFinancials(ctx, orgs)
		if err != nil {
			return nil, eris.Wrap(err, "export: load financials")
		}
	}

	f := xlsx.NewFile()
	if err := writeFinancialSheet(f, byOrg, records); err != nil {
		return nil, err
	}
	if err := writeSummarySheet(f, companies, records); err != nil {
		return nil, err
	}
	if err := f.Save(outPath); err != nil {
		return nil, eris.Wrapf(err, "export: save %s", outPath)
	}

	report := &Report{Companies: len(byOrg), Rows: len(records), Path: outPath}
	zap.L().Info("export written",
		zap.String("path", outPath),
		zap.Int("companies", report.Companies),
		zap.Int("rows", report.Rows))
	return report, nil
}

func writeFinancialSheet(f *xlsx.File, byOrg map[string]model.Company, records []model.FinancialRecord) error {
	sheet, err := f.AddSheet("Financials")
	if err != nil {
		return eris.Wrap(err, "export: add financials sheet")
	}

	header := sheet.AddRow()
	for _, h := range financialHeader {
		header.AddCell().SetString(h)
	}

	sorted := make([]model.FinancialRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].OrgNumber != sorted[j].OrgNumber {
			return sorted[i].OrgNumber < sorted[j].OrgNumber
		}
		return sorted[i].FiscalYear < sorted[j].FiscalYear
	})

	for _, rec := range sorted {
		c := byOrg[rec.OrgNumber]
		row := sheet.AddRow()
		row.AddCell().SetString(rec.OrgNumber)
		row.AddCell().SetString(c.Name)
		row.AddCell().SetString(c.Region)
		row.AddCell().SetString(c.IndustryCode)
		row.AddCell().SetInt(rec.FiscalYear)
		row.AddCell().SetString(rec.Currency)
		row.AddCell().SetInt64(rec.Revenue)
		row.AddCell().SetInt64(rec.OperatingProfit)
		row.AddCell().SetInt64(rec.ProfitBeforeTax)
		row.AddCell().SetInt64(rec.Equity)
		row.AddCell().SetInt(rec.Employees)
	}
	return nil
}

func writeSummarySheet(f *xlsx.File, companies []model.Company, records []model.FinancialRecord) error {
	sheet, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "export: add summary sheet")
	}

	type segmentTally struct {
		companies int
		records   int
	}
	tallies := make(map[string]*segmentTally)
	orgSegment := make(map[string]string)
	for _, c := range companies {
		t := tallies[c.SegmentKey]
		if t == nil {
			t = &segmentTally{}
			tallies[c.SegmentKey] = t
		}
		t.companies++
		if c.OrgNumber != "" {
			orgSegment[c.OrgNumber] = c.SegmentKey
		}
	}
	for _, rec := range records {
		if seg, ok := orgSegment[rec.OrgNumber]; ok {
			tallies[seg].records++
		}
	}

	keys := make([]string, 0, len(tallies))
	for k := range tallies {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	header := sheet.AddRow()
	for _, h := range []string{"Segment", "Companies", "Financial Rows"} {
		header.AddCell().SetString(h)
	}
	for _, k := range keys {
		row := sheet.AddRow()
		row.AddCell().SetString(k)
		row.AddCell().SetInt(tallies[k].companies)
		row.AddCell().SetInt(tallies[k].records)
	}
	return nil
}
