// Package stages builds the per-stage work functions the runner executes:
// segment page walks, org-number resolution, and financial statement
// fetches. Each function borrows a network identity for the duration of
// one unit and persists its own domain rows.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/registry"
	"github.com/sells-group/harvest-cli/internal/resilience"
	"github.com/sells-group/harvest-cli/internal/runner"
	"github.com/sells-group/harvest-cli/internal/session"
	"github.com/sells-group/harvest-cli/internal/store"
)

// Deps carries the shared collaborators of all three stages.
type Deps struct {
	Store    store.Store
	Client   registry.Client
	Sessions *session.Manager

	// MaxPages caps the segment ratchet per segment; zero means no cap.
	MaxPages int
}

// withIdentity borrows an identity, makes sure it carries a live session,
// runs fn, and settles the lease. An auth rejection reported by fn cools
// or burns the identity so the retry lands on a fresh one.
func (d Deps) withIdentity(ctx context.Context, fn func(ctx context.Context, ident model.NetworkIdentity) error) error {
	ident, err := d.Sessions.Acquire(ctx)
	if err != nil {
		return eris.Wrap(err, "stages: acquire identity")
	}

	if d.Sessions.Token(ident.ID) == "" {
		token, err := d.Client.Authenticate(ctx, ident)
		if err != nil {
			if resilience.Classify(err).Kind == model.ErrKindAuthExpired {
				d.Sessions.ReportAuthFailure(ident.ID)
			}
			d.Sessions.Release(ident.ID, false)
			return err
		}
		d.Sessions.Refresh(ident.ID, token)
	}

	err = fn(ctx, ident)
	if err != nil && resilience.Classify(err).Kind == model.ErrKindAuthExpired {
		d.Sessions.ReportAuthFailure(ident.ID)
		d.Sessions.Release(ident.ID, false)
		return err
	}
	d.Sessions.Release(ident.ID, true)
	return err
}

// Segment walks one search page: persist discovered companies and, when
// the registry reports another page, enqueue it. The enqueue is an
// idempotent insert, so re-running a page after a crash is harmless.
func Segment(d Deps) runner.WorkFn {
	return func(ctx context.Context, unit model.WorkUnit) (json.RawMessage, error) {
		var page model.SegmentPage
		if err := json.Unmarshal(unit.Payload, &page); err != nil {
			return nil, resilience.NewBadPayload(eris.Wrap(err, "stages: segment payload"))
		}

		var result *model.SegmentResult
		err := d.withIdentity(ctx, func(ctx context.Context, ident model.NetworkIdentity) error {
			var err error
			result, err = d.Client.SearchPage(ctx, ident, page)
			return err
		})
		if err != nil {
			return nil, err
		}

		if len(result.Companies) > 0 {
			now := time.Now().UTC()
			companies := make([]model.Company, 0, len(result.Companies))
			for _, ref := range result.Companies {
				companies = append(companies, model.Company{
					Name:         ref.Name,
					NameKey:      model.NameKey(ref.Name),
					City:         ref.City,
					Region:       ref.Region,
					IndustryCode: ref.IndustryCode,
					SegmentKey:   model.SegmentKey(ref.IndustryCode, ref.Region),
					DiscoveredAt: now,
				})
			}
			if _, err := d.Store.UpsertCompanies(ctx, companies); err != nil {
				return nil, eris.Wrap(err, "stages: persist discovered companies")
			}
		}

		next := result.NextPage
		if result.HasMore && next <= 0 {
			next = page.Page + 1
		}
		if d.MaxPages > 0 && next > d.MaxPages {
			zap.L().Debug("segment page cap reached",
				zap.String("segment", model.SegmentKey(page.IndustryCode, page.Region)),
				zap.Int("max_pages", d.MaxPages))
			next = 0
		}
		if result.HasMore && next > 0 {
			payload, err := json.Marshal(model.SegmentPage{
				IndustryCode: page.IndustryCode,
				Region:       page.Region,
				Page:         next,
			})
			if err != nil {
				return nil, eris.Wrap(err, "stages: marshal next page")
			}
			_, err = d.Store.CreateUnits(ctx, []model.WorkUnit{{
				JobID:      unit.JobID,
				Stage:      model.StageSegment,
				NaturalKey: model.PageKey(page.IndustryCode, page.Region, next),
				Payload:    payload,
			}})
			if err != nil {
				return nil, eris.Wrap(err, "stages: enqueue next page")
			}
			zap.L().Debug("segment page ratchet",
				zap.String("segment", model.SegmentKey(page.IndustryCode, page.Region)),
				zap.Int("next_page", next))
		}

		raw, err := json.Marshal(result)
		return raw, eris.Wrap(err, "stages: marshal segment result")
	}
}

// Resolve looks up one discovered company's org number. A registry with
// no plausible candidate is an affirmative no-op, recorded as skipped.
func Resolve(d Deps) runner.WorkFn {
	return func(ctx context.Context, unit model.WorkUnit) (json.RawMessage, error) {
		var task model.ResolveTask
		if err := json.Unmarshal(unit.Payload, &task); err != nil {
			return nil, resilience.NewBadPayload(eris.Wrap(err, "stages: resolve payload"))
		}

		var result *model.ResolveResult
		err := d.withIdentity(ctx, func(ctx context.Context, ident model.NetworkIdentity) error {
			var err error
			result, err = d.Client.Lookup(ctx, ident, task)
			return err
		})
		if err != nil {
			if errors.Is(err, registry.ErrNoMatch) {
				return nil, resilience.ErrSkip
			}
			return nil, err
		}

		err = d.Store.MarkCompanyResolved(ctx, model.NameKey(task.Name), task.Region,
			result.OrgNumber, result.MatchScore, time.Now().UTC())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrap(err, "stages: mark resolved")
		}

		raw, err := json.Marshal(result)
		return raw, eris.Wrap(err, "stages: marshal resolve result")
	}
}

// Financial fetches the filings for one org number, pulls each filing in
// the requested fiscal window, and persists the statements. No filings in
// the window is an affirmative no-op.
func Financial(d Deps) runner.WorkFn {
	return func(ctx context.Context, unit model.WorkUnit) (json.RawMessage, error) {
		var task model.FinancialTask
		if err := json.Unmarshal(unit.Payload, &task); err != nil {
			return nil, resilience.NewBadPayload(eris.Wrap(err, "stages: financial payload"))
		}

		var records []model.FinancialRecord
		err := d.withIdentity(ctx, func(ctx context.Context, ident model.NetworkIdentity) error {
			refs, err := d.Client.Filings(ctx, ident, task.OrgNumber)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				if task.YearFrom > 0 && ref.FiscalYear < task.YearFrom {
					continue
				}
				if task.YearTo > 0 && ref.FiscalYear > task.YearTo {
					continue
				}
				rec, err := d.Client.FilingDetail(ctx, ident, ref)
				if err != nil {
					return err
				}
				records = append(records, *rec)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, resilience.ErrSkip
		}

		if _, err := d.Store.UpsertFinancials(ctx, records); err != nil {
			return nil, eris.Wrap(err, "stages: persist financials")
		}

		years := make([]int, 0, len(records))
		for _, rec := range records {
			years = append(years, rec.FiscalYear)
		}
		sort.Ints(years)

		raw, err := json.Marshal(model.FinancialResult{Years: years, Records: len(records)})
		return raw, eris.Wrap(err, "stages: marshal financial result")
	}
}
