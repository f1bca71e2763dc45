package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/harvest-cli/internal/config"
	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/registry"
	"github.com/sells-group/harvest-cli/internal/resilience"
	"github.com/sells-group/harvest-cli/internal/session"
	"github.com/sells-group/harvest-cli/internal/store"
)

// fakeClient scripts registry responses per method.
type fakeClient struct {
	authFn         func(ctx context.Context, ident model.NetworkIdentity) (string, error)
	searchFn       func(ctx context.Context, ident model.NetworkIdentity, page model.SegmentPage) (*model.SegmentResult, error)
	lookupFn       func(ctx context.Context, ident model.NetworkIdentity, task model.ResolveTask) (*model.ResolveResult, error)
	filingsFn      func(ctx context.Context, ident model.NetworkIdentity, orgNumber string) ([]registry.FilingRef, error)
	filingDetailFn func(ctx context.Context, ident model.NetworkIdentity, ref registry.FilingRef) (*model.FinancialRecord, error)
}

func (f *fakeClient) Authenticate(ctx context.Context, ident model.NetworkIdentity) (string, error) {
	if f.authFn != nil {
		return f.authFn(ctx, ident)
	}
	return "tok", nil
}

func (f *fakeClient) SearchPage(ctx context.Context, ident model.NetworkIdentity, page model.SegmentPage) (*model.SegmentResult, error) {
	return f.searchFn(ctx, ident, page)
}

func (f *fakeClient) Lookup(ctx context.Context, ident model.NetworkIdentity, task model.ResolveTask) (*model.ResolveResult, error) {
	return f.lookupFn(ctx, ident, task)
}

func (f *fakeClient) Filings(ctx context.Context, ident model.NetworkIdentity, orgNumber string) ([]registry.FilingRef, error) {
	return f.filingsFn(ctx, ident, orgNumber)
}

func (f *fakeClient) FilingDetail(ctx context.Context, ident model.NetworkIdentity, ref registry.FilingRef) (*model.FinancialRecord, error) {
	return f.filingDetailFn(ctx, ident, ref)
}

func newDeps(t *testing.T, client registry.Client) Deps {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "stages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	sessions := session.NewManager(config.SessionConfig{
		RotateAfter:        1000,
		AcquireTimeoutSecs: 1,
	}, nil)

	seedStageJob(t, st)
	return Deps{Store: st, Client: client, Sessions: sessions}
}

func seedStageJob(t *testing.T, st store.Store) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.UpsertJob(context.Background(), &model.Job{
		ID:        "job-1",
		Stage:     model.StageSegment,
		Status:    model.JobRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func segmentUnit(t *testing.T, page model.SegmentPage) model.WorkUnit {
	t.Helper()
	payload, err := json.Marshal(page)
	require.NoError(t, err)
	return model.WorkUnit{
		JobID:      "job-1",
		Stage:      model.StageSegment,
		NaturalKey: model.PageKey(page.IndustryCode, page.Region, page.Page),
		Payload:    payload,
	}
}

func TestSegment_PersistsCompaniesAndRatchets(t *testing.T) {
	client := &fakeClient{
		searchFn: func(ctx context.Context, ident model.NetworkIdentity, page model.SegmentPage) (*model.SegmentResult, error) {
			return &model.SegmentResult{
				Companies: []model.CompanyRef{
					{Name: "Nordfjord Bygg AS", City: "Måløy", Region: "46", IndustryCode: "41.200"},
					{Name: "Fjordane Entreprenør AS", Region: "46", IndustryCode: "41.200"},
				},
				HasMore:  true,
				NextPage: 2,
			}, nil
		},
	}
	d := newDeps(t, client)
	ctx := context.Background()

	fn := Segment(d)
	raw, err := fn(ctx, segmentUnit(t, model.SegmentPage{IndustryCode: "41.200", Region: "46", Page: 1}))
	require.NoError(t, err)

	var result model.SegmentResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Len(t, result.Companies, 2)

	companies, err := d.Store.ListCompanies(ctx, store.CompanyFilter{Region: "46"})
	require.NoError(t, err)
	assert.Len(t, companies, 2)

	// The next page was enqueued as a pending unit.
	units, err := d.Store.ListUnits(ctx, store.UnitFilter{JobID: "job-1", Stage: model.StageSegment})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, model.PageKey("41.200", "46", 2), units[0].NaturalKey)
	assert.Equal(t, model.UnitPending, units[0].Status)
}

func TestSegment_RatchetIsIdempotent(t *testing.T) {
	client := &fakeClient{
		searchFn: func(ctx context.Context, ident model.NetworkIdentity, page model.SegmentPage) (*model.SegmentResult, error) {
			return &model.SegmentResult{HasMore: true, NextPage: 2}, nil
		},
	}
	d := newDeps(t, client)
	ctx := context.Background()

	fn := Segment(d)
	unit := segmentUnit(t, model.SegmentPage{IndustryCode: "41.200", Region: "46", Page: 1})
	_, err := fn(ctx, unit)
	require.NoError(t, err)
	_, err = fn(ctx, unit) // crash-replay of the same page
	require.NoError(t, err)

	units, err := d.Store.ListUnits(ctx, store.UnitFilter{JobID: "job-1"})
	require.NoError(t, err)
	assert.Len(t, units, 1)
}

func TestSegment_LastPage(t *testing.T) {
	client := &fakeClient{
		searchFn: func(ctx context.Context, ident model.NetworkIdentity, page model.SegmentPage) (*model.SegmentResult, error) {
			return &model.SegmentResult{
				Companies: []model.CompanyRef{{Name: "Siste AS", Region: "03", IndustryCode: "41.200"}},
				HasMore:   false,
			}, nil
		},
	}
	d := newDeps(t, client)

	fn := Segment(d)
	_, err := fn(context.Background(), segmentUnit(t, model.SegmentPage{IndustryCode: "41.200", Region: "03", Page: 9}))
	require.NoError(t, err)

	units, err := d.Store.ListUnits(context.Background(), store.UnitFilter{JobID: "job-1"})
	require.NoError(t, err)
	assert.Empty(t, units, "no ratchet on the final page")
}

func TestSegment_BadPayload(t *testing.T) {
	d := newDeps(t, &fakeClient{})

	fn := Segment(d)
	_, err := fn(context.Background(), model.WorkUnit{
		JobID: "job-1", Stage: model.StageSegment, NaturalKey: "broken",
		Payload: json.RawMessage(`{`),
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindDataQuality, resilience.Classify(err).Kind)
}

func TestSegment_AuthExpiredCoolsIdentity(t *testing.T) {
	client := &fakeClient{
		searchFn: func(ctx context.Context, ident model.NetworkIdentity, page model.SegmentPage) (*model.SegmentResult, error) {
			return nil, resilience.NewAuthExpired(fmt.Errorf("session invalidated"))
		},
	}
	d := newDeps(t, client)

	fn := Segment(d)
	_, err := fn(context.Background(), segmentUnit(t, model.SegmentPage{IndustryCode: "41.200", Region: "03", Page: 1}))
	require.Error(t, err)
	assert.Equal(t, model.ErrKindAuthExpired, resilience.Classify(err).Kind)

	// The session token was dropped so the retry re-authenticates.
	idents := d.Sessions.Identities()
	require.Len(t, idents, 1)
	assert.Empty(t, idents[0].SessionToken)
	assert.Equal(t, 1, idents[0].FailureCount)
}

func TestResolve_MarksCompanyResolved(t *testing.T) {
	client := &fakeClient{
		lookupFn: func(ctx context.Context, ident model.NetworkIdentity, task model.ResolveTask) (*model.ResolveResult, error) {
			return &model.ResolveResult{OrgNumber: "912345678", MatchScore: 0.95, Candidates: 2}, nil
		},
	}
	d := newDeps(t, client)
	ctx := context.Background()

	// The segment stage discovered this company earlier.
	_, err := d.Store.UpsertCompanies(ctx, []model.Company{{
		Name: "Nordfjord Bygg AS", NameKey: model.NameKey("Nordfjord Bygg AS"),
		Region: "46", IndustryCode: "41.200", SegmentKey: "41.200|46",
		DiscoveredAt: time.Now().UTC(),
	}})
	require.NoError(t, err)

	payload, _ := json.Marshal(model.ResolveTask{Name: "Nordfjord Bygg AS", Region: "46"})
	fn := Resolve(d)
	raw, err := fn(ctx, model.WorkUnit{
		JobID: "job-1", Stage: model.StageResolve,
		NaturalKey: model.ResolveKey("Nordfjord Bygg AS", "46"),
		Payload:    payload,
	})
	require.NoError(t, err)

	var result model.ResolveResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "912345678", result.OrgNumber)

	companies, err := d.Store.ListCompanies(ctx, store.CompanyFilter{ResolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, companies, 1)
	assert.Equal(t, "912345678", companies[0].OrgNumber)
}

func TestResolve_NoMatchSkips(t *testing.T) {
	client := &fakeClient{
		lookupFn: func(ctx context.Context, ident model.NetworkIdentity, task model.ResolveTask) (*model.ResolveResult, error) {
			return nil, registry.ErrNoMatch
		},
	}
	d := newDeps(t, client)

	payload, _ := json.Marshal(model.ResolveTask{Name: "Ghost AS", Region: "03"})
	fn := Resolve(d)
	_, err := fn(context.Background(), model.WorkUnit{
		JobID: "job-1", Stage: model.StageResolve, NaturalKey: "ghost|03", Payload: payload,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrSkip))
}

func TestFinancial_FetchesWindowedFilings(t *testing.T) {
	var detailCalls []string
	client := &fakeClient{
		filingsFn: func(ctx context.Context, ident model.NetworkIdentity, orgNumber string) ([]registry.FilingRef, error) {
			return []registry.FilingRef{
				{OrgNumber: orgNumber, FilingID: "f-2021", FiscalYear: 2021},
				{OrgNumber: orgNumber, FilingID: "f-2023", FiscalYear: 2023},
				{OrgNumber: orgNumber, FilingID: "f-2024", FiscalYear: 2024},
			}, nil
		},
		filingDetailFn: func(ctx context.Context, ident model.NetworkIdentity, ref registry.FilingRef) (*model.FinancialRecord, error) {
			detailCalls = append(detailCalls, ref.FilingID)
			return &model.FinancialRecord{
				OrgNumber: ref.OrgNumber, FiscalYear: ref.FiscalYear,
				Currency: "NOK", Revenue: 1000, FetchedAt: time.Now().UTC(),
			}, nil
		},
	}
	d := newDeps(t, client)

	payload, _ := json.Marshal(model.FinancialTask{OrgNumber: "912345678", YearFrom: 2022, YearTo: 2024})
	fn := Financial(d)
	raw, err := fn(context.Background(), model.WorkUnit{
		JobID: "job-1", Stage: model.StageFinancial, NaturalKey: "912345678", Payload: payload,
	})
	require.NoError(t, err)

	// The 2021 filing is outside the window and never fetched.
	assert.Equal(t, []string{"f-2023", "f-2024"}, detailCalls)

	var result model.FinancialResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, []int{2023, 2024}, result.Years)
	assert.Equal(t, 2, result.Records)

	records, err := d.Store.ListFinancials(context.Background(), []string{"912345678"})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestFinancial_NoFilingsInWindowSkips(t *testing.T) {
	client := &fakeClient{
		filingsFn: func(ctx context.Context, ident model.NetworkIdentity, orgNumber string) ([]registry.FilingRef, error) {
			return []registry.FilingRef{{OrgNumber: orgNumber, FilingID: "f-2019", FiscalYear: 2019}}, nil
		},
	}
	d := newDeps(t, client)

	payload, _ := json.Marshal(model.FinancialTask{OrgNumber: "912345678", YearFrom: 2022, YearTo: 2024})
	fn := Financial(d)
	_, err := fn(context.Background(), model.WorkUnit{
		JobID: "job-1", Stage: model.StageFinancial, NaturalKey: "912345678", Payload: payload,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrSkip))
}
