package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/harvest-cli/internal/config"
	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/resilience"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(config.RegistryConfig{
		BaseURL:     srv.URL,
		Username:    "harvester",
		Password:    "secret",
		TimeoutSecs: 5,
	})
	require.NoError(t, err)
	return c
}

func testIdentity() model.NetworkIdentity {
	return model.NetworkIdentity{ID: "id-1", Label: "direct", UserAgent: "harvest-cli/1.0"}
}

func TestAuthenticate(t *testing.T) {
	var gotUser string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/auth/login", r.URL.Path)
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		gotUser = creds["username"]
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"}) //nolint:errcheck
	}))

	token, err := c.Authenticate(context.Background(), testIdentity())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
	assert.Equal(t, "harvester", gotUser)
}

func TestAuthenticate_EmptyToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": ""}) //nolint:errcheck
	}))

	_, err := c.Authenticate(context.Background(), testIdentity())
	require.Error(t, err)
	assert.Equal(t, model.ErrKindDataQuality, resilience.Classify(err).Kind)
}

func TestSearchPage(t *testing.T) {
	ident := testIdentity()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/login" {
			json.NewEncoder(w).Encode(map[string]string{"token": "tok"}) //nolint:errcheck
			return
		}
		require.Equal(t, "/api/v1/search", r.URL.Path)
		assert.Equal(t, "41.200", r.URL.Query().Get("industry"))
		assert.Equal(t, "46", r.URL.Query().Get("region"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "harvest-cli/1.0", r.Header.Get("User-Agent"))
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"companies": []map[string]string{
				{"name": "Nordfjord Bygg AS", "city": "Måløy"},
				{"name": "Fjordane Entreprenør AS", "city": "Sandane", "region": "46"},
			},
			"has_more":  true,
			"next_page": 3,
		})
	}))

	_, err := c.Authenticate(context.Background(), ident)
	require.NoError(t, err)

	result, err := c.SearchPage(context.Background(), ident, model.SegmentPage{
		IndustryCode: "41.200", Region: "46", Page: 2,
	})
	require.NoError(t, err)
	require.Len(t, result.Companies, 2)
	// Segment axes backfill rows the registry leaves sparse.
	assert.Equal(t, "46", result.Companies[0].Region)
	assert.Equal(t, "41.200", result.Companies[0].IndustryCode)
	assert.True(t, result.HasMore)
	assert.Equal(t, 3, result.NextPage)
}

func TestSearchPage_MissingName(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"companies": []map[string]string{{"city": "Oslo"}},
		})
	}))

	_, err := c.SearchPage(context.Background(), testIdentity(), model.SegmentPage{
		IndustryCode: "41.200", Region: "03", Page: 1,
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindDataQuality, resilience.Classify(err).Kind)
}

func TestLookup_PicksBestCandidate(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/lookup", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"candidates": []map[string]string{
				{"org_number": "911111111", "name": "Nordfjord Eiendom AS", "city": "Måløy"},
				{"org_number": "922222222", "name": "Nordfjord Bygg AS", "city": "Måløy"},
			},
		})
	}))

	result, err := c.Lookup(context.Background(), testIdentity(), model.ResolveTask{
		Name: "Nordfjord Bygg AS", City: "Måløy", Region: "46",
	})
	require.NoError(t, err)
	assert.Equal(t, "922222222", result.OrgNumber)
	assert.Equal(t, 2, result.Candidates)
	assert.Greater(t, result.MatchScore, 0.9)
}

func TestLookup_NoCandidates(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}}) //nolint:errcheck
	}))

	_, err := c.Lookup(context.Background(), testIdentity(), model.ResolveTask{Name: "Ghost AS", Region: "03"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMatch))
}

func TestLookup_AllBelowThreshold(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"candidates": []map[string]string{
				{"org_number": "933333333", "name": "Helt Annet Selskap AS"},
			},
		})
	}))

	_, err := c.Lookup(context.Background(), testIdentity(), model.ResolveTask{
		Name: "Nordfjord Bygg AS", Region: "46",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMatch))
}

func TestFilings(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/companies/912345678/filings", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"filings": []map[string]any{
				{"filing_id": "f-2023", "fiscal_year": 2023},
				{"filing_id": "f-2024", "fiscal_year": 2024},
			},
		})
	}))

	refs, err := c.Filings(context.Background(), testIdentity(), "912345678")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "912345678", refs[0].OrgNumber)
	assert.Equal(t, "f-2023", refs[0].FilingID)
	assert.Equal(t, 2024, refs[1].FiscalYear)
}

func TestFilings_MissingID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"filings": []map[string]any{{"fiscal_year": 2023}},
		})
	}))

	_, err := c.Filings(context.Background(), testIdentity(), "912345678")
	require.Error(t, err)
	assert.Equal(t, model.ErrKindDataQuality, resilience.Classify(err).Kind)
}

func TestFilingDetail(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/filings/f-2023", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"fiscal_year": 2023, "currency": "NOK", "revenue": 45200,
			"operating_profit": 3100, "profit_before_tax": 2900,
			"equity": 8700, "employees": 12,
		})
	}))

	rec, err := c.FilingDetail(context.Background(), testIdentity(), FilingRef{
		OrgNumber: "912345678", FilingID: "f-2023", FiscalYear: 2023,
	})
	require.NoError(t, err)
	assert.Equal(t, "912345678", rec.OrgNumber)
	assert.Equal(t, 2023, rec.FiscalYear)
	assert.Equal(t, int64(45200), rec.Revenue)
	assert.Equal(t, 12, rec.Employees)
	assert.False(t, rec.FetchedAt.IsZero())
}

func TestDo_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		code int
		want model.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, model.ErrKindRateLimited},
		{"auth expired", http.StatusUnauthorized, model.ErrKindAuthExpired},
		{"forbidden", http.StatusForbidden, model.ErrKindAuthExpired},
		{"server error", http.StatusBadGateway, model.ErrKindNetwork},
		{"bad request", http.StatusBadRequest, model.ErrKindDataQuality},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))

			_, err := c.SearchPage(context.Background(), testIdentity(), model.SegmentPage{
				IndustryCode: "41.200", Region: "03", Page: 1,
			})
			require.Error(t, err)
			assert.Equal(t, tt.want, resilience.Classify(err).Kind)
		})
	}
}

func TestDo_ThrottleInterstitial(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>Rate limit exceeded. Please slow down.</body></html>`)) //nolint:errcheck
	}))

	_, err := c.SearchPage(context.Background(), testIdentity(), model.SegmentPage{
		IndustryCode: "41.200", Region: "03", Page: 1,
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindRateLimited, resilience.Classify(err).Kind)
}

func TestDo_LoginRedirect(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><form action="/login" method="post">Please log in</form></html>`)) //nolint:errcheck
	}))

	_, err := c.SearchPage(context.Background(), testIdentity(), model.SegmentPage{
		IndustryCode: "41.200", Region: "03", Page: 1,
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindAuthExpired, resilience.Classify(err).Kind)
}

func TestDo_MalformedJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"companies": [`)) //nolint:errcheck
	}))

	_, err := c.SearchPage(context.Background(), testIdentity(), model.SegmentPage{
		IndustryCode: "41.200", Region: "03", Page: 1,
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindDataQuality, resilience.Classify(err).Kind)
}

func TestMatchScore(t *testing.T) {
	assert.InDelta(t, 1.0, matchScore("nordfjord bygg", "nordfjord bygg"), 1e-9)
	assert.InDelta(t, 1.0/3.0, matchScore("nordfjord bygg", "nordfjord eiendom"), 1e-9)
	assert.Zero(t, matchScore("nordfjord bygg", ""))
}

func TestNewHTTPClient_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(config.RegistryConfig{})
	require.Error(t, err)
}
