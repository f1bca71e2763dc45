// Package registry talks to the public business registry: segment search
// pages, organization-number lookup, and published financial statements.
// All requests ride on a borrowed network identity; the client never
// rotates identities itself.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/config"
	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/resilience"
)

// ErrNoMatch is returned by Lookup when the registry holds no plausible
// candidate. The caller records the unit as skipped, not failed.
var ErrNoMatch = eris.New("registry: no match")

// Client is the registry operation surface the stage workers call.
type Client interface {
	// Authenticate establishes a session through the identity's proxy and
	// returns the session token.
	Authenticate(ctx context.Context, ident model.NetworkIdentity) (string, error)
	// SearchPage fetches one page of one industry x region segment.
	SearchPage(ctx context.Context, ident model.NetworkIdentity, page model.SegmentPage) (*model.SegmentResult, error)
	// Lookup resolves a company name within a region to an org number.
	Lookup(ctx context.Context, ident model.NetworkIdentity, task model.ResolveTask) (*model.ResolveResult, error)
	// Filings lists the published filings for an org number.
	Filings(ctx context.Context, ident model.NetworkIdentity, orgNumber string) ([]FilingRef, error)
	// FilingDetail fetches one filing's financial statement.
	FilingDetail(ctx context.Context, ident model.NetworkIdentity, ref FilingRef) (*model.FinancialRecord, error)
}

// FilingRef points at one published filing discovered via Filings.
type FilingRef struct {
	OrgNumber  string `json:"org_number"`
	FilingID   string `json:"filing_id"`
	FiscalYear int    `json:"fiscal_year"`
}

// HTTPClient implements Client over the registry's JSON API.
type HTTPClient struct {
	baseURL  string
	username string
	password string
	timeout  time.Duration

	mu      sync.Mutex
	clients map[string]*http.Client // one per identity, keyed by identity ID
	tokens  map[string]string
}

// NewHTTPClient builds a client from configuration.
func NewHTTPClient(cfg config.RegistryConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, eris.New("registry: base_url not configured")
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		timeout:  cfg.Timeout(),
		clients:  make(map[string]*http.Client),
		tokens:   make(map[string]string),
	}, nil
}

// httpClientFor returns the per-identity HTTP client, routing through the
// identity's proxy with its own cookie jar.
func (c *HTTPClient) httpClientFor(ident model.NetworkIdentity) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.clients[ident.ID]; ok {
		return hc, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if ident.ProxyURL != "" {
		proxyURL, err := url.Parse(ident.ProxyURL)
		if err != nil {
			return nil, eris.Wrapf(err, "registry: parse proxy url for %s", ident.Label)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, eris.Wrap(err, "registry: cookie jar")
	}

	hc := &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   c.timeout,
	}
	c.clients[ident.ID] = hc
	return hc, nil
}

type authResponse struct {
	Token string `json:"token"`
}

func (c *HTTPClient) Authenticate(ctx context.Context, ident model.NetworkIdentity) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return "", eris.Wrap(err, "registry: marshal credentials")
	}

	var resp authResponse
	if err := c.do(ctx, ident, http.MethodPost, "/api/v1/auth/login", nil, bytes.NewReader(body), &resp); err != nil {
		return "", eris.Wrap(err, "registry: authenticate")
	}
	if resp.Token == "" {
		return "", resilience.NewBadPayload(eris.New("registry: login returned empty token"))
	}

	c.mu.Lock()
	c.tokens[ident.ID] = resp.Token
	c.mu.Unlock()

	zap.L().Debug("registry session established", zap.String("identity", ident.Label))
	return resp.Token, nil
}

type searchResponse struct {
	Companies []struct {
		Name         string `json:"name"`
		City         string `json:"city"`
		Region       string `json:"region"`
		IndustryCode string `json:"industry_code"`
	} `json:"companies"`
	HasMore  bool `json:"has_more"`
	NextPage int  `json:"next_page"`
}

func (c *HTTPClient) SearchPage(ctx context.Context, ident model.NetworkIdentity, page model.SegmentPage) (*model.SegmentResult, error) {
	q := url.Values{
		"industry": {page.IndustryCode},
		"region":   {page.Region},
		"page":     {strconv.Itoa(page.Page)},
	}

	var resp searchResponse
	if err := c.do(ctx, ident, http.MethodGet, "/api/v1/search", q, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "registry: search %s", model.PageKey(page.IndustryCode, page.Region, page.Page))
	}

	result := &model.SegmentResult{HasMore: resp.HasMore, NextPage: resp.NextPage}
	for _, co := range resp.Companies {
		if co.Name == "" {
			return nil, resilience.NewBadPayload(eris.New("registry: search row missing name"))
		}
		region := co.Region
		if region == "" {
			region = page.Region
		}
		industry := co.IndustryCode
		if industry == "" {
			industry = page.IndustryCode
		}
		result.Companies = append(result.Companies, model.CompanyRef{
			Name:         co.Name,
			City:         co.City,
			Region:       region,
			IndustryCode: industry,
		})
	}
	return result, nil
}

type lookupResponse struct {
	Candidates []struct {
		OrgNumber string `json:"org_number"`
		Name      string `json:"name"`
		City      string `json:"city"`
	} `json:"candidates"`
}

func (c *HTTPClient) Lookup(ctx context.Context, ident model.NetworkIdentity, task model.ResolveTask) (*model.ResolveResult, error) {
	q := url.Values{
		"name":   {task.Name},
		"region": {task.Region},
	}
	if task.City != "" {
		q.Set("city", task.City)
	}

	var resp lookupResponse
	if err := c.do(ctx, ident, http.MethodGet, "/api/v1/lookup", q, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "registry: lookup %q", task.Name)
	}
	if len(resp.Candidates) == 0 {
		return nil, eris.Wrapf(ErrNoMatch, "registry: lookup %q", task.Name)
	}

	wantKey := model.NameKey(task.Name)
	best := -1
	bestScore := 0.0
	for i, cand := range resp.Candidates {
		if cand.OrgNumber == "" {
			continue
		}
		score := matchScore(wantKey, model.NameKey(cand.Name))
		if task.City != "" && strings.EqualFold(task.City, cand.City) {
			score = score*0.9 + 0.1
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 || bestScore < 0.5 {
		return nil, eris.Wrapf(ErrNoMatch, "registry: lookup %q: %d candidates below threshold",
			task.Name, len(resp.Candidates))
	}

	return &model.ResolveResult{
		OrgNumber:  resp.Candidates[best].OrgNumber,
		MatchScore: bestScore,
		Candidates: len(resp.Candidates),
	}, nil
}

type filingsResponse struct {
	Filings []struct {
		FilingID   string `json:"filing_id"`
		FiscalYear int    `json:"fiscal_year"`
	} `json:"filings"`
}

func (c *HTTPClient) Filings(ctx context.Context, ident model.NetworkIdentity, orgNumber string) ([]FilingRef, error) {
	path := fmt.Sprintf("/api/v1/companies/%s/filings", url.PathEscape(orgNumber))
	var resp filingsResponse
	if err := c.do(ctx, ident, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "registry: filings %s", orgNumber)
	}

	refs := make([]FilingRef, 0, len(resp.Filings))
	for _, f := range resp.Filings {
		if f.FilingID == "" || f.FiscalYear == 0 {
			return nil, resilience.NewBadPayload(eris.New("registry: filing row missing id or year"))
		}
		refs = append(refs, FilingRef{
			OrgNumber:  orgNumber,
			FilingID:   f.FilingID,
			FiscalYear: f.FiscalYear,
		})
	}
	return refs, nil
}

type filingDetailResponse struct {
	FiscalYear      int    `json:"fiscal_year"`
	Currency        string `json:"currency"`
	Revenue         int64  `json:"revenue"`
	OperatingProfit int64  `json:"operating_profit"`
	ProfitBeforeTax int64  `json:"profit_before_tax"`
	Equity          int64  `json:"equity"`
	Employees       int    `json:"employees"`
}

func (c *HTTPClient) FilingDetail(ctx context.Context, ident model.NetworkIdentity, ref FilingRef) (*model.FinancialRecord, error) {
	path := fmt.Sprintf("/api/v1/filings/%s", url.PathEscape(ref.FilingID))
	var resp filingDetailResponse
	if err := c.do(ctx, ident, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "registry: filing %s", ref.FilingID)
	}
	if resp.FiscalYear == 0 {
		return nil, resilience.NewBadPayload(eris.New("registry: filing detail missing fiscal year"))
	}

	return &model.FinancialRecord{
		OrgNumber:       ref.OrgNumber,
		FiscalYear:      resp.FiscalYear,
		Currency:        resp.Currency,
		Revenue:         resp.Revenue,
		OperatingProfit: resp.OperatingProfit,
		ProfitBeforeTax: resp.ProfitBeforeTax,
		Equity:          resp.Equity,
		Employees:       resp.Employees,
		FetchedAt:       time.Now().UTC(),
	}, nil
}

// do executes one request and decodes the JSON body into out. Non-2xx
// statuses and soft failure pages map onto the error taxonomy via the
// typed resilience errors.
func (c *HTTPClient) do(ctx context.Context, ident model.NetworkIdentity, method, path string, query url.Values, body io.Reader, out any) error {
	hc, err := c.httpClientFor(ident)
	if err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return eris.Wrap(err, "registry: build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ident.UserAgent != "" {
		req.Header.Set("User-Agent", ident.UserAgent)
	}
	c.mu.Lock()
	token := c.tokens[ident.ID]
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return eris.Wrap(err, "registry: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return eris.Wrap(err, "registry: read body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &resilience.StatusError{Op: "registry " + path, Code: resp.StatusCode}
	}

	// Soft failures arrive as 200s: a throttle interstitial or a login
	// page instead of the payload.
	if looksLikeThrottlePage(raw) {
		return resilience.NewRateLimited(eris.New("registry: throttle interstitial"))
	}
	if looksLikeLoginPage(raw) {
		return resilience.NewAuthExpired(eris.New("registry: session redirected to login"))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resilience.NewBadPayload(eris.Wrap(err, "registry: decode response"))
		}
	}
	return nil
}

func looksLikeThrottlePage(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 2048)]))
	return strings.Contains(head, "too many requests") ||
		strings.Contains(head, "rate limit exceeded")
}

func looksLikeLoginPage(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 2048)]))
	return strings.Contains(head, "<form") && strings.Contains(head, "login")
}

// matchScore compares two normalized name keys: exact match scores 1,
// otherwise the token Jaccard overlap.
func matchScore(a, b string) float64 {
	if a == b {
		return 1.0
	}
	aTokens := strings.Fields(a)
	bTokens := strings.Fields(b)
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}

	set := make(map[string]bool, len(aTokens))
	for _, tok := range aTokens {
		set[tok] = true
	}
	shared := 0
	union := len(set)
	for _, tok := range bTokens {
		if set[tok] {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}
