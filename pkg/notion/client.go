// Package notion is a thin, paced wrapper around the Notion API, used
// for the manual review database.
package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client is the Notion surface the review queue needs.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// Option configures the client.
type Option func(*api)

// WithPace overrides the request pacing. Zero or negative disables it.
func WithPace(rps float64) Option {
	return func(a *api) {
		if rps <= 0 {
			a.pace = nil
			return
		}
		a.pace = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
}

// api holds the SDK client behind the shared pace limiter. Notion
// allows an average of three requests per second per integration.
type api struct {
	notion *notionapi.Client
	pace   *rate.Limiter
}

// NewClient builds a paced client for the given integration token.
func NewClient(token string, opts ...Option) Client {
	a := &api{
		notion: notionapi.NewClient(notionapi.Token(token)),
		pace:   rate.NewLimiter(3, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *api) throttle(ctx context.Context) error {
	if a.pace == nil {
		return nil
	}
	if err := a.pace.Wait(ctx); err != nil {
		return eris.Wrap(err, "notion: pacing wait")
	}
	return nil
}

func (a *api) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if err := a.throttle(ctx); err != nil {
		return nil, err
	}
	resp, err := a.notion.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: query database %s", dbID)
	}
	return resp, nil
}

func (a *api) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	if err := a.throttle(ctx); err != nil {
		return nil, err
	}
	page, err := a.notion.Page.Create(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "notion: create page")
	}
	return page, nil
}

func (a *api) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	if err := a.throttle(ctx); err != nil {
		return nil, err
	}
	page, err := a.notion.Page.Update(ctx, notionapi.PageID(pageID), req)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: update page %s", pageID)
	}
	return page, nil
}
