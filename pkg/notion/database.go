package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// QueryAll walks a database query through Notion's cursor pagination
// and returns every matching page. A nil request queries unfiltered.
func QueryAll(ctx context.Context, c Client, dbID string, req *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	base := notionapi.DatabaseQueryRequest{}
	if req != nil {
		base = *req
	}

	var pages []notionapi.Page
	cursor := notionapi.Cursor("")
	for {
		q := base
		q.StartCursor = cursor
		resp, err := c.QueryDatabase(ctx, dbID, &q)
		if err != nil {
			return nil, eris.Wrapf(err, "notion: paginate database %s", dbID)
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore {
			return pages, nil
		}
		cursor = resp.NextCursor
	}
}
