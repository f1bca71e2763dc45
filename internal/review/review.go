// Package review pushes failed work units into a Notion database so an
// analyst can triage them: data-quality rejects and units that exhausted
// their retries. Pages are keyed by unit natural key, so a re-push
// updates the existing page instead of duplicating it.
package review

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/config"
	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/store"
	"github.com/sells-group/harvest-cli/pkg/notion"
)

// pushPageSize bounds one store scan of failed units.
const pushPageSize = 200

// Report tallies one Push call.
type Report struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Pusher syncs a job's failed units into the review database.
type Pusher struct {
	store  store.Store
	client notion.Client
	dbID   string
}

// New builds a Pusher for the configured review database.
func New(st store.Store, client notion.Client, cfg config.NotionConfig) *Pusher {
	return &Pusher{store: st, client: client, dbID: cfg.ReviewDB}
}

// Push mirrors every failed unit of the job into the review database.
func (p *Pusher) Push(ctx context.Context, jobID string) (*Report, error) {
	if p.dbID == "" {
		return nil, eris.New("review: no review database configured")
	}

	existing, err := p.existingPages(ctx, jobID)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for offset := 0; ; offset += pushPageSize {
		units, err := p.store.ListUnits(ctx, store.UnitFilter{
			JobID:  jobID,
			Status: model.UnitFailed,
			Limit:  pushPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, eris.Wrap(err, "review: list failed units")
		}
		if len(units) == 0 {
			break
		}
		for _, unit := range units {
			if err := p.pushUnit(ctx, jobID, unit, existing, report); err != nil {
				return report, err
			}
		}
		if len(units) < pushPageSize {
			break
		}
	}

	zap.L().Info("review queue pushed",
		zap.String("job", jobID),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated))
	return report, nil
}

func (p *Pusher) pushUnit(ctx context.Context, jobID string, unit model.WorkUnit, existing map[string]string, report *Report) error {
	props := unitProperties(jobID, unit)
	if pageID, ok := existing[unit.NaturalKey]; ok {
		_, err := p.client.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{Properties: props})
		if err != nil {
			return eris.Wrapf(err, "review: update page for %s", unit.NaturalKey)
		}
		report.Updated++
		return nil
	}

	_, err := p.client.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(p.dbID),
		},
		Properties: props,
	})
	if err != nil {
		return eris.Wrapf(err, "review: create page for %s", unit.NaturalKey)
	}
	report.Created++
	return nil
}

// existingPages maps unit key to page ID for every review page already
// pushed for this job, so a re-push updates in place with one query per
// push instead of one per unit.
func (p *Pusher) existingPages(ctx context.Context, jobID string) (map[string]string, error) {
	pages, err := notion.QueryAll(ctx, p.client, p.dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Job",
			RichText: &notionapi.TextFilterCondition{Equals: jobID},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "review: list pages for job %s", jobID)
	}

	existing := make(map[string]string, len(pages))
	for _, page := range pages {
		if key := titleText(page.Properties["Unit Key"]); key != "" {
			existing[key] = string(page.ID)
		}
	}
	return existing, nil
}

// titleText unwraps a title property's first text run. The API decoder
// hands back pointer properties; locally built pages may carry values.
func titleText(prop notionapi.Property) string {
	switch title := prop.(type) {
	case *notionapi.TitleProperty:
		if title != nil && len(title.Title) > 0 && title.Title[0].Text != nil {
			return title.Title[0].Text.Content
		}
	case notionapi.TitleProperty:
		if len(title.Title) > 0 && title.Title[0].Text != nil {
			return title.Title[0].Text.Content
		}
	}
	return ""
}

func unitProperties(jobID string, unit model.WorkUnit) notionapi.Properties {
	message := unit.LastError
	if len(message) > 2000 {
		message = message[:2000]
	}
	return notionapi.Properties{
		"Unit Key": notionapi.TitleProperty{
			Type: notionapi.PropertyTypeTitle,
			Title: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: unit.NaturalKey}},
			},
		},
		"Stage": notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: string(unit.Stage)},
		},
		"Kind": notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: string(unit.LastErrorKind)},
		},
		"Message": notionapi.RichTextProperty{
			Type: notionapi.PropertyTypeRichText,
			RichText: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: message}},
			},
		},
		"Attempts": notionapi.NumberProperty{
			Type:   notionapi.PropertyTypeNumber,
			Number: float64(unit.AttemptCount),
		},
		"Job": notionapi.RichTextProperty{
			Type: notionapi.PropertyTypeRichText,
			RichText: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: jobID}},
			},
		},
	}
}
