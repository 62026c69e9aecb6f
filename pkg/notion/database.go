package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// maxPageSize is the largest page size the query endpoint accepts.
const maxPageSize = 100

// statusProperty is the status column both application databases use.
const statusProperty = "Status"

// Database is one Notion database reached through a Client.
type Database struct {
	Client Client
	ID     string
}

// Each calls fn for every page matching filter, following the result
// cursor. A nil filter visits every page. An error from fn stops the walk
// and is returned as is.
func (d Database) Each(ctx context.Context, filter notionapi.Filter, fn func(notionapi.Page) error) error {
	req := &notionapi.DatabaseQueryRequest{Filter: filter, PageSize: maxPageSize}
	for batch := 1; ; batch++ {
		if err := ctx.Err(); err != nil {
			return eris.Wrapf(err, "notion: query %s", d.ID)
		}
		resp, err := d.Client.QueryDatabase(ctx, d.ID, req)
		if err != nil {
			return eris.Wrapf(err, "notion: query %s (batch %d)", d.ID, batch)
		}
		for _, p := range resp.Results {
			if err := fn(p); err != nil {
				return err
			}
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return nil
		}
		req.StartCursor = resp.NextCursor
	}
}

// WithStatus returns every page whose Status equals status.
func (d Database) WithStatus(ctx context.Context, status string) ([]notionapi.Page, error) {
	filter := notionapi.PropertyFilter{
		Property: statusProperty,
		Status:   &notionapi.StatusFilterCondition{Equals: status},
	}
	var pages []notionapi.Page
	err := d.Each(ctx, filter, func(p notionapi.Page) error {
		pages = append(pages, p)
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "notion: pages with status %s", status)
	}
	return pages, nil
}

// Create adds a page with props to the database and returns its id.
func (d Database) Create(ctx context.Context, props notionapi.Properties) (string, error) {
	page, err := d.Client.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent:     notionapi.Parent{Type: notionapi.ParentTypeDatabaseID, DatabaseID: notionapi.DatabaseID(d.ID)},
		Properties: props,
	})
	if err != nil {
		return "", eris.Wrapf(err, "notion: add page to %s", d.ID)
	}
	return string(page.ID), nil
}

// Update overwrites props on an existing page.
func (d Database) Update(ctx context.Context, pageID string, props notionapi.Properties) error {
	_, err := d.Client.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{Properties: props})
	return eris.Wrapf(err, "notion: update %s in %s", pageID, d.ID)
}
