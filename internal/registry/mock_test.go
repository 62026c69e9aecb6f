package registry

import (
	"context"
	"errors"

	"github.com/jomei/notionapi"
)

// promptDB serves a fixed set of prompt pages and records the filters it
// was queried with. Registry loading never writes pages.
type promptDB struct {
	pages   []notionapi.Page
	err     error
	queries []*notionapi.DatabaseQueryRequest
}

func (db *promptDB) QueryDatabase(_ context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	db.queries = append(db.queries, req)
	if db.err != nil {
		return nil, db.err
	}
	if dbID != "prompt-db" {
		return nil, errors.New("no such database " + dbID)
	}
	return &notionapi.DatabaseQueryResponse{Results: db.pages}, nil
}

func (*promptDB) CreatePage(context.Context, *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	return nil, errors.New("promptDB is read-only")
}

func (*promptDB) UpdatePage(context.Context, string, *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	return nil, errors.New("promptDB is read-only")
}
