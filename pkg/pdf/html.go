package pdf

import "context"

// HTMLRenderer writes the report HTML as-is. It is used where no browser is
// available, e.g. local runs and tests.
type HTMLRenderer struct {
	OutputDir string
}

// Render writes doc.HTML to <OutputDir>/<Name>.html.
func (r *HTMLRenderer) Render(ctx context.Context, doc Document) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return writeFile(r.OutputDir, doc.Name, ".html", []byte(doc.HTML))
}
