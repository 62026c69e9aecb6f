package pdf

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ChromeRenderer prints HTML to PDF with a headless Chrome.
type ChromeRenderer struct {
	OutputDir string
	// ExecPath overrides Chrome discovery when non-empty.
	ExecPath string
	Timeout  time.Duration
}

// NewChromeRenderer returns a renderer writing into outputDir.
func NewChromeRenderer(outputDir, execPath string, timeout time.Duration) *ChromeRenderer {
	return &ChromeRenderer{OutputDir: outputDir, ExecPath: execPath, Timeout: timeout}
}

// Render starts a fresh browser per document, loads the HTML into a blank
// page and prints it on US Letter with backgrounds.
func (r *ChromeRenderer) Render(ctx context.Context, doc Document) (*Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	if r.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(r.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var buf []byte
	err := chromedp.Run(browserCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, doc.HTML).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.5).
				WithPaperHeight(11).
				Do(ctx)
			if err != nil {
				return err
			}
			buf = data
			return nil
		}),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "pdf: print %s", doc.Name)
	}

	res, err := writeFile(r.OutputDir, doc.Name, ".pdf", buf)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("pdf: rendered",
		zap.String("name", doc.Name),
		zap.Int64("size_bytes", res.SizeBytes),
	)
	return res, nil
}
