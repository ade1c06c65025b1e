package parser

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tmc/langchaingo/documentloaders"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/types"
)

// PDF reads the text layer page by page. Scanned sheets without one
// produce no blocks.
type PDF struct{}

func (PDF) Parse(ctx context.Context, data []byte, _, filename string) (doc *types.ParsedDocument, err error) {
	// The pdf reader panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, errs.Parse("parser.PDF", fmt.Errorf("failed to read %s: %v", filename, r))
		}
	}()

	pages, err := documentloaders.NewPDF(bytes.NewReader(data), int64(len(data))).Load(ctx)
	if err != nil {
		return nil, errs.Parse("parser.PDF", fmt.Errorf("failed to read %s: %v", filename, err))
	}

	doc = &types.ParsedDocument{}
	for _, page := range pages {
		text, err := PlainText{}.Parse(ctx, []byte(page.PageContent), "text/plain", filename)
		if err != nil {
			return nil, errs.Parse("parser.PDF", err)
		}
		doc.Blocks = append(doc.Blocks, text.Blocks...)
	}
	return doc, nil
}
