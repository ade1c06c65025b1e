package parser

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xhad/docflow/internal/types"
)

type HTML struct{}

const blockSelector = "h1, h2, h3, h4, h5, h6, p, li, td, th, pre, blockquote"

func (HTML) Parse(_ context.Context, data []byte, _, _ string) (*types.ParsedDocument, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %v", err)
	}
	doc.Find("script, style, noscript, nav, footer").Remove()

	parsed := &types.ParsedDocument{
		Title: cleanContent(doc.Find("title").First().Text()),
	}

	root := doc.Find("main").First()
	if root.Length() == 0 {
		root = doc.Find("article").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body")
	}

	root.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// Containers holding other blocks are represented by their children.
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		text := cleanContent(s.Text())
		if text == "" {
			return
		}

		name := goquery.NodeName(s)
		if len(name) == 2 && name[0] == 'h' && name[1] >= '1' && name[1] <= '6' {
			parsed.Blocks = append(parsed.Blocks, types.Block{
				Kind:  types.BlockHeading,
				Level: int(name[1] - '0'),
				Text:  text,
			})
			return
		}
		parsed.Blocks = append(parsed.Blocks, types.Block{Kind: types.BlockParagraph, Text: text})
	})

	if parsed.Title == "" {
		parsed.Title = cleanContent(root.Find("h1").First().Text())
	}
	return parsed, nil
}

func cleanContent(content string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(content), " "))
}
