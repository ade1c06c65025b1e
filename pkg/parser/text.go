package parser

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xhad/docflow/internal/types"
)

// PlainText treats blank-line separated runs as paragraphs. Clause
// headings are recognised later by the chunker.
type PlainText struct{}

func (PlainText) Parse(_ context.Context, data []byte, _, _ string) (*types.ParsedDocument, error) {
	doc := &types.ParsedDocument{}
	var para []string

	flush := func() {
		if len(para) > 0 {
			doc.Blocks = append(doc.Blocks, types.Block{Kind: types.BlockParagraph, Text: strings.Join(para, " ")})
			para = nil
		}
	}

	scanner := newLineScanner(data)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		// A numbered line starts a new block. Unterminated ones are
		// headings and stand alone.
		if clauseLine(line) {
			flush()
			if !strings.HasSuffix(line, ".") {
				para = append(para, line)
				flush()
				continue
			}
		}
		para = append(para, line)
	}
	flush()
	return doc, scanner.Err()
}

// Markdown understands ATX headings, list items and fenced code.
type Markdown struct{}

func (Markdown) Parse(_ context.Context, data []byte, _, _ string) (*types.ParsedDocument, error) {
	doc := &types.ParsedDocument{}
	var para []string
	inFence := false

	flush := func() {
		if len(para) > 0 {
			doc.Blocks = append(doc.Blocks, types.Block{Kind: types.BlockParagraph, Text: strings.Join(para, " ")})
			para = nil
		}
	}

	scanner := newLineScanner(data)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~") {
			flush()
			inFence = !inFence
			continue
		}
		if inFence {
			para = append(para, line)
			continue
		}

		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "#"):
			flush()
			level := len(line) - len(strings.TrimLeft(line, "#"))
			text := strings.TrimSpace(strings.Trim(line, "#"))
			if level > 6 || text == "" || line[level] != ' ' {
				para = append(para, line)
				continue
			}
			if doc.Title == "" && level == 1 {
				doc.Title = text
			}
			doc.Blocks = append(doc.Blocks, types.Block{Kind: types.BlockHeading, Level: level, Text: text})
		case isListItem(line):
			flush()
			para = append(para, strings.TrimSpace(line[2:]))
		default:
			para = append(para, line)
		}
	}
	flush()
	return doc, scanner.Err()
}

func isListItem(line string) bool {
	return strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") || strings.HasPrefix(line, "+ ")
}

// clauseLine matches "3.1 Concrete" and "3 Materials" but not "2024 works"
// or "10 mm gap": a bare number needs at most three digits and a
// capitalised title.
func clauseLine(line string) bool {
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i <= 0 {
		return false
	}
	number := strings.TrimSuffix(line[:i], ".")
	if number == "" {
		return false
	}
	for _, part := range strings.Split(number, ".") {
		if part == "" || strings.TrimLeft(part, "0123456789") != "" {
			return false
		}
	}
	if strings.Contains(number, ".") {
		return true
	}
	title, _ := utf8.DecodeRuneInString(strings.TrimSpace(line[i:]))
	return len(number) <= 3 && unicode.IsUpper(title)
}

func newLineScanner(data []byte) *bufio.Scanner {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return scanner
}
