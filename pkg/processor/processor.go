package processor

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xhad/docflow/internal/types"
)

type ProcessorConfig struct {
	// TargetTokens caps the estimated size of every passage.
	TargetTokens int
	// OverlapSentences repeats the tail of a passage at the start of the next.
	OverlapSentences int
}

type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.TargetTokens == 0 {
		config.TargetTokens = 400
	}
	if config.OverlapSentences < 0 {
		config.OverlapSentences = 0
	}

	return Processor{
		config: config,
	}
}

// Chunk is one node of the section tree. Parent indexes into the slice
// returned by Process and is -1 for the root.
type Chunk struct {
	Parent       int
	Level        int
	Path         string
	SectionTitle string
	ClauseNumber string
	Content      string
	TokenCount   int
}

var clausePattern = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+(\S.*)$`)

// Plain-text paragraphs only count as clause headings when short and
// unterminated, so numbered list items stay body text.
const maxClauseHeadingRunes = 80

type section struct {
	headingLevel int
	title        string
	clause       string
	body         []string
	children     []*section
}

// Process decomposes a parsed document into a pre-order list of chunks.
// Identical input always yields identical output. A document without any
// text yields nil.
func (p *Processor) Process(doc *types.ParsedDocument) []Chunk {
	if doc == nil {
		return nil
	}

	root := &section{title: cleanText(doc.Title)}
	stack := []*section{root}
	hasText := false

	for _, block := range doc.Blocks {
		text := cleanText(block.Text)
		if text == "" {
			continue
		}
		hasText = true

		level, title, clause, isHeading := classify(block, text)
		if !isHeading {
			top := stack[len(stack)-1]
			top.body = append(top.body, text)
			continue
		}

		for len(stack) > 1 && stack[len(stack)-1].headingLevel >= level {
			stack = stack[:len(stack)-1]
		}
		s := &section{headingLevel: level, title: title, clause: clause}
		parent := stack[len(stack)-1]
		parent.children = append(parent.children, s)
		stack = append(stack, s)
	}

	if !hasText {
		return nil
	}

	var chunks []Chunk
	p.emit(root, -1, 0, "1", &chunks)
	return chunks
}

func classify(block types.Block, text string) (level int, title, clause string, heading bool) {
	m := clausePattern.FindStringSubmatch(text)

	if block.Kind == types.BlockHeading {
		level = max(block.Level, 1)
		if m != nil {
			return level, m[2], m[1], true
		}
		return level, text, "", true
	}

	if m == nil || utf8.RuneCountInString(text) > maxClauseHeadingRunes || strings.HasSuffix(text, ".") {
		return 0, "", "", false
	}
	if !clauseNumber(m[1], m[2]) {
		return 0, "", "", false
	}
	return strings.Count(m[1], ".") + 1, m[2], m[1], true
}

// clauseNumber rejects bare numbers that open ordinary sentences, such as
// years or quantities. Undotted clauses have at most three digits and a
// capitalised title.
func clauseNumber(number, title string) bool {
	if strings.Contains(number, ".") {
		return true
	}
	first, _ := utf8.DecodeRuneInString(title)
	return len(number) <= 3 && unicode.IsUpper(first)
}

func (p *Processor) emit(s *section, parent, level int, path string, out *[]Chunk) {
	heading := s.title
	if s.clause != "" {
		heading = s.clause + " " + s.title
	}
	body := strings.Join(s.body, "\n\n")

	idx := len(*out)
	node := Chunk{
		Parent:       parent,
		Level:        level,
		Path:         path,
		SectionTitle: s.title,
		ClauseNumber: s.clause,
	}

	var passages []string
	whole := joinNonEmpty(heading, body)
	if EstimateTokens(whole) <= p.config.TargetTokens {
		node.Content = whole
	} else {
		node.Content = heading
		passages = p.passages(s.body)
	}
	if node.Content == "" {
		node.Content = outline(s, passages)
	}
	node.TokenCount = EstimateTokens(node.Content)
	*out = append(*out, node)

	child := 0
	for _, text := range passages {
		child++
		*out = append(*out, Chunk{
			Parent:       idx,
			Level:        level + 1,
			Path:         childPath(path, child),
			SectionTitle: s.title,
			ClauseNumber: s.clause,
			Content:      text,
			TokenCount:   EstimateTokens(text),
		})
	}
	for _, sub := range s.children {
		child++
		p.emit(sub, idx, level+1, childPath(path, child), out)
	}
}

// passages packs the body's sentences greedily into runs of at most
// TargetTokens, never splitting inside a sentence unless the sentence
// alone is over budget.
func (p *Processor) passages(paragraphs []string) []string {
	var sentences []string
	for _, para := range paragraphs {
		for _, sentence := range splitIntoSentences(para) {
			sentences = append(sentences, p.fitSentence(sentence)...)
		}
	}

	var passages []string
	var current []string
	size := 0 // runes in the joined passage
	for _, sentence := range sentences {
		n := utf8.RuneCountInString(sentence)
		if len(current) > 0 && tokensFor(size+1+n) > p.config.TargetTokens {
			passages = append(passages, strings.Join(current, " "))

			// Start the next passage with the overlap, when it leaves room.
			current, size = p.overlap(current, n)
		}
		if len(current) > 0 {
			size++
		}
		current = append(current, sentence)
		size += n
	}
	if len(current) > 0 {
		passages = append(passages, strings.Join(current, " "))
	}
	return passages
}

func (p *Processor) overlap(prev []string, next int) ([]string, int) {
	k := min(p.config.OverlapSentences, len(prev))
	for ; k > 0; k-- {
		tail := prev[len(prev)-k:]
		size := k - 1
		for _, s := range tail {
			size += utf8.RuneCountInString(s)
		}
		if tokensFor(size+1+next) <= p.config.TargetTokens {
			return append([]string(nil), tail...), size
		}
	}
	return nil, 0
}

// fitSentence splits an over-budget sentence at word boundaries.
func (p *Processor) fitSentence(sentence string) []string {
	if EstimateTokens(sentence) <= p.config.TargetTokens {
		return []string{sentence}
	}
	var parts []string
	var current strings.Builder
	for _, word := range strings.Fields(sentence) {
		if current.Len() > 0 && EstimateTokens(current.String()+" "+word) > p.config.TargetTokens {
			parts = append(parts, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func splitIntoSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)

	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			end := i + 1
			if end < len(runes) && runes[end] != ' ' && runes[end] != '\n' {
				continue
			}
			if s := strings.TrimSpace(string(runes[start:end])); s != "" {
				sentences = append(sentences, s)
			}
			start = end
		}
	}

	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// EstimateTokens approximates subword tokens at four runes per token.
func EstimateTokens(text string) int {
	return tokensFor(utf8.RuneCountInString(text))
}

func tokensFor(runes int) int {
	return (runes + 3) / 4
}

func cleanText(text string) string {
	text = sanitizeUTF8(text)
	text = strings.ReplaceAll(text, "\x00", "")

	// Replace runs of whitespace with a single space
	return strings.Join(strings.Fields(text), " ")
}

func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}

func outline(s *section, passages []string) string {
	var titles []string
	for _, c := range s.children {
		if c.clause != "" {
			titles = append(titles, c.clause+" "+c.title)
		} else {
			titles = append(titles, c.title)
		}
	}
	if len(titles) > 0 {
		return strings.Join(titles, "\n")
	}
	if len(passages) > 0 {
		return splitIntoSentences(passages[0])[0]
	}
	return ""
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n\n" + b
}

func childPath(parent string, index int) string {
	return parent + "." + strconv.Itoa(index)
}
