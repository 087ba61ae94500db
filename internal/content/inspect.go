// Package content inspects canonical markdown before it is handed to the renderer.
package content

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var fontFamilyPattern = regexp.MustCompile(`font-family:\s*([^;">]+)`)

var cjkTables = []*unicode.RangeTable{
	unicode.Han,
	unicode.Hiragana,
	unicode.Katakana,
	unicode.Hangul,
	unicode.Bopomofo,
}

// IsCJK reports whether r belongs to a CJK script.
func IsCJK(r rune) bool {
	return unicode.In(r, cjkTables...)
}

// ContainsCJK reports whether s has at least one CJK code point.
func ContainsCJK(s string) bool {
	for _, r := range s {
		if IsCJK(r) {
			return true
		}
	}
	return false
}

// Heading is one heading of the document outline.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
	Line  int    `json:"line"`
}

// Issue is a structural problem found in the markdown.
type Issue struct {
	Line    int    `json:"line"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const (
	IssueHeadingJump  = "heading_jump"
	IssueEmptyHeading = "empty_heading"
)

// Stats are simple document counters.
type Stats struct {
	Lines      int `json:"lines"`
	Characters int `json:"characters"`
	Headings   int `json:"headings"`
	Paragraphs int `json:"paragraphs"`
	CodeBlocks int `json:"codeBlocks"`
	Images     int `json:"images"`
	Links      int `json:"links"`
}

// Report summarises a markdown document.
type Report struct {
	// HasCJK is true when visible text contains CJK code points.
	HasCJK   bool `json:"hasCjk"`
	CJKRunes int  `json:"cjkRunes"`
	// FontFamilies lists families requested through inline font-family spans, in order
	// of first appearance.
	FontFamilies []string  `json:"fontFamilies,omitempty"`
	Headings     []Heading `json:"headings,omitempty"`
	Issues       []Issue   `json:"issues,omitempty"`
	Suggestions  []string  `json:"suggestions,omitempty"`
	Stats        Stats     `json:"stats"`
}

// Valid reports whether no structural issue was found.
func (r Report) Valid() bool { return len(r.Issues) == 0 }

// Inspect parses markdown and reports its outline, script usage and structural issues.
func Inspect(markdown string) Report {
	src := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var rep Report
	seenFamilies := map[string]bool{}
	addFamilies := func(b []byte) {
		for _, m := range fontFamilyPattern.FindAllSubmatch(b, -1) {
			for _, fam := range strings.Split(string(m[1]), ",") {
				fam = strings.Trim(strings.TrimSpace(fam), `'"`)
				if fam == "" || seenFamilies[strings.ToLower(fam)] {
					continue
				}
				seenFamilies[strings.ToLower(fam)] = true
				rep.FontFamilies = append(rep.FontFamilies, fam)
			}
		}
	}
	countCJK := func(b []byte) {
		for len(b) > 0 {
			r, size := utf8.DecodeRune(b)
			if IsCJK(r) {
				rep.CJKRunes++
			}
			b = b[size:]
		}
	}
	lastStop := 0

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if n.Type() == ast.TypeBlock && n.Lines().Len() > 0 {
			lastStop = n.Lines().At(n.Lines().Len() - 1).Stop
		}

		switch node := n.(type) {
		case *ast.Heading:
			h := Heading{Level: node.Level, Text: strings.TrimSpace(inlineText(node, src))}
			if node.Lines().Len() > 0 {
				h.Line = lineOf(src, node.Lines().At(0).Start)
			} else {
				h.Line = nextHeadingLine(src, lastStop)
			}
			rep.Headings = append(rep.Headings, h)
		case *ast.Paragraph:
			rep.Stats.Paragraphs++
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			rep.Stats.CodeBlocks++
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				countCJK(line.Value(src))
			}
		case *ast.HTMLBlock:
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				seg := line.Value(src)
				addFamilies(seg)
				countCJK(stripTags(seg))
			}
		case *ast.RawHTML:
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				addFamilies(seg.Value(src))
			}
		case *ast.Text:
			countCJK(node.Segment.Value(src))
		case *ast.String:
			countCJK(node.Value)
		case *ast.Image:
			rep.Stats.Images++
		case *ast.Link, *ast.AutoLink:
			rep.Stats.Links++
		}
		return ast.WalkContinue, nil
	})

	rep.HasCJK = rep.CJKRunes > 0
	rep.Stats.Lines = strings.Count(markdown, "\n") + 1
	rep.Stats.Characters = utf8.RuneCountInString(markdown)
	rep.Stats.Headings = len(rep.Headings)

	for i, h := range rep.Headings {
		if h.Text == "" {
			rep.Issues = append(rep.Issues, Issue{Line: h.Line, Kind: IssueEmptyHeading, Message: "heading has no text"})
		}
		if i > 0 && h.Level > rep.Headings[i-1].Level+1 {
			rep.Issues = append(rep.Issues, Issue{
				Line:    h.Line,
				Kind:    IssueHeadingJump,
				Message: fmt.Sprintf("heading level jumps from %d to %d", rep.Headings[i-1].Level, h.Level),
			})
		}
	}
	if len(rep.Headings) == 0 {
		rep.Suggestions = append(rep.Suggestions, "add headings to organise the document")
	}
	if nonBlankLines(markdown) < 10 {
		rep.Suggestions = append(rep.Suggestions, "document is short; consider adding more content")
	}
	return rep
}

// inlineText concatenates the text segments below n.
func inlineText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

// lineOf returns the 1-based line number of byte offset off.
func lineOf(src []byte, off int) int {
	if off > len(src) {
		off = len(src)
	}
	return bytes.Count(src[:off], []byte("\n")) + 1
}

// nextHeadingLine finds the first ATX heading line at or after byte offset from.
// Empty headings carry no segments, so their position is recovered this way.
func nextHeadingLine(src []byte, from int) int {
	if from > len(src) {
		from = len(src)
	}
	line := lineOf(src, from)
	rest := src[from:]
	if from > 0 && src[from-1] != '\n' {
		// from points into the middle of a line; start at the next one.
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			return line
		}
		rest = rest[idx+1:]
		line++
	}
	for _, l := range bytes.Split(rest, []byte("\n")) {
		if bytes.HasPrefix(bytes.TrimLeft(l, " "), []byte("#")) {
			return line
		}
		line++
	}
	return line
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func stripTags(b []byte) []byte {
	return tagPattern.ReplaceAll(b, nil)
}

func nonBlankLines(s string) int {
	n := 0
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}
