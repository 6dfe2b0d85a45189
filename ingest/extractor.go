package ingest

import (
	"bytes"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// Extractor converts raw document bytes to plain text.
type Extractor interface {
	Extract(content []byte) (string, error)
}

// ContentType identifies the format of uploaded content.
type ContentType string

const (
	TypePlainText ContentType = "text/plain"
	TypeHTML      ContentType = "text/html"
	TypeMarkdown  ContentType = "text/markdown"
	TypePDF       ContentType = "application/pdf"
)

// ContentTypeFromExtension maps a file extension to a content type.
// Unknown extensions fall back to plain text.
func ContentTypeFromExtension(ext string) ContentType {
	switch strings.ToLower(ext) {
	case "md", "markdown":
		return TypeMarkdown
	case "html", "htm":
		return TypeHTML
	case "pdf":
		return TypePDF
	default:
		return TypePlainText
	}
}

// PlainTextExtractor returns content as-is.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Extract(content []byte) (string, error) {
	return collapseWhitespace(string(content)), nil
}

// MarkdownExtractor parses markdown with goldmark and collects the
// text content of the AST, dropping formatting syntax while keeping
// code block bodies.
type MarkdownExtractor struct{}

func (MarkdownExtractor) Extract(content []byte) (string, error) {
	md := goldmark.New()
	doc := md.Parser().Parse(gmtext.NewReader(content))

	var buf bytes.Buffer
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if n.Type() == ast.TypeBlock && buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		switch t := n.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(content))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(t.Value)
		case *ast.FencedCodeBlock:
			writeCodeLines(&buf, t.Lines(), content)
		case *ast.CodeBlock:
			writeCodeLines(&buf, t.Lines(), content)
		case *ast.AutoLink:
			buf.Write(t.URL(content))
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}
	return collapseWhitespace(buf.String()), nil
}

func writeCodeLines(buf *bytes.Buffer, lines *gmtext.Segments, src []byte) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
}

// HTMLExtractor pulls readable article text out of an HTML page. Pages
// readability cannot parse fall back to a crude tag strip.
type HTMLExtractor struct{}

func (HTMLExtractor) Extract(content []byte) (string, error) {
	base, _ := url.Parse("file:///document.html")
	article, err := readability.FromReader(bytes.NewReader(content), base)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return collapseWhitespace(article.TextContent), nil
	}
	return collapseWhitespace(stripTags(string(content))), nil
}

// stripTags removes anything between < and >, including script and
// style bodies. Last-resort cleanup, not a parser.
func stripTags(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inTag, skip := false, ""
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '<' {
			inTag = true
			rest := strings.ToLower(s[i+1:])
			switch {
			case strings.HasPrefix(rest, "script"):
				skip = "</script>"
			case strings.HasPrefix(rest, "style"):
				skip = "</style>"
			case skip != "" && strings.HasPrefix(rest, skip[1:]):
				skip = ""
			}
			continue
		}
		if c == '>' {
			inTag = false
			b.WriteByte(' ')
			continue
		}
		if !inTag && skip == "" {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// collapseWhitespace trims lines and squeezes runs of blank lines down
// to one separator.
func collapseWhitespace(text string) string {
	var b strings.Builder
	blank := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
			if blank > 0 {
				b.WriteByte('\n')
			}
		}
		b.WriteString(strings.Join(strings.Fields(line), " "))
		blank = 0
	}
	return b.String()
}
