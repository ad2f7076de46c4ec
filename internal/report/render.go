package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Format names a renderer.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
	FormatText     Format = "txt"
	FormatJSON     Format = "json"
)

// Renderer turns a Report into bytes. The output is what gets hashed, so a
// renderer must be deterministic.
type Renderer interface {
	Render(r Report) ([]byte, error)
	Format() Format
	ContentType() string
}

// ParseFormat returns the renderer for a format name.
func ParseFormat(s string) (Renderer, error) {
	switch Format(strings.ToLower(strings.TrimPrefix(s, "."))) {
	case "", FormatMarkdown, "markdown":
		return MarkdownRenderer{}, nil
	case FormatHTML:
		return HTMLRenderer{}, nil
	case FormatText, "text":
		return TextRenderer{}, nil
	case FormatJSON:
		return JSONRenderer{}, nil
	default:
		return nil, fmt.Errorf("report: unknown format %q", s)
	}
}

const timeLayout = time.RFC3339Nano

// MarkdownRenderer renders GitHub-flavoured Markdown.
type MarkdownRenderer struct{}

func (MarkdownRenderer) Format() Format       { return FormatMarkdown }
func (MarkdownRenderer) ContentType() string { return "text/markdown; charset=utf-8" }

func (MarkdownRenderer) Render(r Report) ([]byte, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", escapeMarkdown(r.Title))

	b.WriteString("## Document\n\n")
	b.WriteString("| Field | Value |\n|-------|-------|\n")
	fmt.Fprintf(&b, "| Original name | %s |\n", escapeCell(r.Document.OriginalName))
	fmt.Fprintf(&b, "| Content type | %s |\n", escapeCell(r.Document.ContentType))
	fmt.Fprintf(&b, "| Size | %d bytes |\n", r.Document.Size)
	fmt.Fprintf(&b, "| Evidence hash (%s) | `%s` |\n", r.Document.HashSuite, r.Document.EvidenceHash)
	b.WriteString("\n")

	for _, s := range r.Sections {
		fmt.Fprintf(&b, "## %s\n\n", escapeMarkdown(s.Heading))
		for _, p := range s.Paragraphs {
			fmt.Fprintf(&b, "%s\n\n", escapeMarkdown(p))
		}
	}

	b.WriteString("## Seal\n\n")
	b.WriteString("| Field | Value |\n|-------|-------|\n")
	fmt.Fprintf(&b, "| Bundle ID | `%s` |\n", r.Seal.BundleID)
	fmt.Fprintf(&b, "| Sealed at | %s |\n", r.Seal.Timestamp.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "| Jurisdiction | %s |\n", escapeCell(r.Seal.Jurisdiction))
	fmt.Fprintf(&b, "| Disclosure | %s |\n", r.Seal.DisclosureMode)
	fmt.Fprintf(&b, "| Analysis mode | %s |\n", r.Analysis.Mode)
	if r.Seal.SessionID != "" {
		fmt.Fprintf(&b, "| Session | `%s` |\n", r.Seal.SessionID)
	}

	return []byte(b.String()), nil
}

// TextRenderer renders plain text.
type TextRenderer struct{}

func (TextRenderer) Format() Format       { return FormatText }
func (TextRenderer) ContentType() string { return "text/plain; charset=utf-8" }

func (TextRenderer) Render(r Report) ([]byte, error) {
	var b strings.Builder

	b.WriteString(r.Title + "\n")
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	fmt.Fprintf(&b, "Original name:  %s\n", r.Document.OriginalName)
	fmt.Fprintf(&b, "Content type:   %s\n", r.Document.ContentType)
	fmt.Fprintf(&b, "Size:           %d bytes\n", r.Document.Size)
	fmt.Fprintf(&b, "Evidence hash:  %s (%s)\n\n", r.Document.EvidenceHash, r.Document.HashSuite)

	for _, s := range r.Sections {
		b.WriteString(strings.ToUpper(s.Heading) + "\n")
		b.WriteString(strings.Repeat("-", 40) + "\n")
		for _, p := range s.Paragraphs {
			b.WriteString(p + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("SEAL\n")
	b.WriteString(strings.Repeat("-", 40) + "\n")
	fmt.Fprintf(&b, "Bundle ID:      %s\n", r.Seal.BundleID)
	fmt.Fprintf(&b, "Sealed at:      %s\n", r.Seal.Timestamp.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "Jurisdiction:   %s\n", r.Seal.Jurisdiction)
	fmt.Fprintf(&b, "Disclosure:     %s\n", r.Seal.DisclosureMode)
	fmt.Fprintf(&b, "Analysis mode:  %s\n", r.Analysis.Mode)

	return []byte(b.String()), nil
}

// JSONRenderer renders indented JSON of the report structure.
type JSONRenderer struct{}

func (JSONRenderer) Format() Format       { return FormatJSON }
func (JSONRenderer) ContentType() string { return "application/json" }

func (JSONRenderer) Render(r Report) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("report: encode json: %w", err)
	}
	return buf.Bytes(), nil
}

// HTMLRenderer renders the Markdown form through goldmark into a standalone
// HTML page. Raw HTML in the source text is not passed through.
type HTMLRenderer struct{}

func (HTMLRenderer) Format() Format       { return FormatHTML }
func (HTMLRenderer) ContentType() string { return "text/html; charset=utf-8" }

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func markdownConverter() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})
	return markdown
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Georgia, serif; max-width: 52rem; margin: 2rem auto; color: #111; }
table { border-collapse: collapse; }
td, th { border: 1px solid #999; padding: .25rem .5rem; text-align: left; }
code { font-size: .85em; word-break: break-all; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

func (HTMLRenderer) Render(r Report) ([]byte, error) {
	md, err := MarkdownRenderer{}.Render(r)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	if err := markdownConverter().Convert(md, &body); err != nil {
		return nil, fmt.Errorf("report: convert markdown: %w", err)
	}

	var page bytes.Buffer
	err = pageTemplate.Execute(&page, struct {
		Title string
		Body  template.HTML
	}{r.Title, template.HTML(body.String())})
	if err != nil {
		return nil, fmt.Errorf("report: render page: %w", err)
	}
	return page.Bytes(), nil
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`,
	"[", `\[`, "]", `\]`, "<", `\<`, ">", `\>`, "#", `\#`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func escapeCell(s string) string {
	return strings.ReplaceAll(escapeMarkdown(s), "|", `\|`)
}
