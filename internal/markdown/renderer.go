package markdown

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"fmt"
	"html"
	"path/filepath"
	"strings"

	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	alertcallouts "github.com/zmtcreative/gm-alert-callouts"
)

// AssetPathPrefix is the URL prefix under which the HTTP layer serves
// local images referenced by the document.
const AssetPathPrefix = "/assets/"

// RenderError reports a failed markdown or sanitization pass.
type RenderError struct {
	Stage string
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render failed during %s: %v", e.Stage, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Renderer wraps the goldmark parser and bluemonday sanitizer with
// pre-configured extensions. It holds no per-document state: the same
// source always produces the same HTML.
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

//go:embed page.html
var pageTemplate string

func NewRenderer() *Renderer {
	md := goldmark.New(
		goldmark.WithExtensions(
			alertcallouts.AlertCallouts,
			extension.GFM,
			extension.Table,
			extension.Strikethrough,
			extension.TaskList,
			extension.Linkify,
			highlighting.NewHighlighting(
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(goldmarkhtml.WithUnsafe()),
	)
	return &Renderer{md: md, policy: sanitizePolicy()}
}

// sanitizePolicy extends the UGC policy with the attributes our own
// renderer emits: heading ids, chroma highlight classes, task-list
// checkboxes, and the lazy-loading hints set on rewritten images.
func sanitizePolicy() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("id").OnElements("h1", "h2", "h3", "h4", "h5", "h6")
	policy.AllowAttrs("class").OnElements("span", "div", "pre", "code", "table", "p", "details", "summary")
	policy.AllowAttrs("type", "checked", "disabled").OnElements("input")
	policy.AllowAttrs("loading", "decoding").OnElements("img")
	policy.AllowAttrs("align").OnElements("th", "td")
	policy.AllowRelativeURLs(true)
	return policy
}

// Convert parses markdown source and returns the sanitized HTML fragment.
func (r *Renderer) Convert(source []byte) (string, error) {
	return r.ConvertWithSourcePath(source, "")
}

// ConvertWithSourcePath parses markdown source and returns the sanitized
// HTML fragment.
//
// If sourcePath is set, local image destinations are rewritten to the
// asset path format expected by the HTTP layer.
func (r *Renderer) ConvertWithSourcePath(source []byte, sourcePath string) (string, error) {
	doc := r.md.Parser().Parse(text.NewReader(source))
	rewriteLocalImages(doc, sourcePath)

	var buf bytes.Buffer
	if err := r.md.Renderer().Render(&buf, source, doc); err != nil {
		return "", &RenderError{Stage: "markdown", Err: err}
	}

	return r.policy.Sanitize(buf.String()), nil
}

// RenderShell returns the viewer page shell with the given fragment
// inlined at the {{CONTENT}} placeholder, so a freshly connected
// browser shows the current document before its WebSocket is up.
func (r *Renderer) RenderShell(title, fragment string) string {
	page := strings.Replace(pageTemplate, "{{TITLE}}", html.EscapeString(title), 1)
	return strings.Replace(page, "{{CONTENT}}", fragment, 1)
}

// RenderErrorNotice returns a minimal fragment describing a render
// failure. Shown only when no good artifact exists yet, so viewers
// never get a blank page.
func (r *Renderer) RenderErrorNotice(err error) string {
	return fmt.Sprintf(
		`<div class="render-error"><h2>Render failed</h2><pre>%s</pre></div>`,
		html.EscapeString(err.Error()),
	)
}

// rewriteLocalImages walks the AST and points local image destinations
// at the asset handler. Remote, inline, and anchor destinations pass
// through untouched.
func rewriteLocalImages(doc ast.Node, sourcePath string) {
	baseDir := ""
	if sourcePath != "" {
		baseDir = filepath.Dir(sourcePath)
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		img, ok := n.(*ast.Image)
		if !ok {
			return ast.WalkContinue, nil
		}

		rawDest := strings.TrimSpace(string(img.Destination))
		if rawDest == "" || !isLocalDestination(rawDest) {
			return ast.WalkContinue, nil
		}

		resolved := rawDest
		if !filepath.IsAbs(rawDest) {
			if baseDir == "" {
				return ast.WalkContinue, nil
			}
			resolved = filepath.Join(baseDir, rawDest)
		}
		resolved = filepath.Clean(resolved)

		img.Destination = []byte(AssetPathPrefix + base64.RawURLEncoding.EncodeToString([]byte(resolved)))
		img.SetAttributeString("loading", "lazy")
		img.SetAttributeString("decoding", "async")

		return ast.WalkContinue, nil
	})
}

func isLocalDestination(dest string) bool {
	lower := strings.ToLower(dest)
	for _, prefix := range []string{
		"http://", "https://", "data:", "blob:", "file://", "//", "#", AssetPathPrefix,
	} {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}
	return true
}
