// Package render turns a document's markdown into sanitized HTML, rewriting
// wiki-style links against the vault's link map, and derives the search
// text and tag list persisted alongside the HTML.
package render

import (
	"bytes"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
)

// LinkMap maps lower-cased base filenames (no extension) to stable
// document identities.
type LinkMap map[string]string

var (
	embedRe    = regexp.MustCompile(`!\[\[([^\]|]+)(?:\|([^\]]+))?\]\]`)
	wikiLinkRe = regexp.MustCompile(`\[\[([^\]|]+)(?:\|([^\]]+))?\]\]`)
	tagRe      = regexp.MustCompile(`(?:^|\s)#([A-Za-z0-9_/-]+)`)
	calloutRe  = regexp.MustCompile(`^>\s*\[!([A-Za-z]+)\][+-]?\s*(.*)$`)
	mdTokenRe  = regexp.MustCompile("[#*`>\\[\\]()!_~|-]+")
	spaceRe    = regexp.MustCompile(`\s+`)
)

type Result struct {
	HTML       string
	SearchText string
	Tags       []string
	Title      string
}

type Renderer struct {
	md            goldmark.Markdown
	policy        *bluemonday.Policy
	searchTextMax int
}

func New(searchTextMax int) *Renderer {
	if searchTextMax <= 0 {
		searchTextMax = 8000
	}
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").OnElements("div", "p", "span", "a", "code", "pre")
	policy.AllowAttrs("style").OnElements("span")
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(
					highlighting.WithStyle("friendly"),
					highlighting.WithFormatOptions(chromahtml.TabWidth(4)),
				),
			),
			goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
		),
		policy:        policy,
		searchTextMax: searchTextMax,
	}
}

// Render converts a markdown body (frontmatter already stripped) to
// sanitized HTML with wiki links resolved against links.
func (r *Renderer) Render(body string, links LinkMap) (string, error) {
	rewritten := rewriteCallouts(rewriteWikiLinks(body, links))
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(rewritten), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return r.policy.Sanitize(buf.String()), nil
}

// RenderDocument renders body and derives the search/tag projections in one
// pass; title falls back from frontmatter to the first H1 to the filename.
func (r *Renderer) RenderDocument(fileName, body string, fm map[string]any, links LinkMap) (Result, error) {
	html, err := r.Render(body, links)
	if err != nil {
		return Result{}, err
	}
	return Result{
		HTML:       html,
		SearchText: r.SearchText(body),
		Tags:       ExtractTags(body, fm),
		Title:      Title(fileName, body, fm),
	}, nil
}

func Title(fileName, body string, fm map[string]any) string {
	if t := FrontmatterString(fm, "title"); t != "" {
		return t
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	base := path.Base(fileName)
	return strings.TrimSuffix(base, path.Ext(base))
}

// SearchText lowercases the body, drops markdown punctuation and code
// fences, and bounds the result for the search table.
func (r *Renderer) SearchText(body string) string {
	var b strings.Builder
	for _, line := range nonCodeLines(body) {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	text := mdTokenRe.ReplaceAllString(b.String(), " ")
	text = spaceRe.ReplaceAllString(text, " ")
	text = strings.ToLower(strings.TrimSpace(text))
	if len(text) > r.searchTextMax {
		cut := text[:r.searchTextMax]
		if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
			cut = cut[:idx]
		}
		text = cut
	}
	return text
}

// ExtractTags merges frontmatter tags with inline #tag tokens found outside
// code fences, deduplicated and sorted.
func ExtractTags(body string, fm map[string]any) []string {
	tags := map[string]struct{}{}
	for _, t := range FrontmatterTags(fm) {
		tags[strings.ToLower(t)] = struct{}{}
	}
	for _, line := range nonCodeLines(body) {
		for _, m := range tagRe.FindAllStringSubmatch(line, -1) {
			tags[strings.ToLower(m[1])] = struct{}{}
		}
	}
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// LinkKey normalizes a wikilink target or filename to a link-map key: the
// lower-cased base name without extension.
func LinkKey(name string) string {
	name = strings.TrimSpace(name)
	if idx := strings.IndexAny(name, "#^"); idx >= 0 {
		name = name[:idx]
	}
	base := path.Base(strings.TrimSpace(name))
	base = strings.TrimSuffix(base, path.Ext(base))
	return strings.ToLower(base)
}

func rewriteWikiLinks(body string, links LinkMap) string {
	lines := strings.Split(body, "\n")
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		line = embedRe.ReplaceAllStringFunc(line, func(m string) string {
			sub := embedRe.FindStringSubmatch(m)
			return rewriteOneLink(sub[1], sub[2], links, true)
		})
		line = wikiLinkRe.ReplaceAllStringFunc(line, func(m string) string {
			sub := wikiLinkRe.FindStringSubmatch(m)
			return rewriteOneLink(sub[1], sub[2], links, false)
		})
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

func rewriteOneLink(target, label string, links LinkMap, embed bool) string {
	if label == "" {
		label = strings.TrimSpace(target)
	}
	stableID, ok := links[LinkKey(target)]
	if !ok {
		// Unresolved reference stays visible as its raw wiki form so it
		// resolves on a later sync when the target appears.
		if embed {
			return "![[" + target + "]]"
		}
		return "[[" + target + "]]"
	}
	if embed {
		return fmt.Sprintf(`<span class="embed"><a href="/notes/%s">%s</a></span>`, stableID, label)
	}
	return fmt.Sprintf("[%s](/notes/%s)", label, stableID)
}

// rewriteCallouts converts Obsidian-style callout blockquotes into div
// blocks. A small line state machine: outside until a `> [!kind]` marker,
// inside while lines keep their `>` prefix; end of input while inside
// closes the block implicitly.
func rewriteCallouts(body string) string {
	lines := strings.Split(body, "\n")
	var out []string
	inside := false
	for _, line := range lines {
		if !inside {
			if m := calloutRe.FindStringSubmatch(line); m != nil {
				kind := strings.ToLower(m[1])
				out = append(out, fmt.Sprintf(`<div class="callout callout-%s">`, kind))
				if title := strings.TrimSpace(m[2]); title != "" {
					out = append(out, fmt.Sprintf(`<p class="callout-title">%s</p>`, title))
				}
				out = append(out, "")
				inside = true
				continue
			}
			out = append(out, line)
			continue
		}
		if strings.HasPrefix(line, ">") {
			content := strings.TrimPrefix(line, ">")
			content = strings.TrimPrefix(content, " ")
			out = append(out, content)
			continue
		}
		out = append(out, "", "</div>", line)
		inside = false
	}
	if inside {
		out = append(out, "", "</div>")
	}
	return strings.Join(out, "\n")
}

func nonCodeLines(body string) []string {
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))
	inFence := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		out = append(out, line)
	}
	return out
}
