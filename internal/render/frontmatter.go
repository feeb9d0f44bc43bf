package render

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// SplitFrontmatter separates a leading `---` fenced YAML block from the
// markdown body. Input without a frontmatter fence is returned unchanged
// with an empty block.
func SplitFrontmatter(input string) (block string, body string) {
	lines := strings.Split(input, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", input
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return "", input
	}
	return strings.Join(lines[1:end], "\n"), strings.Join(lines[end+1:], "\n")
}

// ParseFrontmatter decodes raw document bytes into a loosely-typed
// frontmatter map plus the markdown body. Top-level keys are lowercased;
// values keep whatever shape the YAML gave them. A malformed block is a
// per-document error for the caller to isolate.
func ParseFrontmatter(raw []byte) (map[string]any, string, error) {
	block, body := SplitFrontmatter(string(raw))
	if strings.TrimSpace(block) == "" {
		return map[string]any{}, body, nil
	}
	decoded := map[string]any{}
	if err := yaml.Unmarshal([]byte(block), &decoded); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	fm := make(map[string]any, len(decoded))
	for key, val := range decoded {
		fm[strings.ToLower(strings.TrimSpace(key))] = val
	}
	return fm, body, nil
}

// FrontmatterString reads a string-valued key, tolerating absent keys.
func FrontmatterString(fm map[string]any, key string) string {
	if fm == nil {
		return ""
	}
	if v, ok := fm[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// FrontmatterTags reads the `tags` key as either a YAML list or a
// comma-separated string.
func FrontmatterTags(fm map[string]any) []string {
	if fm == nil {
		return nil
	}
	var out []string
	switch v := fm["tags"].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					out = append(out, s)
				}
			}
		}
	case string:
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
