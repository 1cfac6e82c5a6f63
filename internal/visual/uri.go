package visual

import (
	"html"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// snippetLimit is the maximum snippet length in runes before the ellipsis.
const snippetLimit = 500

// URIMapper turns on-disk image paths into web-relative URIs.
type URIMapper struct {
	root   string
	prefix string
}

// NewURIMapper creates a mapper for files served from uploadRoot under publicPrefix.
func NewURIMapper(uploadRoot, publicPrefix string) URIMapper {
	root := uploadRoot
	if abs, err := filepath.Abs(uploadRoot); err == nil {
		root = abs
	}
	prefix := "/" + strings.Trim(publicPrefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	return URIMapper{root: root, prefix: prefix}
}

// Map returns the public URI for p, or nil when p is not under the upload root.
// Web-relative and http(s) URIs pass through unchanged.
func (m URIMapper) Map(p string) *string {
	p = strings.TrimSpace(p)
	if p == "" {
		return nil
	}
	lower := strings.ToLower(p)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return &p
	}
	if m.prefix != "" && strings.HasPrefix(p, m.prefix+"/") {
		return &p
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return nil
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	uri := m.prefix + "/" + filepath.ToSlash(rel)
	return &uri
}

var snippetPolicy = bluemonday.StrictPolicy()

// Snippet sanitises OCR text for evidence display. It returns nil for blank input.
func Snippet(text string) *string {
	clean := strings.TrimSpace(html.UnescapeString(snippetPolicy.Sanitize(text)))
	if clean == "" {
		return nil
	}
	if utf8.RuneCountInString(clean) > snippetLimit {
		runes := []rune(clean)
		clean = string(runes[:snippetLimit]) + "…"
	}
	return &clean
}
