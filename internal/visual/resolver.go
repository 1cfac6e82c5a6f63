// Package visual finds rendered page images for a document, sends them to
// the vision service and persists what comes back as visual assets.
package visual

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

// Diagnostic reasons for an empty resolution.
const (
	ReasonPageCountMissing = "page_count_missing_no_images"
	ReasonNoMatchingFiles  = "no_matching_files"
)

// metadataDirKeys are extraction metadata keys that may point at rendered pages.
var metadataDirKeys = []string{"page_images_dir", "rendered_pages_dir", "pages_dir", "page_image_paths"}

var pageFilePattern = regexp.MustCompile(`(?i)page[_-]?0*(\d+)`)

// FS is the slice of a filesystem the resolver needs.
type FS interface {
	ReadDir(name string) ([]fs.DirEntry, error)
	Stat(name string) (fs.FileInfo, error)
}

// OSFS reads the local filesystem.
type OSFS struct{}

// ReadDir implements FS.
func (OSFS) ReadDir(name string) ([]fs.DirEntry, error) { return os.ReadDir(name) }

// Stat implements FS.
func (OSFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }

// PageImage is a rendered page on disk.
type PageImage struct {
	PageIndex int    `json:"page_index"`
	Path      string `json:"path"`
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	UploadRoot string
	MaxPages   int
}

// Resolver locates page images for documents.
type Resolver struct {
	fs        FS
	documents storage.DocumentStore
	cfg       ResolverConfig
	logger    *observability.Logger
}

// NewResolver creates a resolver. A nil fsys means the local filesystem.
func NewResolver(cfg ResolverConfig, documents storage.DocumentStore, fsys FS, logger *observability.Logger) *Resolver {
	if fsys == nil {
		fsys = OSFS{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.UploadRoot == "" {
		cfg.UploadRoot = "uploads"
	}
	return &Resolver{fs: fsys, documents: documents, cfg: cfg, logger: logger.WithOperation("resolve_page_images")}
}

// Resolve returns the page images of a document ordered by page index. When
// nothing is found it returns an empty slice and logs a diagnostic event.
// Filesystem problems are never returned; only context cancellation is.
func (r *Resolver) Resolve(ctx context.Context, documentID string) ([]PageImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc *storage.Document
	if r.documents != nil {
		d, err := r.documents.GetByID(ctx, documentID)
		switch {
		case err == nil:
			doc = d
		case errors.Is(err, storage.ErrNotFound):
			r.logger.Warn().Str("document_id", documentID).Msg("document not found; probing conventional layouts only")
		default:
			r.logger.Warn().Err(err).Str("document_id", documentID).Msg("document lookup failed; probing conventional layouts only")
		}
	}

	pageCount := 0
	var metadata storage.JSONMap
	if doc != nil {
		pageCount = doc.KnownPageCount()
		metadata = doc.ExtractionMetadata
	}

	candidates := r.candidates(documentID, metadata)
	for _, dir := range candidates {
		pages := r.scan(dir)
		if len(pages) == 0 {
			continue
		}

		if pageCount > 0 {
			kept := pages[:0]
			for _, p := range pages {
				if p.PageIndex < pageCount {
					kept = append(kept, p)
				}
			}
			pages = kept
			if len(pages) == 0 {
				continue
			}
		} else {
			inferred := pages[len(pages)-1].PageIndex + 1
			if doc != nil {
				if _, err := r.documents.SetPageCountIfUnknown(ctx, documentID, inferred); err != nil {
					r.logger.Warn().Err(err).Str("document_id", documentID).Msg("failed to persist inferred page count")
				}
			}
			r.logger.Debug().Str("document_id", documentID).Int("page_count", inferred).Msg("page count inferred from images")
		}

		if r.cfg.MaxPages > 0 && len(pages) > r.cfg.MaxPages {
			pages = pages[:r.cfg.MaxPages]
		}

		r.logger.Debug().
			Str("document_id", documentID).
			Str("dir", dir).
			Int("pages", len(pages)).
			Msg("page images resolved")
		return pages, nil
	}

	reason := ReasonNoMatchingFiles
	if pageCount == 0 {
		reason = ReasonPageCountMissing
	}
	r.logger.Info().
		Str("event", "page_images_unavailable").
		Str("document_id", documentID).
		Str("reason", reason).
		Strs("candidates", candidates).
		Msg("no page images available")

	return []PageImage{}, nil
}

// candidates lists directories to probe, in priority order, without duplicates.
func (r *Resolver) candidates(documentID string, metadata storage.JSONMap) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(dir string) {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			return
		}
		dir = filepath.Clean(dir)
		if seen[dir] {
			return
		}
		seen[dir] = true
		out = append(out, dir)
	}

	for _, key := range metadataDirKeys {
		switch v := metadata[key].(type) {
		case string:
			add(r.dirOf(v))
		case []string:
			for _, p := range v {
				add(r.dirOf(p))
			}
		case []interface{}:
			for _, item := range v {
				if p, ok := item.(string); ok {
					add(r.dirOf(p))
				}
			}
		}
	}

	root := r.cfg.UploadRoot
	add(filepath.Join(root, "debug", "pages", documentID))
	add(filepath.Join(root, documentID, "pages"))
	add(filepath.Join(root, documentID))
	add(filepath.Join(root, "pages", documentID))
	add(filepath.Join(root, "documents", documentID, "pages"))
	add(filepath.Join(root, "rendered", documentID))
	return out
}

// dirOf returns p when it is a directory, otherwise its parent.
func (r *Resolver) dirOf(p string) string {
	if p == "" {
		return ""
	}
	if info, err := r.fs.Stat(p); err == nil && info.IsDir() {
		return p
	}
	if isImageFile(p) {
		return filepath.Dir(p)
	}
	return p
}

// scan reads dir and picks one image per page index.
func (r *Resolver) scan(dir string) []PageImage {
	entries, err := r.fs.ReadDir(dir)
	if err != nil {
		return nil
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}

	byIndex := pickPerPage(names)
	pages := make([]PageImage, 0, len(byIndex))
	for idx, name := range byIndex {
		pages = append(pages, PageImage{PageIndex: idx, Path: filepath.Join(dir, name)})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageIndex < pages[j].PageIndex })
	return pages
}

// pickPerPage maps page index to the preferred file name. The index is the
// number in the file name, so a file keeps its page whatever else is on disk.
func pickPerPage(names []string) map[int]string {
	groups := make(map[int][]string)
	for _, name := range names {
		idx, ok := ParsePageIndex(name)
		if !ok {
			continue
		}
		groups[idx] = append(groups[idx], name)
	}
	if len(groups) == 0 {
		return nil
	}

	out := make(map[int]string, len(groups))
	for idx, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			ri, rj := variantRank(group[i]), variantRank(group[j])
			if ri != rj {
				return ri < rj
			}
			return group[i] < group[j]
		})
		out[idx] = group[0]
	}
	return out
}

// NormalizePageIndexes parses page indexes from file names. Names without a
// page number fall back to their position.
func NormalizePageIndexes(paths []string) []int {
	out := make([]int, len(paths))
	for i, p := range paths {
		idx, ok := ParsePageIndex(filepath.Base(p))
		if !ok {
			idx = i
		}
		out[i] = idx
	}
	return out
}

// ParsePageIndex extracts the raw page number from an image file name.
func ParsePageIndex(name string) (int, bool) {
	if !isImageFile(name) {
		return 0, false
	}
	m := pageFilePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func variantRank(name string) int {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "raw"):
		return 0
	case strings.Contains(lower, "pre"):
		return 1
	default:
		return 2
	}
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
