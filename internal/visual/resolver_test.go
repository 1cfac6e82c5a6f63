package visual

import (
	"bytes"
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

func img() *fstest.MapFile { return &fstest.MapFile{Data: []byte("png")} }

func newDoc(t *testing.T, repos *storage.Repositories, pageCount int, metadata storage.JSONMap) *storage.Document {
	t.Helper()
	doc := &storage.Document{DealID: "deal-1", Type: "pdf", FileName: "deck.pdf", ExtractionMetadata: metadata}
	if pageCount > 0 {
		doc.PageCount = &pageCount
	}
	require.NoError(t, repos.Documents.Create(context.Background(), doc))
	return doc
}

func TestResolver_ConventionalLayoutInfersPageCount(t *testing.T) {
	repos := storage.NewMemoryRepositories()
	doc := newDoc(t, repos, 0, nil)
	fsys := fstest.MapFS{
		"uploads/" + doc.ID + "/pages/page_1.png": img(),
		"uploads/" + doc.ID + "/pages/page_2.png": img(),
		"uploads/" + doc.ID + "/pages/page_3.png": img(),
		"uploads/" + doc.ID + "/pages/notes.txt":  img(),
	}
	r := NewResolver(ResolverConfig{UploadRoot: "uploads"}, repos.Documents, fsys, nil)

	pages, err := r.Resolve(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	for i, p := range pages {
		assert.Equal(t, i+1, p.PageIndex)
	}
	assert.Equal(t, "uploads/"+doc.ID+"/pages/page_1.png", pages[0].Path)

	got, err := repos.Documents.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.KnownPageCount(), "highest index + 1")
}

func TestResolver_IndexStableAsPagesArrive(t *testing.T) {
	repos := storage.NewMemoryRepositories()
	doc := newDoc(t, repos, 5, nil)
	dir := "uploads/" + doc.ID + "/pages/"
	fsys := fstest.MapFS{
		dir + "page_1.png": img(),
		dir + "page_2.png": img(),
	}
	r := NewResolver(ResolverConfig{UploadRoot: "uploads"}, repos.Documents, fsys, nil)

	indexOf := func(pages []PageImage, path string) int {
		for _, p := range pages {
			if p.Path == path {
				return p.PageIndex
			}
		}
		return -1
	}

	first, err := r.Resolve(context.Background(), doc.ID)
	require.NoError(t, err)

	fsys[dir+"page_0.png"] = img()
	second, err := r.Resolve(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, second, 3)

	assert.Equal(t, 2, indexOf(first, dir+"page_2.png"))
	assert.Equal(t, indexOf(first, dir+"page_2.png"), indexOf(second, dir+"page_2.png"))
	assert.Equal(t, indexOf(first, dir+"page_1.png"), indexOf(second, dir+"page_1.png"))
}

func TestResolver_PrefersRawThenPre(t *testing.T) {
	repos := storage.NewMemoryRepositories()
	doc := newDoc(t, repos, 0, nil)
	dir := "uploads/debug/pages/" + doc.ID + "/"
	fsys := fstest.MapFS{
		dir + "page_000.png":       img(),
		dir + "page_000_pre.png":   img(),
		dir + "page_000_raw.png":   img(),
		dir + "Page-001-pre.JPG":   img(),
		dir + "page-001.jpeg":      img(),
		dir + "page_002_thumb.gif": img(),
	}
	r := NewResolver(ResolverConfig{UploadRoot: "uploads"}, repos.Documents, fsys, nil)

	pages, err := r.Resolve(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, dir+"page_000_raw.png", pages[0].Path)
	assert.Equal(t, dir+"Page-001-pre.JPG", pages[1].Path)
}

func TestResolver_KnownPageCountFiltersAndCaps(t *testing.T) {
	repos := storage.NewMemoryRepositories()
	doc := newDoc(t, repos, 4, nil)
	fsys := fstest.MapFS{}
	for _, name := range []string{"page0.png", "page1.png", "page2.png", "page3.png", "page4.png", "page5.png"} {
		fsys["uploads/rendered/"+doc.ID+"/"+name] = img()
	}

	r := NewResolver(ResolverConfig{UploadRoot: "uploads"}, repos.Documents, fsys, nil)
	pages, err := r.Resolve(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, pages, 4)
	assert.Equal(t, 3, pages[3].PageIndex)

	capped := NewResolver(ResolverConfig{UploadRoot: "uploads", MaxPages: 2}, repos.Documents, fsys, nil)
	pages, err = capped.Resolve(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, pages, 2)

	got, err := repos.Documents.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.KnownPageCount(), "known page count is never overwritten")
}

func TestResolver_MetadataDirectoryWins(t *testing.T) {
	repos := storage.NewMemoryRepositories()
	doc := newDoc(t, repos, 0, storage.JSONMap{
		"page_image_paths": []interface{}{"render/out/page_1.png", "render/out/page_2.png"},
	})
	fsys := fstest.MapFS{
		"render/out/page_1.png":                   img(),
		"render/out/page_2.png":                   img(),
		"uploads/" + doc.ID + "/pages/page_1.png": img(),
	}
	r := NewResolver(ResolverConfig{UploadRoot: "uploads"}, repos.Documents, fsys, nil)

	pages, err := r.Resolve(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "render/out/page_2.png", pages[1].Path)
}

func TestResolver_NothingFoundEmitsDiagnostic(t *testing.T) {
	tests := []struct {
		name      string
		pageCount int
		reason    string
	}{
		{"unknown page count", 0, ReasonPageCountMissing},
		{"known page count", 5, ReasonNoMatchingFiles},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repos := storage.NewMemoryRepositories()
			doc := newDoc(t, repos, tt.pageCount, nil)
			fsys := fstest.MapFS{"uploads/" + doc.ID + "/cover.png": img()}

			var buf bytes.Buffer
			logger := observability.NewLogger(observability.LogConfig{Level: "debug", Output: &buf})
			r := NewResolver(ResolverConfig{UploadRoot: "uploads"}, repos.Documents, fsys, logger)

			pages, err := r.Resolve(context.Background(), doc.ID)
			require.NoError(t, err)
			assert.NotNil(t, pages)
			assert.Empty(t, pages)
			assert.Contains(t, buf.String(), `"event":"page_images_unavailable"`)
			assert.Contains(t, buf.String(), `"reason":"`+tt.reason+`"`)
		})
	}
}

func TestResolver_MissingDocumentStillProbes(t *testing.T) {
	repos := storage.NewMemoryRepositories()
	fsys := fstest.MapFS{"uploads/pages/ghost/page_0.png": img()}
	r := NewResolver(ResolverConfig{UploadRoot: "uploads"}, repos.Documents, fsys, nil)

	pages, err := r.Resolve(context.Background(), "ghost")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, 0, pages[0].PageIndex)
}

func TestParsePageIndex(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"page_007.png", 7, true},
		{"PAGE-12.JPEG", 12, true},
		{"deck_page3_raw.jpg", 3, true},
		{"page_000.png", 0, true},
		{"page_1.pdf", 0, false},
		{"slide_1.png", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParsePageIndex(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.name)
		}
	}
}

func TestNormalizePageIndexes(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, NormalizePageIndexes([]string{"/x/page_1.png", "/x/page_2.png", "/x/page_3.png"}))
	assert.Equal(t, []int{2}, NormalizePageIndexes([]string{"/x/page_2.png"}))
	assert.Equal(t, []int{0, 4}, NormalizePageIndexes([]string{"/x/page_0.png", "/x/page_4.png"}))
	assert.Equal(t, []int{0, 1}, NormalizePageIndexes([]string{"/x/a.png", "/x/b.png"}))
}
