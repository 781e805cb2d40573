package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalsync/internal/storage"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestDiscoverBreadthFirstWithAllowList(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.xml"), "<a/>")
	writeFile(t, filepath.Join(root, "a.PDF"), "%PDF-1.4")
	writeFile(t, filepath.Join(root, "skip.exe"), "MZ")
	writeFile(t, filepath.Join(root, "sub", "deep", "c.zip"), "PK")
	writeFile(t, filepath.Join(root, "sub", "d.txt"), "hello")

	c := NewCrawler([]string{"xml", ".pdf", ".ZIP", ".txt"})
	items, err := c.Discover(context.Background(), storage.KindDocuments, []string{root})
	require.NoError(t, err)

	var names []string
	for _, it := range items {
		names = append(names, filepath.Base(it.Path))
		assert.Equal(t, storage.KindDocuments, it.Kind)
		assert.True(t, filepath.IsAbs(it.Path))
	}
	assert.Equal(t, []string{"a.PDF", "b.xml", "d.txt", "c.zip"}, names)
	assert.Equal(t, ".pdf", items[0].Ext)
}

func TestDiscoverSkipsSymlinkedDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "real", "a.xml"), "<a/>")
	if err := os.Symlink(root, filepath.Join(root, "real", "loop")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	items, err := NewCrawler([]string{".xml"}).Discover(context.Background(), storage.KindDocuments, []string{root})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestDiscoverMissingRootIsSkipped(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.pfx"), "0")
	items, err := NewCrawler([]string{".pfx"}).Discover(context.Background(), storage.KindCertificates,
		[]string{filepath.Join(root, "missing"), root})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestDiscoverAndMergeIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.xml"), "<a/>")
	writeFile(t, filepath.Join(root, "x", "b.xml"), "<b/>")
	repo := storage.NewMemory()
	c := NewCrawler([]string{".xml"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		items, err := c.Discover(ctx, storage.KindDocuments, []string{root, root})
		require.NoError(t, err)
		_, err = Merge(ctx, repo, items)
		require.NoError(t, err)
	}

	tracked, err := repo.ListItems(ctx, storage.ItemFilter{IncludeSent: true})
	require.NoError(t, err)
	require.Len(t, tracked, 2)
	seen := map[string]int{}
	for _, it := range tracked {
		seen[it.Path]++
	}
	for path, count := range seen {
		assert.Equal(t, 1, count, path)
	}
}
