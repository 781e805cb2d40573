package archive

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, dest string, entries map[string]string, order []string) {
	t.Helper()
	f, err := os.Create(dest)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(entries[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestSafeEntryPath(t *testing.T) {
	cases := []struct {
		in     string
		wantOK bool
	}{
		{"a.xml", true},
		{"dir/b.pdf", true},
		{"dir/../c.txt", true},
		{"../evil.xml", false},
		{"dir/../../evil.xml", false},
		{"/abs.xml", false},
	}
	for _, c := range cases {
		_, err := safeEntryPath("/tmp/x", c.in)
		if c.wantOK {
			assert.NoError(t, err, c.in)
		} else {
			assert.ErrorIs(t, err, ErrUnsafeEntry, c.in)
		}
	}
}

func TestWalkStopsWhenAsked(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "in.zip")
	writeZip(t, zipPath, map[string]string{"a.xml": "<a/>", "b.PDF": "%PDF", "c.txt": "x"}, []string{"a.xml", "b.PDF", "c.txt"})

	var seen []string
	err := Walk(zipPath, func(e Entry) bool {
		seen = append(seen, e.Name+"|"+e.Ext)
		return len(seen) < 2
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.xml|.xml", "b.PDF|.pdf"}, seen)
}

func TestExtractIntoUniqueDirAndCleanup(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "in.zip")
	writeZip(t, zipPath, map[string]string{"a.xml": "<a/>", "nested/b.pdf": "%PDF-1.7"}, []string{"a.xml", "nested/b.pdf"})

	root := filepath.Join(tmp, "work")
	first, err := Extract(context.Background(), zipPath, root)
	require.NoError(t, err)
	second, err := Extract(context.Background(), zipPath, root)
	require.NoError(t, err)
	assert.NotEqual(t, first.Dir, second.Dir)

	require.Len(t, first.Files, 2)
	got, err := os.ReadFile(first.Files[1])
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(got))

	first.Cleanup()
	_, err = os.Stat(first.Dir)
	assert.True(t, os.IsNotExist(err))
	second.Cleanup()
}

func TestExtractRejectsZipSlip(t *testing.T) {
	tmp := t.TempDir()
	zipPath := filepath.Join(tmp, "evil.zip")
	writeZip(t, zipPath, map[string]string{"../../evil.xml": "<x/>"}, []string{"../../evil.xml"})

	_, err := Extract(context.Background(), zipPath, filepath.Join(tmp, "work"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsafeEntry) || errors.Is(err, zip.ErrInsecurePath), err.Error())
	entries, _ := os.ReadDir(filepath.Join(tmp, "work"))
	assert.Empty(t, entries)
}

func TestExtractNotAZip(t *testing.T) {
	tmp := t.TempDir()
	bad := filepath.Join(tmp, "bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("not a zip"), 0o600))
	_, err := Extract(context.Background(), bad, filepath.Join(tmp, "work"))
	assert.Error(t, err)
}
