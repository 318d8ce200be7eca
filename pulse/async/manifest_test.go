package async

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestAppend(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ocean")

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Empty(t, m.Assets, "missing manifest reads as empty")

	require.NoError(t, AppendManifest(dir, "ocean", []ManifestEntry{{File: "a.jpg", URL: "https://x/a.jpg", Size: 1}}))
	require.NoError(t, AppendManifest(dir, "ocean", []ManifestEntry{{File: "b.jpg", URL: "https://x/b.jpg", Size: 2}}))
	require.NoError(t, AppendManifest(dir, "ocean", nil))

	m, err = ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "ocean", m.Theme)
	require.Len(t, m.Assets, 2)
	assert.Equal(t, "a.jpg", m.Assets[0].File)
	assert.Equal(t, "b.jpg", m.Assets[1].File)
	assert.False(t, m.UpdatedAt.IsZero())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestManifestAppend_ConcurrentJobsSameTheme(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stars")

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := ManifestEntry{File: fmt.Sprintf("star_%02d.png", i), JobID: fmt.Sprintf("job-%d", i)}
			assert.NoError(t, AppendManifest(dir, "stars", []ManifestEntry{entry}))
		}()
	}
	wg.Wait()

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Len(t, m.Assets, 16, "every job's entry survives")
}

func TestReadManifestRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte("{not json"), 0o644))

	_, err := ReadManifest(dir)
	assert.Error(t, err)
}

func TestDestinationNaming(t *testing.T) {
	hash := "0123456789abcdef0123"
	tests := []struct {
		theme, url, want string
	}{
		{"Ocean Waves", "https://cdn.x/p/1.JPG?w=640", "ocean_waves_0123456789ab.jpg"},
		{"ocean", "https://cdn.x/p/clip.mp4", "ocean_0123456789ab.mp4"},
		{"ocean", "https://cdn.x/p/photo", "ocean_0123456789ab.bin"},
		{"ocean", "https://cdn.x/p/file.tar$gz", "ocean_0123456789ab.bin"},
		{"ocean", "https://cdn.x/p/archive.verylongext", "ocean_0123456789ab.bin"},
		{"  ", "https://cdn.x/a.png", "untitled_0123456789ab.png"},
	}
	for _, tt := range tests {
		dest := destinationFor("/out", tt.theme, tt.url, hash)
		assert.Equal(t, tt.want, filepath.Base(dest.Path), tt.url)
	}

	assert.Equal(t, filepath.Join("/out", "ocean_waves"), ThemeDir("/out", "Ocean Waves"))
}
