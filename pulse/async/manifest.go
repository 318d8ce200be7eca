package async

import (
	"encoding/json"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/transfer"
)

// ManifestFileName is written into every theme directory.
const ManifestFileName = "metadata.json"

// ManifestEntry describes one saved asset.
type ManifestEntry struct {
	File        string            `json:"file"`
	URL         string            `json:"url"`
	Source      string            `json:"source"`
	SourceID    string            `json:"source_id,omitempty"`
	ContentHash string            `json:"content_hash"`
	Size        int64             `json:"size"`
	JobID       string            `json:"job_id"`
	SavedAt     time.Time         `json:"saved_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Manifest is the content of metadata.json.
type Manifest struct {
	Theme     string          `json:"theme"`
	UpdatedAt time.Time       `json:"updated_at"`
	Assets    []ManifestEntry `json:"assets"`
}

// ReadManifest loads dir's manifest. A missing file yields an empty manifest.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if os.IsNotExist(err) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest in %s", dir)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse manifest in %s", dir)
	}
	return &m, nil
}

// manifestLocks holds one mutex per theme directory; jobs for the same theme share it.
var manifestLocks sync.Map

func lockManifest(dir string) func() {
	mu, _ := manifestLocks.LoadOrStore(filepath.Clean(dir), &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// AppendManifest adds entries to dir's manifest, replacing it atomically.
// Appends to the same directory are serialized within the process.
func AppendManifest(dir, theme string, entries []ManifestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	unlock := lockManifest(dir)
	defer unlock()

	m, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	m.Theme = theme
	m.UpdatedAt = time.Now().UTC()
	m.Assets = append(m.Assets, entries...)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode manifest")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ManifestFileName+".*")
	if err != nil {
		return errors.Wrap(err, "failed to create manifest")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to write manifest")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to close manifest")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, ManifestFileName)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to replace manifest")
	}
	return nil
}

// ThemeDir is where a theme's assets land under outputDir.
func ThemeDir(outputDir, theme string) string {
	return filepath.Join(outputDir, safeName(theme))
}

// destinationFor names a unit's file <theme>_<urlhash[:12]><ext> in the theme directory.
func destinationFor(outputDir, theme, rawURL, urlHash string) *transfer.FileDestination {
	name := safeName(theme) + "_" + urlHash[:min(12, len(urlHash))] + extFor(rawURL)
	return transfer.NewFileDestination(filepath.Join(ThemeDir(outputDir, theme), name))
}

func safeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	name := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			return r
		}
		return '_'
	}, s)
	if name == "" {
		return "untitled"
	}
	return name
}

func extFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".bin"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) < 2 || len(ext) > 6 {
		return ".bin"
	}
	for _, r := range ext[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return ".bin"
		}
	}
	return ext
}
