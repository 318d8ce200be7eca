package source

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/pulse/ratelimit"
)

// Asset is one catalog entry.
type Asset struct {
	URL      string            `yaml:"url" toml:"url"`
	Themes   []string          `yaml:"themes" toml:"themes"`
	Category string            `yaml:"category" toml:"category"`
	Size     int64             `yaml:"size" toml:"size"`
	Title    string            `yaml:"title" toml:"title"`
	Metadata map[string]string `yaml:"metadata" toml:"metadata"`
}

// CatalogLimits is the rate_limit table of a catalog file. Durations are Go duration strings.
type CatalogLimits struct {
	MaxPerWindow int    `yaml:"max_per_window" toml:"max_per_window"`
	Window       string `yaml:"window" toml:"window"`
	MinInterval  string `yaml:"min_interval" toml:"min_interval"`
}

// CatalogFile is the on-disk shape of a catalog, in YAML or TOML.
type CatalogFile struct {
	Name      string        `yaml:"name" toml:"name"`
	BaseURL   string        `yaml:"base_url" toml:"base_url"`
	RateLimit CatalogLimits `yaml:"rate_limit" toml:"rate_limit"`
	Assets    []Asset       `yaml:"assets" toml:"assets"`
}

// Catalog is a Source backed by a fixed list of assets, typically a mirror's manifest.
// Relative asset URLs resolve against BaseURL.
type Catalog struct {
	name   string
	base   *url.URL
	limits ratelimit.Limits
	assets []Asset
}

// NewCatalog builds a catalog in memory.
func NewCatalog(name, baseURL string, limits ratelimit.Limits, assets []Asset) (*Catalog, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.NewInvalidRequestError("catalog name must not be empty")
	}
	c := &Catalog{name: name, limits: limits, assets: assets}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid base_url for catalog %s", name)
		}
		c.base = u
	}
	return c, nil
}

// LoadCatalog reads a catalog file. The format follows the extension: .yaml, .yml or .toml.
// A file without a name takes its base name.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read catalog %s", path)
	}

	var file CatalogFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, errors.Wrapf(err, "failed to parse YAML catalog %s", path)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &file); err != nil {
			return nil, errors.Wrapf(err, "failed to parse TOML catalog %s", path)
		}
	default:
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("unsupported catalog format %q", ext),
			"Use a .yaml, .yml or .toml file")
	}

	if file.Name == "" {
		file.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	limits, err := file.RateLimit.limits()
	if err != nil {
		return nil, errors.Wrapf(err, "invalid rate_limit in catalog %s", path)
	}
	return NewCatalog(file.Name, file.BaseURL, limits, file.Assets)
}

// LoadCatalogDir loads every catalog file in dir, sorted by file name.
func LoadCatalogDir(dir string) ([]*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read catalog directory %s", dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var catalogs []*Catalog
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".toml":
		default:
			continue
		}
		c, err := LoadCatalog(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		catalogs = append(catalogs, c)
	}
	return catalogs, nil
}

func (l CatalogLimits) limits() (ratelimit.Limits, error) {
	out := ratelimit.Limits{MaxPerWindow: l.MaxPerWindow}
	var err error
	if l.Window != "" {
		if out.Window, err = time.ParseDuration(l.Window); err != nil {
			return out, errors.Wrap(err, "window")
		}
	}
	if l.MinInterval != "" {
		if out.MinInterval, err = time.ParseDuration(l.MinInterval); err != nil {
			return out, errors.Wrap(err, "min_interval")
		}
	}
	return out, nil
}

// Name returns the catalog's source name.
func (c *Catalog) Name() string { return c.name }

// RateLimitHints returns the catalog's declared limits.
func (c *Catalog) RateLimitHints() ratelimit.Limits { return c.limits }

// Len returns the number of assets in the catalog.
func (c *Catalog) Len() int { return len(c.assets) }

// Search returns assets tagged with the theme (case-insensitive), filtered by
// category when one is requested, in catalog order.
func (c *Catalog) Search(ctx context.Context, req SearchRequest) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	theme := strings.ToLower(strings.TrimSpace(req.Theme))

	var out []Candidate
	for i, a := range c.assets {
		if req.MaxResults > 0 && len(out) >= req.MaxResults {
			break
		}
		if !a.matches(theme, req.Category) {
			continue
		}
		u, err := c.resolve(a.URL)
		if err != nil {
			return nil, errors.Wrapf(err, "catalog %s asset %d", c.name, i)
		}

		meta := make(map[string]string, len(a.Metadata)+1)
		for k, v := range a.Metadata {
			meta[k] = v
		}
		if a.Title != "" {
			meta["title"] = a.Title
		}
		out = append(out, Candidate{
			URL:          u,
			SourceID:     fmt.Sprintf("%s-%d", c.name, i),
			ExpectedSize: a.Size,
			Metadata:     meta,
		})
	}
	return out, nil
}

func (a Asset) matches(theme, category string) bool {
	if category != "" && a.Category != "" && !strings.EqualFold(a.Category, category) {
		return false
	}
	if theme == "" {
		return true
	}
	for _, t := range a.Themes {
		if strings.ToLower(t) == theme {
			return true
		}
	}
	return false
}

func (c *Catalog) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if c.base == nil || u.IsAbs() {
		return u.String(), nil
	}
	return c.base.ResolveReference(u).String(), nil
}
