package tilegate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDataRoot is used when DATA_DIR is not set.
const DefaultDataRoot = "data"

// Config is the declarative registry document, read once at startup. Every
// map is keyed by the public id the HTTP routes use.
type Config struct {
	Styles   map[string]AssetConfig            `json:"styles,omitempty"`
	Fonts    map[string]AssetConfig            `json:"fonts,omitempty"`
	Sprites  map[string]AssetConfig            `json:"sprites,omitempty"`
	GeoJSONs map[string]map[string]AssetConfig `json:"geojsons,omitempty"`
	Datas    map[string]DataConfig             `json:"datas,omitempty"`
	Seeds    map[string]SeedConfig             `json:"seeds,omitempty"`
	Cleanups map[string]CleanupConfig          `json:"cleanups,omitempty"`
}

// AssetConfig declares a file-backed resource: a style, sprite set, glyph
// family or geojson layer. An empty URL means the files are local only.
type AssetConfig struct {
	// URL is the upstream template. Sprites substitute {name}, fonts
	// substitute {range}; styles and geojsons use the URL as-is.
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	StoreCache *bool             `json:"storeCache,omitempty"`
	MaxTry     int               `json:"maxTry,omitempty"`
}

// Forward builds the fetch settings of an asset entry, nil when the entry is
// local only. Fetched files are kept unless storeCache says otherwise.
func (c *AssetConfig) Forward() *Forward {
	if c.URL == "" {
		return nil
	}
	storeCache := true
	if c.StoreCache != nil {
		storeCache = *c.StoreCache
	}
	return &Forward{
		SourceURL:  c.URL,
		Headers:    c.Headers,
		StoreCache: storeCache,
		MaxTry:     c.MaxTry,
	}
}

// DataConfig declares one tile source. Exactly one of the four backend
// fields or the cache sub-object must be set: a backend field points at an
// existing direct source under the data root, while cache declares a
// backend of the given kind under caches/, created on demand and filled
// through the seed entry with the same id.
type DataConfig struct {
	MBTiles string `json:"mbtiles,omitempty"`
	PMTiles string `json:"pmtiles,omitempty"`
	XYZ     string `json:"xyz,omitempty"`
	PG      string `json:"pg,omitempty"`

	Cache *CacheConfig `json:"cache,omitempty"`

	// TileJSON overrides metadata derived from the backend.
	TileJSON map[string]any `json:"tileJSON,omitempty"`
}

// CacheConfig declares the backend of a cached source.
type CacheConfig struct {
	Kind string `json:"kind"`
	// Format names the tile file extension of xyz trees. Other kinds sniff.
	Format string `json:"format,omitempty"`
}

// Backend reports the configured backend kind, the path value of a direct
// source, and whether the entry is cache-backed.
func (c *DataConfig) Backend() (SourceKind, string, bool, error) {
	type option struct {
		kind  SourceKind
		value string
	}
	var picked []option
	if c.MBTiles != "" {
		picked = append(picked, option{SourceMBTiles, c.MBTiles})
	}
	if c.PMTiles != "" {
		picked = append(picked, option{SourcePMTiles, c.PMTiles})
	}
	if c.XYZ != "" {
		picked = append(picked, option{SourceXYZ, c.XYZ})
	}
	if c.PG != "" {
		picked = append(picked, option{SourcePostgres, c.PG})
	}
	if c.Cache != nil {
		kind, err := ParseSourceKind(c.Cache.Kind)
		if err != nil {
			return 0, "", false, err
		}
		if kind == SourcePMTiles {
			return 0, "", false, fmt.Errorf("pmtiles sources cannot be cache-backed")
		}
		picked = append(picked, option{kind, ""})
	}
	if len(picked) != 1 {
		return 0, "", false, fmt.Errorf("exactly one of mbtiles, pmtiles, xyz, pg or cache must be set")
	}
	return picked[0].kind, picked[0].value, c.Cache != nil, nil
}

// SeedConfig declares both the upstream of a cache-backed source and the
// export run that pre-fills it.
type SeedConfig struct {
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Scheme is the upstream's y direction, xyz unless said otherwise.
	Scheme           string `json:"scheme,omitempty"`
	StoreCache       *bool  `json:"storeCache,omitempty"`
	StoreTransparent bool   `json:"storeTransparent,omitempty"`
	MaxTry           int    `json:"maxTry,omitempty"`

	Concurrency int        `json:"concurrency,omitempty"`
	Coverages   []Coverage `json:"coverages,omitempty"`
	// RefreshBefore takes an ISO date or datetime string, a number of days,
	// or true for the hash compare.
	RefreshBefore any            `json:"refreshBefore,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Forward builds the resolver settings of a seed entry, nil when no upstream
// is declared. StoreCache defaults to on; a cache-backed source exists to be
// filled.
func (c *SeedConfig) Forward() (*Forward, error) {
	if c.URL == "" {
		return nil, nil
	}
	scheme := SchemeXYZ
	if c.Scheme != "" {
		parsed, err := ParseScheme(c.Scheme)
		if err != nil {
			return nil, err
		}
		scheme = parsed
	}
	storeCache := true
	if c.StoreCache != nil {
		storeCache = *c.StoreCache
	}
	return &Forward{
		SourceURL:        c.URL,
		Headers:          c.Headers,
		Scheme:           scheme,
		StoreCache:       storeCache,
		StoreTransparent: c.StoreTransparent,
		MaxTry:           c.MaxTry,
	}, nil
}

// CleanupConfig declares a pruning run over one source.
type CleanupConfig struct {
	Coverages []Coverage `json:"coverages,omitempty"`
	// CleanBefore takes an ISO date or datetime string or a number of days;
	// tiles created before the cutoff are removed. Absent means every tile
	// in the coverage goes.
	CleanBefore any `json:"cleanBefore,omitempty"`
	Concurrency int `json:"concurrency,omitempty"`
}

// LoadConfig reads and decodes the registry document.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// DataDir resolves the persisted layout under one root directory. All
// returned paths are derived, never stat'ed.
type DataDir struct {
	Root string
}

// NewDataDir defaults an empty root.
func NewDataDir(root string) DataDir {
	if root == "" {
		root = DefaultDataRoot
	}
	return DataDir{Root: root}
}

func (d DataDir) ConfigPath() string {
	return filepath.Join(d.Root, "config.json")
}

// MBTilesPath locates a direct mbtiles source. name may omit the extension.
func (d DataDir) MBTilesPath(name string) string {
	if !strings.HasSuffix(name, ".mbtiles") {
		name += ".mbtiles"
	}
	return filepath.Join(d.Root, "mbtiles", name)
}

// PMTilesPath locates a direct pmtiles source. Bucket and HTTP locations
// pass through untouched.
func (d DataDir) PMTilesPath(name string) string {
	if strings.Contains(name, "://") {
		return name
	}
	if !strings.HasSuffix(name, ".pmtiles") {
		name += ".pmtiles"
	}
	return filepath.Join(d.Root, "pmtiles", name)
}

// XYZPath locates a direct xyz tile root. The companion index sits next to
// it at XYZIndexPath.
func (d DataDir) XYZPath(name string) string {
	return filepath.Join(d.Root, "xyzs", name)
}

// CachePath locates the backing of a cache-backed source: a tile root for
// xyz, a database file for mbtiles. pg sources live in the database server,
// not under the data root.
func (d DataDir) CachePath(kind SourceKind, id string) string {
	base := filepath.Join(d.Root, "caches", kind.String()+"s")
	if kind == SourceMBTiles {
		return filepath.Join(base, id+".mbtiles")
	}
	return filepath.Join(base, id)
}

// FontDir holds the range files of one glyph family.
func (d DataDir) FontDir(family string) string {
	return filepath.Join(d.Root, "fonts", family)
}

// FallbacksDir holds the bundled fallback glyph families.
func (d DataDir) FallbacksDir() string {
	return filepath.Join(d.Root, "fallbacks")
}

// SpriteDir holds the sprite sheets of one sprite id.
func (d DataDir) SpriteDir(id string) string {
	return filepath.Join(d.Root, "sprites", id)
}

// StyleDir holds the style.json of one style id.
func (d DataDir) StyleDir(id string) string {
	return filepath.Join(d.Root, "styles", id)
}

// GeoJSONDir holds the layer files of one geojson group.
func (d DataDir) GeoJSONDir(group string) string {
	return filepath.Join(d.Root, "geojsons", group)
}

// StyleFileName is the single file a style store serves.
const StyleFileName = "style.json"

// GeoJSONFileName renders the file name of a geojson layer.
func GeoJSONFileName(layer string) string {
	return layer + ".geojson"
}
