package tilegate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	doc := `{
		"styles": {"basic": {"url": "https://assets.test/style.json"}},
		"fonts": {"Noto Sans Regular": {"url": "https://fonts.test/noto/{range}.pbf"}},
		"sprites": {"basic": {}},
		"geojsons": {"boundaries": {"countries": {"url": "https://geo.test/countries.geojson"}}},
		"datas": {
			"osm": {"mbtiles": "osm"},
			"sat": {"cache": {"kind": "xyz", "format": "png"}, "tileJSON": {"name": "Satellite"}}
		},
		"seeds": {
			"sat": {
				"url": "https://tiles.test/{z}/{x}/{y}.png",
				"scheme": "tms",
				"storeTransparent": true,
				"maxTry": 3,
				"concurrency": 8,
				"coverages": [{"zoom": 2, "bbox": [-180, -85, 180, 85]}],
				"refreshBefore": true
			}
		},
		"cleanups": {
			"sat": {"coverages": [{"zoom": 2, "bbox": [-180, -85, 180, 85]}], "cleanBefore": "2026-01-01"}
		}
	}`
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	assert.Nil(t, err)
	assert.Equal(t, "https://assets.test/style.json", cfg.Styles["basic"].URL)
	assert.Contains(t, cfg.Fonts, "Noto Sans Regular")
	assert.Contains(t, cfg.Sprites, "basic")
	assert.Equal(t, "https://geo.test/countries.geojson", cfg.GeoJSONs["boundaries"]["countries"].URL)
	assert.Equal(t, "osm", cfg.Datas["osm"].MBTiles)
	assert.Equal(t, "xyz", cfg.Datas["sat"].Cache.Kind)
	assert.Equal(t, "Satellite", cfg.Datas["sat"].TileJSON["name"])

	seed := cfg.Seeds["sat"]
	assert.Equal(t, "tms", seed.Scheme)
	assert.Equal(t, 3, seed.MaxTry)
	assert.Equal(t, 8, seed.Concurrency)
	assert.Equal(t, uint8(2), seed.Coverages[0].Zoom)
	assert.Equal(t, true, seed.RefreshBefore)

	cleanup := cfg.Cleanups["sat"]
	assert.Equal(t, "2026-01-01", cleanup.CleanBefore)
	assert.Len(t, cleanup.Coverages, 1)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.NotNil(t, err)

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestDataConfigBackend(t *testing.T) {
	kind, value, cached, err := (&DataConfig{MBTiles: "osm"}).Backend()
	assert.Nil(t, err)
	assert.Equal(t, SourceMBTiles, kind)
	assert.Equal(t, "osm", value)
	assert.False(t, cached)

	kind, _, _, err = (&DataConfig{PMTiles: "planet"}).Backend()
	assert.Nil(t, err)
	assert.Equal(t, SourcePMTiles, kind)

	kind, _, _, err = (&DataConfig{PG: "tiles"}).Backend()
	assert.Nil(t, err)
	assert.Equal(t, SourcePostgres, kind)

	kind, value, cached, err = (&DataConfig{Cache: &CacheConfig{Kind: "xyz"}}).Backend()
	assert.Nil(t, err)
	assert.Equal(t, SourceXYZ, kind)
	assert.Equal(t, "", value)
	assert.True(t, cached)

	_, _, _, err = (&DataConfig{}).Backend()
	assert.ErrorContains(t, err, "exactly one")

	_, _, _, err = (&DataConfig{MBTiles: "a", XYZ: "b"}).Backend()
	assert.ErrorContains(t, err, "exactly one")

	_, _, _, err = (&DataConfig{MBTiles: "a", Cache: &CacheConfig{Kind: "xyz"}}).Backend()
	assert.ErrorContains(t, err, "exactly one")

	_, _, _, err = (&DataConfig{Cache: &CacheConfig{Kind: "pmtiles"}}).Backend()
	assert.ErrorContains(t, err, "cannot be cache-backed")

	_, _, _, err = (&DataConfig{Cache: &CacheConfig{Kind: "carrier-pigeon"}}).Backend()
	assert.ErrorContains(t, err, "unknown source kind")
}

func TestSeedConfigForward(t *testing.T) {
	fwd, err := (&SeedConfig{}).Forward()
	assert.Nil(t, err)
	assert.Nil(t, fwd)

	fwd, err = (&SeedConfig{URL: "https://tiles.test/{z}/{x}/{y}.png"}).Forward()
	assert.Nil(t, err)
	assert.Equal(t, SchemeXYZ, fwd.Scheme)
	assert.True(t, fwd.StoreCache)
	assert.False(t, fwd.StoreTransparent)

	off := false
	fwd, err = (&SeedConfig{
		URL:              "https://tiles.test/{z}/{x}/{y}.png",
		Scheme:           "tms",
		StoreCache:       &off,
		StoreTransparent: true,
		MaxTry:           5,
	}).Forward()
	assert.Nil(t, err)
	assert.Equal(t, SchemeTMS, fwd.Scheme)
	assert.False(t, fwd.StoreCache)
	assert.True(t, fwd.StoreTransparent)
	assert.Equal(t, 5, fwd.MaxTry)

	_, err = (&SeedConfig{URL: "https://tiles.test/{z}/{x}/{y}.png", Scheme: "upside-down"}).Forward()
	assert.NotNil(t, err)
}

func TestAssetConfigForward(t *testing.T) {
	assert.Nil(t, (&AssetConfig{}).Forward())

	fwd := (&AssetConfig{URL: "https://assets.test/{name}"}).Forward()
	assert.True(t, fwd.StoreCache)

	off := false
	fwd = (&AssetConfig{URL: "https://assets.test/{name}", StoreCache: &off}).Forward()
	assert.False(t, fwd.StoreCache)
}

func TestDataDirPaths(t *testing.T) {
	d := NewDataDir("")
	assert.Equal(t, DefaultDataRoot, d.Root)

	d = NewDataDir("/srv/tiles")
	assert.Equal(t, "/srv/tiles/config.json", d.ConfigPath())
	assert.Equal(t, "/srv/tiles/mbtiles/osm.mbtiles", d.MBTilesPath("osm"))
	assert.Equal(t, "/srv/tiles/mbtiles/osm.mbtiles", d.MBTilesPath("osm.mbtiles"))
	assert.Equal(t, "/srv/tiles/pmtiles/planet.pmtiles", d.PMTilesPath("planet"))
	assert.Equal(t, "https://bucket.test/planet.pmtiles", d.PMTilesPath("https://bucket.test/planet.pmtiles"))
	assert.Equal(t, "/srv/tiles/xyzs/osm", d.XYZPath("osm"))
	assert.Equal(t, "/srv/tiles/caches/xyzs/sat", d.CachePath(SourceXYZ, "sat"))
	assert.Equal(t, "/srv/tiles/caches/mbtileses/sat.mbtiles", d.CachePath(SourceMBTiles, "sat"))
	assert.Equal(t, "/srv/tiles/fonts/Noto Sans Regular", d.FontDir("Noto Sans Regular"))
	assert.Equal(t, "/srv/tiles/fallbacks", d.FallbacksDir())
	assert.Equal(t, "/srv/tiles/sprites/basic", d.SpriteDir("basic"))
	assert.Equal(t, "/srv/tiles/styles/basic", d.StyleDir("basic"))
	assert.Equal(t, "/srv/tiles/geojsons/boundaries", d.GeoJSONDir("boundaries"))
	assert.Equal(t, "countries.geojson", GeoJSONFileName("countries"))
}
