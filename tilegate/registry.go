package tilegate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
)

// Registry holds every opened source and file store of the process. It is
// built once at startup from the config document and torn down by Close;
// entries never change in between, a config edit needs a restart.
type Registry struct {
	logger *log.Logger
	dir    DataDir

	sources  map[string]*Source
	styles   map[string]*FileStore
	sprites  map[string]*FileStore
	geojsons map[string]map[string]*FileStore
	fonts    *FontResolver

	seeds    map[string]SeedConfig
	cleanups map[string]CleanupConfig
}

// NewRegistry opens every configured source and wires the asset stores.
// Data entries that fail to open are skipped with a logged error so one
// broken file does not take the whole process down. pgBaseURI is the
// POSTGRESQL_BASE_URI value, only consulted for pg entries.
func NewRegistry(ctx context.Context, logger *log.Logger, dir DataDir, cfg *Config, fetcher *Fetcher, pgBaseURI string) *Registry {
	r := &Registry{
		logger:   logger,
		dir:      dir,
		sources:  make(map[string]*Source, len(cfg.Datas)),
		styles:   make(map[string]*FileStore, len(cfg.Styles)),
		sprites:  make(map[string]*FileStore, len(cfg.Sprites)),
		geojsons: make(map[string]map[string]*FileStore, len(cfg.GeoJSONs)),
		seeds:    cfg.Seeds,
		cleanups: cfg.Cleanups,
	}

	for _, id := range sortedKeys(cfg.Datas) {
		src, err := r.openSource(ctx, id, cfg.Datas[id], cfg.Seeds[id], pgBaseURI, fetcher)
		if err != nil {
			logger.Printf("failed to load source %s: %v", id, err)
			continue
		}
		r.sources[id] = src
	}

	for id, asset := range cfg.Styles {
		r.styles[id] = NewFileStore(logger, dir.StyleDir(id), asset.Forward(), fetcher)
	}
	for id, asset := range cfg.Sprites {
		r.sprites[id] = NewFileStore(logger, dir.SpriteDir(id), asset.Forward(), fetcher)
	}
	for group, layers := range cfg.GeoJSONs {
		stores := make(map[string]*FileStore, len(layers))
		for layer, asset := range layers {
			stores[layer] = NewFileStore(logger, dir.GeoJSONDir(group), asset.Forward(), fetcher)
		}
		r.geojsons[group] = stores
	}

	fontStores := make(map[string]*FileStore, len(cfg.Fonts))
	for family, asset := range cfg.Fonts {
		fontStores[family] = NewFileStore(logger, dir.FontDir(family), asset.Forward(), fetcher)
	}
	r.fonts = NewFontResolver(logger, fontStores, dir.FallbacksDir())

	logger.Printf("registry ready: %d sources, %d styles, %d sprites, %d font families, %d geojson groups",
		len(r.sources), len(r.styles), len(r.sprites), len(fontStores), len(r.geojsons))
	return r
}

// openSource resolves the backing path of a data entry, opens the backend
// and assembles the serving metadata. Cached entries are created on demand
// and inherit the seed entry's forward settings.
func (r *Registry) openSource(ctx context.Context, id string, dc DataConfig, seed SeedConfig, pgBaseURI string, fetcher *Fetcher) (*Source, error) {
	kind, value, cached, err := dc.Backend()
	if err != nil {
		return nil, err
	}

	var path string
	var format TileFormat
	var forward *Forward
	if cached {
		if kind == SourcePostgres {
			path, err = joinPostgresURI(pgBaseURI, id)
		} else {
			path = r.dir.CachePath(kind, id)
		}
		if err != nil {
			return nil, err
		}
		if dc.Cache.Format != "" {
			format, err = ParseTileFormat(dc.Cache.Format)
			if err != nil {
				return nil, err
			}
		}
		forward, err = seed.Forward()
		if err != nil {
			return nil, err
		}
	} else {
		switch kind {
		case SourceMBTiles:
			path = r.dir.MBTilesPath(value)
		case SourcePMTiles:
			path = r.dir.PMTilesPath(value)
		case SourceXYZ:
			path = r.dir.XYZPath(value)
		case SourcePostgres:
			path, err = joinPostgresURI(pgBaseURI, value)
			if err != nil {
				return nil, err
			}
		}
	}

	storage, err := OpenTileStorage(ctx, r.logger, kind, path, format, cached, 0)
	if err != nil {
		return nil, err
	}

	meta, err := storage.GetMetadata(ctx)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	meta, err = mergeTileJSON(meta, dc.TileJSON)
	if err != nil {
		storage.Close()
		return nil, err
	}
	meta.Name = firstNonEmpty(meta.Name, id)
	meta.ApplyDefaults()

	return &Source{
		ID:       id,
		Storage:  storage,
		TileJSON: meta,
		Forward:  forward,
		Path:     path,
	}, nil
}

// mergeTileJSON overlays user-provided document fields onto the derived
// metadata. The overlay happens in JSON space so the override keys match
// what clients see, vector_layers included.
func mergeTileJSON(meta *TileJSON, overrides map[string]any) (*TileJSON, error) {
	if len(overrides) == 0 {
		return meta, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	for key, value := range overrides {
		doc[key] = value
	}
	raw, err = json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tileJSON overrides: %w", err)
	}
	merged := new(TileJSON)
	if err := json.Unmarshal(raw, merged); err != nil {
		return nil, fmt.Errorf("failed to apply tileJSON overrides: %w", err)
	}
	return merged, nil
}

// joinPostgresURI resolves a pg entry against the base URI. Entries carrying
// a full URI pass through, everything else is a database name.
func joinPostgresURI(baseURI string, name string) (string, error) {
	if strings.Contains(name, "://") {
		return name, nil
	}
	if baseURI == "" {
		return "", fmt.Errorf("POSTGRESQL_BASE_URI is not set")
	}
	return strings.TrimRight(baseURI, "/") + "/" + name, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Data returns a registered tile source.
func (r *Registry) Data(id string) (*Source, error) {
	src, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotExist, id)
	}
	return src, nil
}

// DataIDs lists the registered sources in stable order.
func (r *Registry) DataIDs() []string {
	return sortedKeys(r.sources)
}

// Style returns the file store of a style id.
func (r *Registry) Style(id string) (*FileStore, error) {
	store, ok := r.styles[id]
	if !ok {
		return nil, fmt.Errorf("%w: style %s", ErrFileNotExist, id)
	}
	return store, nil
}

// Sprite returns the file store of a sprite id.
func (r *Registry) Sprite(id string) (*FileStore, error) {
	store, ok := r.sprites[id]
	if !ok {
		return nil, fmt.Errorf("%w: sprite %s", ErrFileNotExist, id)
	}
	return store, nil
}

// GeoJSON returns the file store of a geojson group and layer.
func (r *Registry) GeoJSON(group string, layer string) (*FileStore, error) {
	stores, ok := r.geojsons[group]
	if ok {
		store, ok := stores[layer]
		if ok {
			return store, nil
		}
	}
	return nil, fmt.Errorf("%w: geojson %s/%s", ErrFileNotExist, group, layer)
}

// Fonts returns the glyph resolver over every configured family.
func (r *Registry) Fonts() *FontResolver {
	return r.fonts
}

// assetFile pairs a file store with one file name below it.
type assetFile struct {
	store *FileStore
	name  string
}

// assetFiles lists every file an asset id stands for: the style document,
// the sprite variants, the layers of a geojson group and the glyph ranges
// of a font family. An id appearing in several namespaces contributes all
// of them.
func (r *Registry) assetFiles(id string) []assetFile {
	var files []assetFile
	if store, ok := r.styles[id]; ok {
		files = append(files, assetFile{store, StyleFileName})
	}
	if store, ok := r.sprites[id]; ok {
		for _, scale := range []int{1, 2} {
			files = append(files,
				assetFile{store, SpriteName(scale, "json")},
				assetFile{store, SpriteName(scale, "png")})
		}
	}
	if layers, ok := r.geojsons[id]; ok {
		for _, layer := range sortedKeys(layers) {
			files = append(files, assetFile{layers[layer], GeoJSONFileName(layer)})
		}
	}
	if r.fonts != nil {
		if store, ok := r.fonts.Family(id); ok {
			for _, name := range glyphRangeNames() {
				files = append(files, assetFile{store, name})
			}
		}
	}
	return files
}

// Seed returns the seed entry of a source id, if any.
func (r *Registry) Seed(id string) (SeedConfig, bool) {
	seed, ok := r.seeds[id]
	return seed, ok
}

// SeedIDs lists the configured seed entries in stable order.
func (r *Registry) SeedIDs() []string {
	return sortedKeys(r.seeds)
}

// Cleanup returns the cleanup entry of a source id, if any.
func (r *Registry) Cleanup(id string) (CleanupConfig, bool) {
	cleanup, ok := r.cleanups[id]
	return cleanup, ok
}

// CleanupIDs lists the configured cleanup entries in stable order.
func (r *Registry) CleanupIDs() []string {
	return sortedKeys(r.cleanups)
}

// Close releases every backend handle after pending file writes settle.
func (r *Registry) Close() error {
	for _, stores := range r.geojsons {
		for _, store := range stores {
			store.WaitWrites()
		}
	}
	for _, store := range r.styles {
		store.WaitWrites()
	}
	for _, store := range r.sprites {
		store.WaitWrites()
	}
	r.fonts.WaitWrites()

	var firstErr error
	for _, id := range sortedKeys(r.sources) {
		if err := r.sources[id].Storage.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", id, err)
		}
	}
	return firstErr
}
