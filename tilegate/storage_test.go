package tilegate

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// memTileStorage is an in-memory TileStorage for exercising the resolver,
// exporter and overview logic without a database.
type memTileStorage struct {
	mu       sync.Mutex
	kind     SourceKind
	tiles    map[string][]byte
	extra    map[string]ExtraInfo
	meta     TileJSON
	readOnly bool
	failPut  error
	puts     []string
	putDone  chan string
}

var _ TileStorage = (*memTileStorage)(nil)

func newMemStorage(kind SourceKind) *memTileStorage {
	return &memTileStorage{
		kind:  kind,
		tiles: make(map[string][]byte),
		extra: make(map[string]ExtraInfo),
	}
}

func (m *memTileStorage) notifyPut(key string) {
	if m.putDone != nil {
		m.putDone <- key
	}
}

func (m *memTileStorage) Kind() SourceKind { return m.kind }
func (m *memTileStorage) Close() error     { return nil }

func (m *memTileStorage) GetTile(_ context.Context, z uint8, x uint32, y uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.tiles[TileKey(z, x, y)]
	if !ok {
		return nil, ErrTileNotExist
	}
	return data, nil
}

func (m *memTileStorage) PutTile(_ context.Context, z uint8, x uint32, y uint32, data []byte, storeTransparent bool) error {
	key := TileKey(z, x, y)
	defer m.notifyPut(key)
	if m.readOnly {
		return ErrReadOnlySource
	}
	if m.failPut != nil {
		return m.failPut
	}
	if skipTileWrite(data, storeTransparent) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiles[key] = data
	m.extra[key] = ExtraInfo{Hash: CalculateMD5(data), Created: nowMilli()}
	m.puts = append(m.puts, key)
	return nil
}

func (m *memTileStorage) RemoveTile(_ context.Context, z uint8, x uint32, y uint32) error {
	if m.readOnly {
		return ErrReadOnlySource
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := TileKey(z, x, y)
	delete(m.tiles, key)
	delete(m.extra, key)
	return nil
}

func (m *memTileStorage) GetMetadata(_ context.Context) (*TileJSON, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tj := m.meta
	tj.ApplyDefaults()
	return &tj, nil
}

func (m *memTileStorage) UpdateMetadata(_ context.Context, partial map[string]any) error {
	if m.readOnly {
		return ErrReadOnlySource
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range partial {
		switch key {
		case "name":
			m.meta.Name = value.(string)
		case "description":
			m.meta.Description = value.(string)
		case "attribution":
			m.meta.Attribution = value.(string)
		case "format":
			m.meta.Format = fmt.Sprintf("%v", value)
		case "minzoom":
			m.meta.MinZoom = toZoom(value)
		case "maxzoom":
			m.meta.MaxZoom = toZoom(value)
		case "bounds":
			switch b := value.(type) {
			case BBox:
				bb := b
				m.meta.Bounds = &bb
			case *BBox:
				bb := *b
				m.meta.Bounds = &bb
			}
		}
	}
	return nil
}

func toZoom(v any) uint8 {
	switch z := v.(type) {
	case uint8:
		return z
	case int:
		return uint8(z)
	case int64:
		return uint8(z)
	}
	return 0
}

func (m *memTileStorage) CountTiles(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.tiles)), nil
}

func (m *memTileStorage) Size(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, data := range m.tiles {
		total += int64(len(data))
	}
	return total, nil
}

func (m *memTileStorage) GetExtraInfoForCoverages(_ context.Context, coverages []Coverage, kind ExtraInfoKind) (map[string]ExtraInfo, error) {
	bounds, err := GetTileBounds(coverages, SchemeXYZ)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]ExtraInfo)
	for _, b := range bounds.Bounds {
		for x := b.XMin; x <= b.XMax; x++ {
			for y := b.YMin; y <= b.YMax; y++ {
				info, ok := m.extra[TileKey(b.Zoom, x, y)]
				if !ok {
					continue
				}
				if kind == ExtraInfoHash {
					if info.Hash == "" {
						continue
					}
					result[TileKey(b.Zoom, x, y)] = ExtraInfo{Hash: info.Hash}
				} else {
					result[TileKey(b.Zoom, x, y)] = ExtraInfo{Created: info.Created}
				}
			}
		}
	}
	return result, nil
}

func (m *memTileStorage) CalculateExtraInfo(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, data := range m.tiles {
		info := m.extra[key]
		if info.Hash == "" {
			info.Hash = CalculateMD5(data)
			if info.Created == 0 {
				info.Created = nowMilli()
			}
			m.extra[key] = info
		}
	}
	return nil
}

func (m *memTileStorage) AddOverviews(ctx context.Context, concurrency int, tileSize int) error {
	return generateOverviews(ctx, discardLogger(), m, m.tilesAtZoom, concurrency, tileSize)
}

func (m *memTileStorage) tilesAtZoom(_ context.Context, zoom uint8) ([][2]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][2]uint32
	for key := range m.tiles {
		var z uint8
		var x, y uint32
		if _, err := fmt.Sscanf(key, "%d/%d/%d", &z, &x, &y); err != nil {
			return nil, err
		}
		if z == zoom {
			out = append(out, [2]uint32{x, y})
		}
	}
	return out, nil
}

func TestTileKey(t *testing.T) {
	assert.Equal(t, "0/0/0", TileKey(0, 0, 0))
	assert.Equal(t, "14/8621/5759", TileKey(14, 8621, 5759))
}

func TestFlattenExtraInfo(t *testing.T) {
	infos := map[string]ExtraInfo{
		"1/0/0": {Hash: "abc", Created: 123},
		"1/1/0": {Hash: "def", Created: 456},
	}
	hashes := FlattenExtraInfo(infos, ExtraInfoHash)
	assert.Equal(t, "abc", hashes["1/0/0"])
	assert.Equal(t, "def", hashes["1/1/0"])

	created := FlattenExtraInfo(infos, ExtraInfoCreated)
	assert.Equal(t, int64(123), created["1/0/0"])
}

func TestParseSourceKind(t *testing.T) {
	for name, want := range map[string]SourceKind{
		"mbtiles": SourceMBTiles, "pmtiles": SourcePMTiles,
		"xyz": SourceXYZ, "pg": SourcePostgres, "postgresql": SourcePostgres,
	} {
		got, err := ParseSourceKind(name)
		assert.Nil(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSourceKind("csv")
	assert.Error(t, err)
}

func TestNativeScheme(t *testing.T) {
	assert.Equal(t, SchemeTMS, SourceMBTiles.NativeScheme())
	assert.Equal(t, SchemeXYZ, SourcePMTiles.NativeScheme())
	assert.Equal(t, SchemeXYZ, SourceXYZ.NativeScheme())
	assert.Equal(t, SchemeXYZ, SourcePostgres.NativeScheme())
}

func TestSkipTileWrite(t *testing.T) {
	transparent := encodeTestPNG(t, false)
	opaque := encodeTestPNG(t, true)

	assert.True(t, skipTileWrite(transparent, false))
	assert.False(t, skipTileWrite(transparent, true))
	assert.False(t, skipTileWrite(opaque, false))
	// unknown bytes are stored as-is
	assert.False(t, skipTileWrite([]byte{0x00, 0x01}, false))
}

func TestMemStorageRoundTrip(t *testing.T) {
	s := newMemStorage(SourceXYZ)
	ctx := context.Background()

	data := encodeTestPNG(t, true)
	assert.Nil(t, s.PutTile(ctx, 2, 1, 3, data, true))

	got, err := s.GetTile(ctx, 2, 1, 3)
	assert.Nil(t, err)
	assert.Equal(t, data, got)

	_, err = s.GetTile(ctx, 2, 0, 0)
	assert.ErrorIs(t, err, ErrTileNotExist)

	infos, err := s.GetExtraInfoForCoverages(ctx, []Coverage{{Zoom: 2, BBox: WorldBBox}}, ExtraInfoHash)
	assert.Nil(t, err)
	assert.Equal(t, CalculateMD5(data), infos["2/1/3"].Hash)

	assert.Nil(t, s.RemoveTile(ctx, 2, 1, 3))
	_, err = s.GetTile(ctx, 2, 1, 3)
	assert.ErrorIs(t, err, ErrTileNotExist)
}
