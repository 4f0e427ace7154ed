package tilegate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func openTestMBTiles(t *testing.T) (*MBTiles, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mbtiles")
	m, err := OpenMBTiles(context.Background(), discardLogger(), path, true, time.Second)
	if err != nil {
		t.Fatalf("failed to open mbtiles: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, path
}

func TestMBTilesRoundTrip(t *testing.T) {
	m, _ := openTestMBTiles(t)
	ctx := context.Background()
	assert.Equal(t, SourceMBTiles, m.Kind())

	data := encodeTestPNG(t, true)
	assert.Nil(t, m.PutTile(ctx, 2, 1, 1, data, true))

	got, err := m.GetTile(ctx, 2, 1, 1)
	assert.Nil(t, err)
	assert.Equal(t, data, got)

	_, err = m.GetTile(ctx, 2, 0, 0)
	assert.ErrorIs(t, err, ErrTileNotExist)

	// a second put replaces the row
	other := encodeTestMVT(t, "roads")
	assert.Nil(t, m.PutTile(ctx, 2, 1, 1, other, true))
	got, err = m.GetTile(ctx, 2, 1, 1)
	assert.Nil(t, err)
	assert.Equal(t, other, got)

	count, err := m.CountTiles(ctx)
	assert.Nil(t, err)
	assert.Equal(t, int64(1), count)

	size, err := m.Size(ctx)
	assert.Nil(t, err)
	assert.Greater(t, size, int64(0))

	assert.Nil(t, m.RemoveTile(ctx, 2, 1, 1))
	_, err = m.GetTile(ctx, 2, 1, 1)
	assert.ErrorIs(t, err, ErrTileNotExist)
}

func TestMBTilesRowsStoredInTMS(t *testing.T) {
	m, path := openTestMBTiles(t)
	ctx := context.Background()

	assert.Nil(t, m.PutTile(ctx, 2, 1, 1, encodeTestPNG(t, true), true))
	assert.Nil(t, m.Close())

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	assert.Nil(t, err)
	defer conn.Close()

	stmt, _, err := conn.PrepareTransient("SELECT zoom_level, tile_column, tile_row FROM tiles")
	assert.Nil(t, err)
	defer stmt.Finalize()
	row, err := stmt.Step()
	assert.Nil(t, err)
	if assert.True(t, row) {
		assert.Equal(t, int64(2), stmt.ColumnInt64(0))
		assert.Equal(t, int64(1), stmt.ColumnInt64(1))
		// XYZ y=1 lands in row 2 at zoom 2
		assert.Equal(t, int64(2), stmt.ColumnInt64(2))
	}
}

func TestMBTilesOpensForeignFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.mbtiles")
	ctx := context.Background()

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	assert.Nil(t, err)
	for _, text := range []string{
		"CREATE TABLE metadata (name TEXT, value TEXT)",
		"CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)",
		"INSERT INTO tiles VALUES (2, 1, 2, x'01020304')",
		"INSERT INTO metadata VALUES ('name', 'legacy')",
		"INSERT INTO metadata VALUES ('format', 'png')",
	} {
		assert.Nil(t, sqlitex.ExecuteTransient(conn, text, nil))
	}
	assert.Nil(t, conn.Close())

	m, err := OpenMBTiles(ctx, discardLogger(), path, false, time.Second)
	assert.Nil(t, err)
	defer m.Close()

	// the TMS row 2 answers the XYZ request for y=1
	got, err := m.GetTile(ctx, 2, 1, 1)
	assert.Nil(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
	_, err = m.GetTile(ctx, 2, 1, 2)
	assert.ErrorIs(t, err, ErrTileNotExist)

	// migration added the extra-info columns, so writes work
	data := encodeTestPNG(t, true)
	assert.Nil(t, m.PutTile(ctx, 0, 0, 0, data, true))
	infos, err := m.GetExtraInfoForCoverages(ctx, []Coverage{{Zoom: 0, BBox: WorldBBox}}, ExtraInfoHash)
	assert.Nil(t, err)
	assert.Equal(t, CalculateMD5(data), infos["0/0/0"].Hash)

	tj, err := m.GetMetadata(ctx)
	assert.Nil(t, err)
	assert.Equal(t, "legacy", tj.Name)
}

func TestMBTilesOpenMissingFile(t *testing.T) {
	_, err := OpenMBTiles(context.Background(), discardLogger(), filepath.Join(t.TempDir(), "nope.mbtiles"), false, time.Second)
	assert.ErrorIs(t, err, ErrSourceNotExist)
}

func TestMBTilesTransparentSuppression(t *testing.T) {
	m, _ := openTestMBTiles(t)
	ctx := context.Background()
	transparent := encodeTestPNG(t, false)

	assert.Nil(t, m.PutTile(ctx, 1, 0, 0, transparent, false))
	_, err := m.GetTile(ctx, 1, 0, 0)
	assert.ErrorIs(t, err, ErrTileNotExist)

	assert.Nil(t, m.PutTile(ctx, 1, 0, 0, transparent, true))
	got, err := m.GetTile(ctx, 1, 0, 0)
	assert.Nil(t, err)
	assert.Equal(t, transparent, got)
}

func TestMBTilesMetadata(t *testing.T) {
	m, _ := openTestMBTiles(t)
	ctx := context.Background()

	assert.Nil(t, m.UpdateMetadata(ctx, map[string]any{
		"name":        "test",
		"format":      "png",
		"attribution": "© test",
		// the row scheme is pinned and silently kept
		"scheme": "xyz",
	}))
	assert.Nil(t, m.PutTile(ctx, 1, 0, 0, encodeTestPNG(t, true), true))
	assert.Nil(t, m.PutTile(ctx, 2, 3, 3, encodeTestPNG(t, true), true))

	tj, err := m.GetMetadata(ctx)
	assert.Nil(t, err)
	assert.Equal(t, "test", tj.Name)
	assert.Equal(t, "png", tj.Format)
	assert.Equal(t, "© test", tj.Attribution)
	assert.Equal(t, "tms", tj.Scheme)
	assert.Equal(t, "2.2.0", tj.TileJSON)
	assert.Equal(t, uint8(1), tj.MinZoom)
	assert.Equal(t, uint8(2), tj.MaxZoom)
	if assert.NotNil(t, tj.Bounds) {
		assert.Equal(t, float64(-180), tj.Bounds[0])
		assert.Less(t, tj.Bounds[1], tj.Bounds[3])
	}
}

func TestMBTilesMetadataSniffsFormat(t *testing.T) {
	m, _ := openTestMBTiles(t)
	ctx := context.Background()

	assert.Nil(t, m.PutTile(ctx, 0, 0, 0, encodeTestPNG(t, true), true))
	tj, err := m.GetMetadata(ctx)
	assert.Nil(t, err)
	assert.Equal(t, "png", tj.Format)
}

func TestMBTilesMetadataDerivesVectorLayers(t *testing.T) {
	m, _ := openTestMBTiles(t)
	ctx := context.Background()

	assert.Nil(t, m.UpdateMetadata(ctx, map[string]any{"format": "pbf"}))
	assert.Nil(t, m.PutTile(ctx, 0, 0, 0, encodeTestMVT(t, "water", "roads"), true))

	tj, err := m.GetMetadata(ctx)
	assert.Nil(t, err)
	if assert.Len(t, tj.VectorLayers, 2) {
		assert.Equal(t, "roads", tj.VectorLayers[0].ID)
		assert.Equal(t, "water", tj.VectorLayers[1].ID)
	}
}

func TestMBTilesExtraInfo(t *testing.T) {
	m, _ := openTestMBTiles(t)
	ctx := context.Background()
	stubNow(t, 111)

	data := encodeTestPNG(t, true)
	assert.Nil(t, m.PutTile(ctx, 1, 0, 0, data, true))

	hashes, err := m.GetExtraInfoForCoverages(ctx, []Coverage{{Zoom: 1, BBox: WorldBBox}}, ExtraInfoHash)
	assert.Nil(t, err)
	assert.Equal(t, map[string]ExtraInfo{"1/0/0": {Hash: CalculateMD5(data)}}, hashes)

	created, err := m.GetExtraInfoForCoverages(ctx, []Coverage{{Zoom: 1, BBox: WorldBBox}}, ExtraInfoCreated)
	assert.Nil(t, err)
	assert.Equal(t, int64(111), created["1/0/0"].Created)

	empty, err := m.GetExtraInfoForCoverages(ctx, nil, ExtraInfoHash)
	assert.Nil(t, err)
	assert.Empty(t, empty)
}

func TestMBTilesCalculateExtraInfo(t *testing.T) {
	m, path := openTestMBTiles(t)
	ctx := context.Background()

	data := encodeTestPNG(t, true)
	assert.Nil(t, m.PutTile(ctx, 2, 1, 1, data, true))
	assert.Nil(t, m.Close())

	// simulate rows written by a producer that predates extra-info
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite)
	assert.Nil(t, err)
	assert.Nil(t, sqlitex.ExecuteTransient(conn, "UPDATE tiles SET hash = NULL, created = NULL", nil))
	assert.Nil(t, conn.Close())

	m, err = OpenMBTiles(ctx, discardLogger(), path, false, time.Second)
	assert.Nil(t, err)
	defer m.Close()

	before, err := m.GetExtraInfoForCoverages(ctx, []Coverage{{Zoom: 2, BBox: WorldBBox}}, ExtraInfoHash)
	assert.Nil(t, err)
	assert.Empty(t, before)

	assert.Nil(t, m.CalculateExtraInfo(ctx))

	after, err := m.GetExtraInfoForCoverages(ctx, []Coverage{{Zoom: 2, BBox: WorldBBox}}, ExtraInfoHash)
	assert.Nil(t, err)
	assert.Equal(t, CalculateMD5(data), after["2/1/1"].Hash)
	createdRows, err := m.GetExtraInfoForCoverages(ctx, []Coverage{{Zoom: 2, BBox: WorldBBox}}, ExtraInfoCreated)
	assert.Nil(t, err)
	assert.Greater(t, createdRows["2/1/1"].Created, int64(0))
}

func TestMBTilesCompact(t *testing.T) {
	m, _ := openTestMBTiles(t)
	ctx := context.Background()

	keep := encodeTestPNG(t, true)
	assert.Nil(t, m.PutTile(ctx, 1, 0, 0, keep, true))
	assert.Nil(t, m.PutTile(ctx, 1, 1, 1, encodeTestPNG(t, true), true))
	assert.Nil(t, m.RemoveTile(ctx, 1, 1, 1))

	assert.Nil(t, m.Compact(ctx))

	got, err := m.GetTile(ctx, 1, 0, 0)
	assert.Nil(t, err)
	assert.Equal(t, keep, got)
}
