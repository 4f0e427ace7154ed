package tilegate

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// MBTiles stores tiles in a single SQLite file under the canonical MBTiles
// schema. Rows are persisted in TMS; every public method speaks XYZ and the
// flip happens here and nowhere else.
type MBTiles struct {
	logger *log.Logger
	path   string
	pool   *sqlitex.Pool
}

var _ TileStorage = (*MBTiles)(nil)

var mbtilesSchema = []string{
	"CREATE TABLE IF NOT EXISTS metadata (name TEXT PRIMARY KEY, value TEXT)",
	"CREATE TABLE IF NOT EXISTS tiles (zoom_level INTEGER NOT NULL, tile_column INTEGER NOT NULL, tile_row INTEGER NOT NULL, tile_data BLOB, hash TEXT, created BIGINT, UNIQUE (zoom_level, tile_column, tile_row))",
}

var mbtilesMigrations = []string{
	"ALTER TABLE tiles ADD COLUMN hash TEXT",
	"ALTER TABLE tiles ADD COLUMN created BIGINT",
}

// OpenMBTiles opens an MBTiles file, creating schema and file when create is
// set. Existing files from other producers are migrated in place.
func OpenMBTiles(ctx context.Context, logger *log.Logger, path string, create bool, timeout time.Duration) (*MBTiles, error) {
	pool, err := openSQLitePool(ctx, path, create, timeout, mbtilesSchema)
	if err != nil {
		return nil, err
	}
	m := &MBTiles{logger: logger, path: path, pool: pool}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer pool.Put(conn)
	migrateColumns(logger, conn, mbtilesMigrations)
	// the row scheme is pinned, everything else is caller metadata
	if err := upsertMetadataRows(conn, map[string]string{"scheme": SchemeTMS.String()}); err != nil {
		pool.Close()
		return nil, err
	}
	return m, nil
}

func (m *MBTiles) Kind() SourceKind {
	return SourceMBTiles
}

// Path returns the backing file, used by download and md5 responses.
func (m *MBTiles) Path() string {
	return m.path
}

func (m *MBTiles) Close() error {
	return m.pool.Close()
}

func (m *MBTiles) GetTile(ctx context.Context, z uint8, x uint32, y uint32) ([]byte, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer m.pool.Put(conn)

	stmt := conn.Prep("SELECT tile_data FROM tiles WHERE zoom_level = ?1 AND tile_column = ?2 AND tile_row = ?3")
	stmt.BindInt64(1, int64(z))
	stmt.BindInt64(2, int64(x))
	stmt.BindInt64(3, int64(FlipY(z, y)))
	defer func() {
		stmt.ClearBindings()
		stmt.Reset()
	}()

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", TileKey(z, x, y), err)
	}
	if !hasRow {
		return nil, ErrTileNotExist
	}
	data, err := io.ReadAll(stmt.ColumnReader(0))
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", TileKey(z, x, y), err)
	}
	return data, nil
}

func (m *MBTiles) PutTile(ctx context.Context, z uint8, x uint32, y uint32, data []byte, storeTransparent bool) error {
	if skipTileWrite(data, storeTransparent) {
		return nil
	}
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer m.pool.Put(conn)

	stmt := conn.Prep("INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data, hash, created) VALUES (?1, ?2, ?3, ?4, ?5, ?6)")
	stmt.BindInt64(1, int64(z))
	stmt.BindInt64(2, int64(x))
	stmt.BindInt64(3, int64(FlipY(z, y)))
	stmt.BindBytes(4, data)
	stmt.BindText(5, CalculateMD5(data))
	stmt.BindInt64(6, nowMilli())
	defer func() {
		stmt.ClearBindings()
		stmt.Reset()
	}()

	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("failed to write tile %s: %w", TileKey(z, x, y), err)
	}
	return nil
}

func (m *MBTiles) RemoveTile(ctx context.Context, z uint8, x uint32, y uint32) error {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer m.pool.Put(conn)

	stmt := conn.Prep("DELETE FROM tiles WHERE zoom_level = ?1 AND tile_column = ?2 AND tile_row = ?3")
	stmt.BindInt64(1, int64(z))
	stmt.BindInt64(2, int64(x))
	stmt.BindInt64(3, int64(FlipY(z, y)))
	defer func() {
		stmt.ClearBindings()
		stmt.Reset()
	}()

	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("failed to remove tile %s: %w", TileKey(z, x, y), err)
	}
	return nil
}

func (m *MBTiles) GetMetadata(ctx context.Context) (*TileJSON, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer m.pool.Put(conn)

	rows, err := readMetadataRows(conn)
	if err != nil {
		return nil, err
	}
	tj, err := parseMetadataRows(rows)
	if err != nil {
		return nil, err
	}
	tj.Scheme = SchemeTMS.String()

	if _, ok := rows["minzoom"]; !ok {
		if err := deriveZoomRange(conn, "tiles", tj); err != nil {
			return nil, err
		}
	}
	if tj.Bounds == nil {
		extents, err := queryZoomExtents(conn, "tiles")
		if err != nil {
			return nil, err
		}
		tj.Bounds = boundsFromZoomExtents(extents, SchemeTMS)
	}
	if tj.Format == "" {
		sample, err := m.sampleTile(conn)
		if err == nil && sample != nil {
			if format, _, err := DetectTileFormat(sample); err == nil {
				tj.Format = format.String()
			}
		}
	}
	if tj.Format == FormatPBF.String() && len(tj.VectorLayers) == 0 {
		layers, err := deriveVectorLayers(func(limit, offset int) ([][]byte, error) {
			return pageTileBlobs(conn, "SELECT tile_data FROM tiles WHERE tile_data IS NOT NULL ORDER BY zoom_level, tile_column, tile_row LIMIT ?1 OFFSET ?2", limit, offset)
		})
		if err != nil {
			return nil, err
		}
		tj.VectorLayers = layers
	}
	tj.ApplyDefaults()
	return tj, nil
}

func (m *MBTiles) UpdateMetadata(ctx context.Context, partial map[string]any) error {
	rows := make(map[string]string, len(partial))
	for key, value := range partial {
		if key == "scheme" {
			continue
		}
		encoded, err := encodeMetadataValue(key, value)
		if err != nil {
			return err
		}
		rows[metadataRowKey(key)] = encoded
	}
	if len(rows) == 0 {
		return nil
	}
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer m.pool.Put(conn)
	return upsertMetadataRows(conn, rows)
}

func (m *MBTiles) CountTiles(ctx context.Context) (int64, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer m.pool.Put(conn)
	return queryInt64(conn, "SELECT count(*) FROM tiles")
}

func (m *MBTiles) Size(ctx context.Context) (int64, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", m.path, err)
	}
	return info.Size(), nil
}

func (m *MBTiles) GetExtraInfoForCoverages(ctx context.Context, coverages []Coverage, kind ExtraInfoKind) (map[string]ExtraInfo, error) {
	bounds, err := GetTileBounds(coverages, SchemeTMS)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ExtraInfo)
	if len(bounds.Bounds) == 0 {
		return out, nil
	}
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer m.pool.Put(conn)

	stmt, _, err := conn.PrepareTransient(extraInfoSelect("tiles", kind, len(bounds.Bounds)))
	if err != nil {
		return nil, fmt.Errorf("failed to query extra info: %w", err)
	}
	defer stmt.Finalize()
	bindTileBounds(stmt, bounds.Bounds)
	if err := scanExtraInfoRows(stmt, kind, SchemeTMS, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CalculateExtraInfo fills hash and created for rows where the hash is NULL,
// one page of 1000 per transaction so readers are not starved.
func (m *MBTiles) CalculateExtraInfo(ctx context.Context) error {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer m.pool.Put(conn)

	missing, err := queryInt64(conn, "SELECT count(*) FROM tiles WHERE hash IS NULL")
	if err != nil {
		return err
	}
	progress := getProgressWriter().NewCountProgress(missing, "calculating extra info")
	defer progress.Close()

	for {
		page, err := m.readNullHashPage(conn)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := m.fillExtraInfoPage(conn, page); err != nil {
			return err
		}
		progress.Add(len(page))
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

type extraInfoRow struct {
	z    uint8
	x, y uint32
	hash string
}

func (m *MBTiles) readNullHashPage(conn *sqlite.Conn) ([]extraInfoRow, error) {
	stmt := conn.Prep("SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles WHERE hash IS NULL LIMIT ?1")
	stmt.BindInt64(1, derivePageSize)
	defer func() {
		stmt.ClearBindings()
		stmt.Reset()
	}()

	var page []extraInfoRow
	for {
		row, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to scan tiles: %w", err)
		}
		if !row {
			return page, nil
		}
		data, err := io.ReadAll(stmt.ColumnReader(3))
		if err != nil {
			return nil, err
		}
		page = append(page, extraInfoRow{
			z:    uint8(stmt.ColumnInt64(0)),
			x:    uint32(stmt.ColumnInt64(1)),
			y:    uint32(stmt.ColumnInt64(2)),
			hash: CalculateMD5(data),
		})
	}
}

func (m *MBTiles) fillExtraInfoPage(conn *sqlite.Conn, page []extraInfoRow) (err error) {
	defer sqlitex.Save(conn)(&err)
	stmt := conn.Prep("UPDATE tiles SET hash = ?4, created = COALESCE(created, ?5) WHERE zoom_level = ?1 AND tile_column = ?2 AND tile_row = ?3")
	for _, row := range page {
		stmt.BindInt64(1, int64(row.z))
		stmt.BindInt64(2, int64(row.x))
		stmt.BindInt64(3, int64(row.y))
		stmt.BindText(4, row.hash)
		stmt.BindInt64(5, nowMilli())
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("failed to update extra info: %w", err)
		}
		stmt.ClearBindings()
		if err := stmt.Reset(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MBTiles) AddOverviews(ctx context.Context, concurrency int, tileSize int) error {
	return generateOverviews(ctx, m.logger, m, m.tilesAtZoom, concurrency, tileSize)
}

// tilesAtZoom lists the XYZ coordinates present at one zoom level.
func (m *MBTiles) tilesAtZoom(ctx context.Context, z uint8) ([][2]uint32, error) {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer m.pool.Put(conn)

	stmt := conn.Prep("SELECT tile_column, tile_row FROM tiles WHERE zoom_level = ?1")
	stmt.BindInt64(1, int64(z))
	defer func() {
		stmt.ClearBindings()
		stmt.Reset()
	}()

	var coords [][2]uint32
	for {
		row, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to list tiles at zoom %d: %w", z, err)
		}
		if !row {
			return coords, nil
		}
		x := uint32(stmt.ColumnInt64(0))
		y := FlipY(z, uint32(stmt.ColumnInt64(1)))
		coords = append(coords, [2]uint32{x, y})
	}
}

// Compact reclaims space after deletes. VACUUM rewrites the whole file and
// needs matching free disk.
func (m *MBTiles) Compact(ctx context.Context) error {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer m.pool.Put(conn)
	if err := sqlitex.ExecuteTransient(conn, "VACUUM", nil); err != nil {
		return fmt.Errorf("failed to vacuum %s: %w", m.path, err)
	}
	return nil
}

func (m *MBTiles) sampleTile(conn *sqlite.Conn) ([]byte, error) {
	stmt, _, err := conn.PrepareTransient("SELECT tile_data FROM tiles WHERE tile_data IS NOT NULL LIMIT 1")
	if err != nil {
		return nil, err
	}
	defer stmt.Finalize()
	row, err := stmt.Step()
	if err != nil || !row {
		return nil, err
	}
	return io.ReadAll(stmt.ColumnReader(0))
}

// queryInt64 runs a single-value query.
func queryInt64(conn *sqlite.Conn, query string) (int64, error) {
	stmt, _, err := conn.PrepareTransient(query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare %q: %w", query, err)
	}
	defer stmt.Finalize()
	row, err := stmt.Step()
	if err != nil {
		return 0, fmt.Errorf("failed to run %q: %w", query, err)
	}
	if !row {
		return 0, nil
	}
	return stmt.ColumnInt64(0), nil
}

// deriveZoomRange fills minzoom/maxzoom from the tile rows of table.
func deriveZoomRange(conn *sqlite.Conn, table string, tj *TileJSON) error {
	stmt, _, err := conn.PrepareTransient(fmt.Sprintf("SELECT MIN(zoom_level), MAX(zoom_level) FROM %s", table))
	if err != nil {
		return fmt.Errorf("failed to derive zoom range: %w", err)
	}
	defer stmt.Finalize()
	row, err := stmt.Step()
	if err != nil {
		return fmt.Errorf("failed to derive zoom range: %w", err)
	}
	if !row || stmt.ColumnType(0) == sqlite.TypeNull {
		return nil
	}
	tj.MinZoom = uint8(stmt.ColumnInt64(0))
	tj.MaxZoom = uint8(stmt.ColumnInt64(1))
	return nil
}

// queryZoomExtents reads the per-zoom tile rectangle of table in its native
// scheme.
func queryZoomExtents(conn *sqlite.Conn, table string) ([]zoomExtent, error) {
	stmt, _, err := conn.PrepareTransient(fmt.Sprintf(
		"SELECT zoom_level, MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row) FROM %s GROUP BY zoom_level", table))
	if err != nil {
		return nil, fmt.Errorf("failed to query zoom extents: %w", err)
	}
	defer stmt.Finalize()

	var extents []zoomExtent
	for {
		row, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to query zoom extents: %w", err)
		}
		if !row {
			return extents, nil
		}
		extents = append(extents, zoomExtent{
			zoom: uint8(stmt.ColumnInt64(0)),
			xMin: uint32(stmt.ColumnInt64(1)),
			xMax: uint32(stmt.ColumnInt64(2)),
			yMin: uint32(stmt.ColumnInt64(3)),
			yMax: uint32(stmt.ColumnInt64(4)),
		})
	}
}

// pageTileBlobs collects one limit/offset window of tile blobs.
func pageTileBlobs(conn *sqlite.Conn, query string, limit, offset int) ([][]byte, error) {
	stmt := conn.Prep(query)
	stmt.BindInt64(1, int64(limit))
	stmt.BindInt64(2, int64(offset))
	defer func() {
		stmt.ClearBindings()
		stmt.Reset()
	}()

	var blobs [][]byte
	for {
		row, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to page tiles: %w", err)
		}
		if !row {
			return blobs, nil
		}
		blob, err := io.ReadAll(stmt.ColumnReader(0))
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
}
