package tilegate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Postgres stores tiles in a relational table mirroring the MBTiles schema,
// with BYTEA blobs and XYZ rows. One database per source.
type Postgres struct {
	logger *log.Logger
	uri    string
	pool   *pgxpool.Pool
}

var _ TileStorage = (*Postgres)(nil)

var postgresSchema = []string{
	"CREATE TABLE IF NOT EXISTS metadata (name TEXT PRIMARY KEY, value TEXT)",
	"CREATE TABLE IF NOT EXISTS tiles (zoom_level INTEGER NOT NULL, tile_column BIGINT NOT NULL, tile_row BIGINT NOT NULL, tile_data BYTEA, hash TEXT, created BIGINT, UNIQUE (zoom_level, tile_column, tile_row))",
	"ALTER TABLE tiles ADD COLUMN IF NOT EXISTS hash TEXT",
	"ALTER TABLE tiles ADD COLUMN IF NOT EXISTS created BIGINT",
}

// OpenPostgres connects to the source database and applies schema and
// migrations. The create flag only controls schema setup; databases are
// provisioned outside this process.
func OpenPostgres(ctx context.Context, logger *log.Logger, uri string, create bool, timeout time.Duration) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", uri, err)
	}
	config.ConnConfig.ConnectTimeout = timeout
	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", uri, err)
	}
	p := &Postgres{logger: logger, uri: uri, pool: pool}

	if create {
		for _, stmt := range postgresSchema {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				pool.Close()
				return nil, fmt.Errorf("failed to apply schema: %w", err)
			}
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO metadata (name, value) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value",
			"scheme", SchemeXYZ.String()); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *Postgres) Kind() SourceKind {
	return SourcePostgres
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) GetTile(ctx context.Context, z uint8, x uint32, y uint32) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level = $1 AND tile_column = $2 AND tile_row = $3",
		int(z), int64(x), int64(y)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTileNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", TileKey(z, x, y), err)
	}
	return data, nil
}

func (p *Postgres) PutTile(ctx context.Context, z uint8, x uint32, y uint32, data []byte, storeTransparent bool) error {
	if skipTileWrite(data, storeTransparent) {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data, hash, created)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (zoom_level, tile_column, tile_row)
		 DO UPDATE SET tile_data = EXCLUDED.tile_data, hash = EXCLUDED.hash, created = EXCLUDED.created`,
		int(z), int64(x), int64(y), data, CalculateMD5(data), nowMilli())
	if err != nil {
		return fmt.Errorf("failed to write tile %s: %w", TileKey(z, x, y), err)
	}
	return nil
}

func (p *Postgres) RemoveTile(ctx context.Context, z uint8, x uint32, y uint32) error {
	_, err := p.pool.Exec(ctx,
		"DELETE FROM tiles WHERE zoom_level = $1 AND tile_column = $2 AND tile_row = $3",
		int(z), int64(x), int64(y))
	if err != nil {
		return fmt.Errorf("failed to remove tile %s: %w", TileKey(z, x, y), err)
	}
	return nil
}

func (p *Postgres) GetMetadata(ctx context.Context) (*TileJSON, error) {
	rows := map[string]string{}
	result, err := p.pool.Query(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	for result.Next() {
		var name, value string
		if err := result.Scan(&name, &value); err != nil {
			result.Close()
			return nil, err
		}
		rows[name] = value
	}
	result.Close()
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	tj, err := parseMetadataRows(rows)
	if err != nil {
		return nil, err
	}
	tj.Scheme = SchemeXYZ.String()

	if _, ok := rows["minzoom"]; !ok {
		var minZ, maxZ *int
		if err := p.pool.QueryRow(ctx, "SELECT MIN(zoom_level), MAX(zoom_level) FROM tiles").Scan(&minZ, &maxZ); err != nil {
			return nil, fmt.Errorf("failed to derive zoom range: %w", err)
		}
		if minZ != nil {
			tj.MinZoom = uint8(*minZ)
			tj.MaxZoom = uint8(*maxZ)
		}
	}
	if tj.Bounds == nil {
		extents, err := p.zoomExtents(ctx)
		if err != nil {
			return nil, err
		}
		tj.Bounds = boundsFromZoomExtents(extents, SchemeXYZ)
	}
	if tj.Format == "" {
		var sample []byte
		err := p.pool.QueryRow(ctx, "SELECT tile_data FROM tiles WHERE tile_data IS NOT NULL LIMIT 1").Scan(&sample)
		if err == nil {
			if format, _, err := DetectTileFormat(sample); err == nil {
				tj.Format = format.String()
			}
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to sample tile: %w", err)
		}
	}
	if tj.Format == FormatPBF.String() && len(tj.VectorLayers) == 0 {
		layers, err := deriveVectorLayers(func(limit, offset int) ([][]byte, error) {
			return p.pageTileBlobs(ctx, limit, offset)
		})
		if err != nil {
			return nil, err
		}
		tj.VectorLayers = layers
	}
	tj.ApplyDefaults()
	return tj, nil
}

func (p *Postgres) zoomExtents(ctx context.Context) ([]zoomExtent, error) {
	result, err := p.pool.Query(ctx,
		"SELECT zoom_level, MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row) FROM tiles GROUP BY zoom_level")
	if err != nil {
		return nil, fmt.Errorf("failed to query zoom extents: %w", err)
	}
	defer result.Close()

	var extents []zoomExtent
	for result.Next() {
		var z int
		var xMin, xMax, yMin, yMax int64
		if err := result.Scan(&z, &xMin, &xMax, &yMin, &yMax); err != nil {
			return nil, err
		}
		extents = append(extents, zoomExtent{
			zoom: uint8(z),
			xMin: uint32(xMin), xMax: uint32(xMax),
			yMin: uint32(yMin), yMax: uint32(yMax),
		})
	}
	return extents, result.Err()
}

func (p *Postgres) pageTileBlobs(ctx context.Context, limit, offset int) ([][]byte, error) {
	result, err := p.pool.Query(ctx,
		"SELECT tile_data FROM tiles WHERE tile_data IS NOT NULL ORDER BY zoom_level, tile_column, tile_row LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to page tiles: %w", err)
	}
	defer result.Close()

	var blobs [][]byte
	for result.Next() {
		var blob []byte
		if err := result.Scan(&blob); err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	return blobs, result.Err()
}

func (p *Postgres) UpdateMetadata(ctx context.Context, partial map[string]any) error {
	for key, value := range partial {
		if key == "scheme" {
			continue
		}
		encoded, err := encodeMetadataValue(key, value)
		if err != nil {
			return err
		}
		if _, err := p.pool.Exec(ctx,
			"INSERT INTO metadata (name, value) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value",
			metadataRowKey(key), encoded); err != nil {
			return fmt.Errorf("failed to upsert metadata %s: %w", key, err)
		}
	}
	return nil
}

func (p *Postgres) CountTiles(ctx context.Context) (int64, error) {
	var count int64
	if err := p.pool.QueryRow(ctx, "SELECT count(*) FROM tiles").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tiles: %w", err)
	}
	return count, nil
}

func (p *Postgres) Size(ctx context.Context) (int64, error) {
	var size int64
	err := p.pool.QueryRow(ctx,
		"SELECT pg_total_relation_size('tiles') + pg_total_relation_size('metadata')").Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to measure tables: %w", err)
	}
	return size, nil
}

func (p *Postgres) GetExtraInfoForCoverages(ctx context.Context, coverages []Coverage, kind ExtraInfoKind) (map[string]ExtraInfo, error) {
	bounds, err := GetTileBounds(coverages, SchemeXYZ)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ExtraInfo)
	if len(bounds.Bounds) == 0 {
		return out, nil
	}

	column := extraInfoColumn(kind)
	parts := make([]string, len(bounds.Bounds))
	args := make([]any, 0, len(bounds.Bounds)*5)
	for i, b := range bounds.Bounds {
		base := i * 5
		parts[i] = fmt.Sprintf(
			"SELECT zoom_level, tile_column, tile_row, %s FROM tiles WHERE zoom_level = $%d AND tile_column BETWEEN $%d AND $%d AND tile_row BETWEEN $%d AND $%d",
			column, base+1, base+2, base+3, base+4, base+5)
		args = append(args, int(b.Zoom), int64(b.XMin), int64(b.XMax), int64(b.YMin), int64(b.YMax))
	}
	result, err := p.pool.Query(ctx, strings.Join(parts, " UNION ALL "), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query extra info: %w", err)
	}
	defer result.Close()

	for result.Next() {
		var z int
		var x, y int64
		var hash *string
		var created *int64
		var scanErr error
		if kind == ExtraInfoCreated {
			scanErr = result.Scan(&z, &x, &y, &created)
		} else {
			scanErr = result.Scan(&z, &x, &y, &hash)
		}
		if scanErr != nil {
			return nil, scanErr
		}
		info := ExtraInfo{}
		switch {
		case kind == ExtraInfoCreated && created != nil:
			info.Created = *created
		case kind == ExtraInfoHash && hash != nil:
			info.Hash = *hash
		default:
			continue
		}
		out[TileKey(uint8(z), uint32(x), uint32(y))] = info
	}
	return out, result.Err()
}

func (p *Postgres) CalculateExtraInfo(ctx context.Context) error {
	for {
		page, err := p.readNullHashPage(ctx)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, row := range page {
			if _, err := p.pool.Exec(ctx,
				"UPDATE tiles SET hash = $4, created = COALESCE(created, $5) WHERE zoom_level = $1 AND tile_column = $2 AND tile_row = $3",
				int(row.z), int64(row.x), int64(row.y), row.hash, nowMilli()); err != nil {
				return fmt.Errorf("failed to update extra info: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (p *Postgres) readNullHashPage(ctx context.Context) ([]extraInfoRow, error) {
	result, err := p.pool.Query(ctx,
		"SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles WHERE hash IS NULL LIMIT $1", derivePageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to scan tiles: %w", err)
	}
	defer result.Close()

	var page []extraInfoRow
	for result.Next() {
		var z int
		var x, y int64
		var data []byte
		if err := result.Scan(&z, &x, &y, &data); err != nil {
			return nil, err
		}
		page = append(page, extraInfoRow{
			z: uint8(z), x: uint32(x), y: uint32(y),
			hash: CalculateMD5(data),
		})
	}
	return page, result.Err()
}

func (p *Postgres) AddOverviews(ctx context.Context, concurrency int, tileSize int) error {
	return generateOverviews(ctx, p.logger, p, p.tilesAtZoom, concurrency, tileSize)
}

func (p *Postgres) tilesAtZoom(ctx context.Context, z uint8) ([][2]uint32, error) {
	result, err := p.pool.Query(ctx, "SELECT tile_column, tile_row FROM tiles WHERE zoom_level = $1", int(z))
	if err != nil {
		return nil, fmt.Errorf("failed to list tiles at zoom %d: %w", z, err)
	}
	defer result.Close()

	var coords [][2]uint32
	for result.Next() {
		var x, y int64
		if err := result.Scan(&x, &y); err != nil {
			return nil, err
		}
		coords = append(coords, [2]uint32{uint32(x), uint32(y)})
	}
	return coords, result.Err()
}
