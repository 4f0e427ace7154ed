package tilegate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// XYZ stores tiles as plain files in a <z>/<x>/<y>.<format> tree with a
// sibling SQLite index holding per-tile hash and created values, so refresh
// queries never scan millions of files. The index also carries the metadata
// table. Everything is XYZ scheme, no flips.
type XYZ struct {
	logger  *log.Logger
	root    string
	pool    *sqlitex.Pool
	timeout time.Duration

	mu       sync.RWMutex
	format   TileFormat
	storeMD5 bool
}

var _ TileStorage = (*XYZ)(nil)

var xyzSchema = []string{
	"CREATE TABLE IF NOT EXISTS metadata (name TEXT PRIMARY KEY, value TEXT)",
	"CREATE TABLE IF NOT EXISTS md5s (zoom_level INTEGER NOT NULL, tile_column INTEGER NOT NULL, tile_row INTEGER NOT NULL, hash TEXT, created BIGINT, UNIQUE (zoom_level, tile_column, tile_row))",
}

// XYZIndexPath is the companion database of an XYZ tile root.
func XYZIndexPath(root string) string {
	return strings.TrimRight(root, "/") + ".sqlite"
}

// OpenXYZ opens an XYZ tile tree. Pass FormatUnknown to resolve the tile
// format from the stored metadata.
func OpenXYZ(ctx context.Context, logger *log.Logger, root string, format TileFormat, create bool, timeout time.Duration) (*XYZ, error) {
	if create {
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", root, err)
		}
	} else if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotExist, root)
	}
	pool, err := openSQLitePool(ctx, XYZIndexPath(root), true, timeout, xyzSchema)
	if err != nil {
		return nil, err
	}
	s := &XYZ{
		logger:   logger,
		root:     root,
		pool:     pool,
		timeout:  timeout,
		format:   format,
		storeMD5: true,
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer pool.Put(conn)
	if err := upsertMetadataRows(conn, map[string]string{"scheme": SchemeXYZ.String()}); err != nil {
		pool.Close()
		return nil, err
	}
	if s.format == FormatUnknown {
		rows, err := readMetadataRows(conn)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if stored, ok := rows["format"]; ok {
			if parsed, err := ParseTileFormat(stored); err == nil {
				s.format = parsed
			}
		}
	}
	if s.format == FormatUnknown {
		s.format = FormatPNG
	}
	return s, nil
}

// SetStoreMD5 switches hash computation on writes. With false the index row
// is still created, with a NULL hash that CalculateExtraInfo can fill later.
func (s *XYZ) SetStoreMD5(v bool) {
	s.mu.Lock()
	s.storeMD5 = v
	s.mu.Unlock()
}

func (s *XYZ) Kind() SourceKind {
	return SourceXYZ
}

// Root returns the tile tree directory.
func (s *XYZ) Root() string {
	return s.root
}

func (s *XYZ) Close() error {
	return s.pool.Close()
}

func (s *XYZ) tileFormat() TileFormat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.format
}

func (s *XYZ) tilePath(z uint8, x uint32, y uint32) string {
	return filepath.Join(s.root,
		strconv.Itoa(int(z)),
		strconv.FormatUint(uint64(x), 10),
		fmt.Sprintf("%d.%s", y, s.tileFormat()))
}

func (s *XYZ) GetTile(ctx context.Context, z uint8, x uint32, y uint32) ([]byte, error) {
	data, err := os.ReadFile(s.tilePath(z, x, y))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrTileNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", TileKey(z, x, y), err)
	}
	return data, nil
}

func (s *XYZ) PutTile(ctx context.Context, z uint8, x uint32, y uint32, data []byte, storeTransparent bool) error {
	if skipTileWrite(data, storeTransparent) {
		return nil
	}
	if err := CreateFileWithLock(s.tilePath(z, x, y), data, s.timeout); err != nil {
		return err
	}

	s.mu.RLock()
	hashed := s.storeMD5
	s.mu.RUnlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	stmt := conn.Prep("INSERT OR REPLACE INTO md5s (zoom_level, tile_column, tile_row, hash, created) VALUES (?1, ?2, ?3, ?4, ?5)")
	stmt.BindInt64(1, int64(z))
	stmt.BindInt64(2, int64(x))
	stmt.BindInt64(3, int64(y))
	if hashed {
		stmt.BindText(4, CalculateMD5(data))
	} else {
		stmt.BindNull(4)
	}
	stmt.BindInt64(5, nowMilli())
	defer func() {
		stmt.ClearBindings()
		stmt.Reset()
	}()

	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("failed to index tile %s: %w", TileKey(z, x, y), err)
	}
	return nil
}

// RemoveTile deletes the file and the index row concurrently.
func (s *XYZ) RemoveTile(ctx context.Context, z uint8, x uint32, y uint32) error {
	var eg errgroup.Group
	eg.Go(func() error {
		return RemoveFileWithLock(s.tilePath(z, x, y), s.timeout)
	})
	eg.Go(func() error {
		conn, err := s.pool.Take(ctx)
		if err != nil {
			return err
		}
		defer s.pool.Put(conn)
		stmt := conn.Prep("DELETE FROM md5s WHERE zoom_level = ?1 AND tile_column = ?2 AND tile_row = ?3")
		stmt.BindInt64(1, int64(z))
		stmt.BindInt64(2, int64(x))
		stmt.BindInt64(3, int64(y))
		defer func() {
			stmt.ClearBindings()
			stmt.Reset()
		}()
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("failed to unindex tile %s: %w", TileKey(z, x, y), err)
		}
		return nil
	})
	return eg.Wait()
}

func (s *XYZ) GetMetadata(ctx context.Context) (*TileJSON, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	rows, err := readMetadataRows(conn)
	if err != nil {
		return nil, err
	}
	tj, err := parseMetadataRows(rows)
	if err != nil {
		return nil, err
	}
	tj.Scheme = SchemeXYZ.String()
	if tj.Format == "" {
		tj.Format = s.tileFormat().String()
	}

	if _, ok := rows["minzoom"]; !ok {
		if err := deriveZoomRange(conn, "md5s", tj); err != nil {
			return nil, err
		}
	}
	if tj.Bounds == nil {
		extents, err := queryZoomExtents(conn, "md5s")
		if err != nil {
			return nil, err
		}
		tj.Bounds = boundsFromZoomExtents(extents, SchemeXYZ)
	}
	if tj.Format == FormatPBF.String() && len(tj.VectorLayers) == 0 {
		layers, err := deriveVectorLayers(func(limit, offset int) ([][]byte, error) {
			return s.pageTileFiles(conn, limit, offset)
		})
		if err != nil {
			return nil, err
		}
		tj.VectorLayers = layers
	}
	tj.ApplyDefaults()
	return tj, nil
}

// pageTileFiles reads one window of indexed tiles from disk.
func (s *XYZ) pageTileFiles(conn *sqlite.Conn, limit, offset int) ([][]byte, error) {
	stmt := conn.Prep("SELECT zoom_level, tile_column, tile_row FROM md5s ORDER BY zoom_level, tile_column, tile_row LIMIT ?1 OFFSET ?2")
	stmt.BindInt64(1, int64(limit))
	stmt.BindInt64(2, int64(offset))
	defer func() {
		stmt.ClearBindings()
		stmt.Reset()
	}()

	type coord struct {
		z    uint8
		x, y uint32
	}
	var coords []coord
	for {
		row, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to page index: %w", err)
		}
		if !row {
			break
		}
		coords = append(coords, coord{
			z: uint8(stmt.ColumnInt64(0)),
			x: uint32(stmt.ColumnInt64(1)),
			y: uint32(stmt.ColumnInt64(2)),
		})
	}

	blobs := make([][]byte, 0, len(coords))
	for _, c := range coords {
		data, err := os.ReadFile(s.tilePath(c.z, c.x, c.y))
		if err != nil {
			continue
		}
		blobs = append(blobs, data)
	}
	return blobs, nil
}

func (s *XYZ) UpdateMetadata(ctx context.Context, partial map[string]any) error {
	rows := make(map[string]string, len(partial))
	for key, value := range partial {
		if key == "scheme" {
			continue
		}
		encoded, err := encodeMetadataValue(key, value)
		if err != nil {
			return err
		}
		if key == "format" {
			if parsed, err := ParseTileFormat(encoded); err == nil {
				s.mu.Lock()
				s.format = parsed
				s.mu.Unlock()
			}
		}
		rows[metadataRowKey(key)] = encoded
	}
	if len(rows) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return upsertMetadataRows(conn, rows)
}

func (s *XYZ) CountTiles(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)
	return queryInt64(conn, "SELECT count(*) FROM md5s")
}

// Size sums the tile files plus the index.
func (s *XYZ) Size(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk %s: %w", s.root, err)
	}
	if info, err := os.Stat(XYZIndexPath(s.root)); err == nil {
		total += info.Size()
	}
	return total, nil
}

func (s *XYZ) GetExtraInfoForCoverages(ctx context.Context, coverages []Coverage, kind ExtraInfoKind) (map[string]ExtraInfo, error) {
	bounds, err := GetTileBounds(coverages, SchemeXYZ)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ExtraInfo)
	if len(bounds.Bounds) == 0 {
		return out, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	stmt, _, err := conn.PrepareTransient(extraInfoSelect("md5s", kind, len(bounds.Bounds)))
	if err != nil {
		return nil, fmt.Errorf("failed to query extra info: %w", err)
	}
	defer stmt.Finalize()
	bindTileBounds(stmt, bounds.Bounds)
	if err := scanExtraInfoRows(stmt, kind, SchemeXYZ, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CalculateExtraInfo reconciles the index with the file tree: tiles on disk
// that are missing from the index or carry a NULL hash get their MD5 and
// created filled, in pages of 1000.
func (s *XYZ) CalculateExtraInfo(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	indexed, err := s.indexedHashes(conn)
	if err != nil {
		return err
	}

	var pending []tileFile
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := s.indexFilePage(conn, pending)
		pending = pending[:0]
		return err
	}

	err = s.walkTiles(func(f tileFile) error {
		if hashed, ok := indexed[TileKey(f.z, f.x, f.y)]; ok && hashed {
			return nil
		}
		pending = append(pending, f)
		if len(pending) >= derivePageSize {
			if err := flush(); err != nil {
				return err
			}
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

type tileFile struct {
	z    uint8
	x, y uint32
	path string
}

// indexedHashes maps each indexed tile to whether its hash is already set.
func (s *XYZ) indexedHashes(conn *sqlite.Conn) (map[string]bool, error) {
	stmt, _, err := conn.PrepareTransient("SELECT zoom_level, tile_column, tile_row, hash IS NOT NULL FROM md5s")
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	defer stmt.Finalize()

	out := map[string]bool{}
	for {
		row, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to read index: %w", err)
		}
		if !row {
			return out, nil
		}
		key := TileKey(uint8(stmt.ColumnInt64(0)), uint32(stmt.ColumnInt64(1)), uint32(stmt.ColumnInt64(2)))
		out[key] = stmt.ColumnInt64(3) == 1
	}
}

// walkTiles visits every file matching the z/x/y.<format> layout.
func (s *XYZ) walkTiles(visit func(tileFile) error) error {
	ext := "." + s.tileFormat().String()
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ext) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		z, errZ := strconv.ParseUint(parts[0], 10, 8)
		x, errX := strconv.ParseUint(parts[1], 10, 32)
		y, errY := strconv.ParseUint(strings.TrimSuffix(parts[2], ext), 10, 32)
		if errZ != nil || errX != nil || errY != nil {
			return nil
		}
		return visit(tileFile{z: uint8(z), x: uint32(x), y: uint32(y), path: path})
	})
}

func (s *XYZ) indexFilePage(conn *sqlite.Conn, page []tileFile) (err error) {
	defer sqlitex.Save(conn)(&err)
	stmt := conn.Prep("INSERT OR REPLACE INTO md5s (zoom_level, tile_column, tile_row, hash, created) VALUES (?1, ?2, ?3, ?4, ?5)")
	for _, f := range page {
		hash, err := CalculateMD5OfFile(f.path)
		if err != nil {
			s.logger.Printf("skipping %s: %v", f.path, err)
			continue
		}
		created := nowMilli()
		if info, statErr := os.Stat(f.path); statErr == nil {
			created = info.ModTime().UnixMilli()
		}
		stmt.BindInt64(1, int64(f.z))
		stmt.BindInt64(2, int64(f.x))
		stmt.BindInt64(3, int64(f.y))
		stmt.BindText(4, hash)
		stmt.BindInt64(5, created)
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("failed to index %s: %w", f.path, err)
		}
		stmt.ClearBindings()
		if err := stmt.Reset(); err != nil {
			return err
		}
	}
	return nil
}

func (s *XYZ) AddOverviews(ctx context.Context, concurrency int, tileSize int) error {
	return generateOverviews(ctx, s.logger, s, s.tilesAtZoom, concurrency, tileSize)
}

func (s *XYZ) tilesAtZoom(ctx context.Context, z uint8) ([][2]uint32, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep("SELECT tile_column, tile_row FROM md5s WHERE zoom_level = ?1")
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
		coords = append(coords, [2]uint32{uint32(stmt.ColumnInt64(0)), uint32(stmt.ColumnInt64(1))})
	}
}

// PruneEmptyDirs removes now-empty numeric tile directories left behind by
// deletes, deepest first.
func (s *XYZ) PruneEmptyDirs() error {
	var dirs []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() || path == s.root {
			return nil
		}
		if _, convErr := strconv.Atoi(d.Name()); convErr != nil {
			return fs.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", s.root, err)
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, dir := range dirs {
		// fails on non-empty directories, which is the point
		if err := os.Remove(dir); err == nil {
			s.logger.Printf("pruned empty directory %s", dir)
		}
	}
	return nil
}
