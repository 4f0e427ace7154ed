package tilegate

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqlitePoolSize = 10

// sqliteConnPreparer applies the pragmas every connection of a tile database
// runs with. mmap is disabled because tile blobs are read once and large
// maps fight the page cache.
func sqliteConnPreparer(timeout time.Duration) func(conn *sqlite.Conn) error {
	return func(conn *sqlite.Conn) error {
		conn.SetBusyTimeout(timeout)
		for _, pragma := range []string{
			"PRAGMA synchronous = NORMAL;",
			"PRAGMA journal_mode = TRUNCATE;",
			"PRAGMA mmap_size = 0;",
			"PRAGMA foreign_keys = OFF;",
		} {
			if err := sqlitex.ExecuteTransient(conn, pragma, &sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error { return nil },
			}); err != nil {
				return fmt.Errorf("failed to apply %s: %w", strings.TrimSuffix(pragma, ";"), err)
			}
		}
		return nil
	}
}

// openSQLitePool opens (or creates) a tile database and applies the schema
// statements. Missing files fail with ErrSourceNotExist unless create is set.
func openSQLitePool(ctx context.Context, path string, create bool, timeout time.Duration, schema []string) (*sqlitex.Pool, error) {
	flags := sqlite.OpenReadWrite
	if create {
		flags |= sqlite.OpenCreate
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotExist, path)
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		Flags:       flags,
		PoolSize:    sqlitePoolSize,
		PrepareConn: sqliteConnPreparer(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer pool.Put(conn)
	for _, stmt := range schema {
		if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", path, err)
		}
	}
	return pool, nil
}

// migrateColumns adds the hash/created columns to databases created before
// extra-info existed. Duplicate-column errors are expected and tolerated.
func migrateColumns(logger *log.Logger, conn *sqlite.Conn, alters []string) {
	for _, alter := range alters {
		if err := sqlitex.ExecuteTransient(conn, alter, nil); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				logger.Printf("schema migration skipped: %v", err)
			}
		}
	}
}

// readMetadataRows loads the whole metadata table.
func readMetadataRows(conn *sqlite.Conn) (map[string]string, error) {
	rows := map[string]string{}
	stmt, _, err := conn.PrepareTransient("SELECT name, value FROM metadata")
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer stmt.Finalize()
	for {
		row, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata: %w", err)
		}
		if !row {
			break
		}
		rows[stmt.ColumnText(0)] = stmt.ColumnText(1)
	}
	return rows, nil
}

// upsertMetadataRows writes metadata key/values in one savepoint.
func upsertMetadataRows(conn *sqlite.Conn, rows map[string]string) (err error) {
	defer sqlitex.Save(conn)(&err)
	stmt := conn.Prep("INSERT OR REPLACE INTO metadata (name, value) VALUES (?1, ?2)")
	for name, value := range rows {
		stmt.BindText(1, name)
		stmt.BindText(2, value)
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("failed to upsert metadata %s: %w", name, err)
		}
		stmt.ClearBindings()
		if err := stmt.Reset(); err != nil {
			return err
		}
	}
	return nil
}

func extraInfoColumn(kind ExtraInfoKind) string {
	if kind == ExtraInfoCreated {
		return "created"
	}
	return "hash"
}

// extraInfoSelect builds one UNION ALL query over the coverage rectangles so
// a whole coverage resolves in a single statement.
func extraInfoSelect(table string, kind ExtraInfoKind, rects int) string {
	one := fmt.Sprintf(
		"SELECT zoom_level, tile_column, tile_row, %s FROM %s WHERE zoom_level = ? AND tile_column BETWEEN ? AND ? AND tile_row BETWEEN ? AND ?",
		extraInfoColumn(kind), table)
	parts := make([]string, rects)
	for i := range parts {
		parts[i] = one
	}
	return strings.Join(parts, " UNION ALL ")
}

// bindTileBounds binds the 5 parameters of each rectangle of an
// extraInfoSelect statement.
func bindTileBounds(stmt *sqlite.Stmt, bounds []TileBound) {
	i := 1
	for _, b := range bounds {
		stmt.BindInt64(i, int64(b.Zoom))
		stmt.BindInt64(i+1, int64(b.XMin))
		stmt.BindInt64(i+2, int64(b.XMax))
		stmt.BindInt64(i+3, int64(b.YMin))
		stmt.BindInt64(i+4, int64(b.YMax))
		i += 5
	}
}

// scanExtraInfoRows collects query rows into the canonical XYZ-keyed map.
// NULL values are skipped, native TMS rows are translated.
func scanExtraInfoRows(stmt *sqlite.Stmt, kind ExtraInfoKind, scheme Scheme, out map[string]ExtraInfo) error {
	for {
		row, err := stmt.Step()
		if err != nil {
			return fmt.Errorf("failed to read extra info: %w", err)
		}
		if !row {
			return nil
		}
		if stmt.ColumnType(3) == sqlite.TypeNull {
			continue
		}
		z := uint8(stmt.ColumnInt64(0))
		x := uint32(stmt.ColumnInt64(1))
		y := uint32(stmt.ColumnInt64(2))
		if scheme == SchemeTMS {
			y = FlipY(z, y)
		}
		info := ExtraInfo{}
		if kind == ExtraInfoCreated {
			info.Created = stmt.ColumnInt64(3)
		} else {
			info.Hash = stmt.ColumnText(3)
		}
		out[TileKey(z, x, y)] = info
	}
}
