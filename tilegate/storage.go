package tilegate

import (
	"context"
	"fmt"
	"log"
	"time"
)

// defaultStorageTimeout bounds backend opens and lock acquisition when the
// caller does not choose one.
const defaultStorageTimeout = 30 * time.Second

// SourceKind identifies which backend implementation holds a source's tiles.
type SourceKind uint8

const (
	SourceMBTiles SourceKind = iota
	SourcePMTiles
	SourceXYZ
	SourcePostgres
)

func (k SourceKind) String() string {
	switch k {
	case SourceMBTiles:
		return "mbtiles"
	case SourcePMTiles:
		return "pmtiles"
	case SourceXYZ:
		return "xyz"
	case SourcePostgres:
		return "pg"
	}
	return "unknown"
}

// ParseSourceKind interprets a backend name from configuration.
func ParseSourceKind(s string) (SourceKind, error) {
	switch s {
	case "mbtiles":
		return SourceMBTiles, nil
	case "pmtiles":
		return SourcePMTiles, nil
	case "xyz":
		return SourceXYZ, nil
	case "pg", "postgres", "postgresql":
		return SourcePostgres, nil
	}
	return SourceMBTiles, fmt.Errorf("unknown source kind %q", s)
}

// NativeScheme is the y-axis direction the backend persists rows in. The
// in-memory API always speaks XYZ; the flip happens once inside the backend.
func (k SourceKind) NativeScheme() Scheme {
	if k == SourceMBTiles {
		return SchemeTMS
	}
	return SchemeXYZ
}

// ExtraInfoKind selects which per-tile integrity column a batch query reads.
type ExtraInfoKind uint8

const (
	ExtraInfoHash ExtraInfoKind = iota
	ExtraInfoCreated
)

// ParseExtraInfoKind interprets the type query parameter of the extra-info
// route, defaulting to hash.
func ParseExtraInfoKind(s string) (ExtraInfoKind, error) {
	switch s {
	case "", "hash":
		return ExtraInfoHash, nil
	case "created":
		return ExtraInfoCreated, nil
	}
	return ExtraInfoHash, fmt.Errorf("unknown extra-info kind %q", s)
}

func (k ExtraInfoKind) String() string {
	if k == ExtraInfoCreated {
		return "created"
	}
	return "hash"
}

// ExtraInfo carries the hash or created value of one tile. Only the field
// matching the queried kind is set.
type ExtraInfo struct {
	Hash    string `json:"hash,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// TileKey renders the canonical XYZ map key, regardless of how the backend
// stores the row.
func TileKey(z uint8, x uint32, y uint32) string {
	return fmt.Sprintf("%d/%d/%d", z, x, y)
}

// FlattenExtraInfo reduces an extra-info map to plain values for JSON
// responses.
func FlattenExtraInfo(infos map[string]ExtraInfo, kind ExtraInfoKind) map[string]any {
	out := make(map[string]any, len(infos))
	for key, info := range infos {
		if kind == ExtraInfoCreated {
			out[key] = info.Created
		} else {
			out[key] = info.Hash
		}
	}
	return out
}

// TileStorage is the capability set shared by the four backends. GetTile
// fails with ErrTileNotExist on miss; read-only backends fail writes with
// ErrReadOnlySource. All coordinates are XYZ.
type TileStorage interface {
	Kind() SourceKind
	Close() error

	GetTile(ctx context.Context, z uint8, x uint32, y uint32) ([]byte, error)
	// PutTile upserts a tile. With storeTransparent false, fully transparent
	// png/webp payloads are silently dropped.
	PutTile(ctx context.Context, z uint8, x uint32, y uint32, data []byte, storeTransparent bool) error
	RemoveTile(ctx context.Context, z uint8, x uint32, y uint32) error

	GetMetadata(ctx context.Context) (*TileJSON, error)
	UpdateMetadata(ctx context.Context, partial map[string]any) error
	CountTiles(ctx context.Context) (int64, error)
	Size(ctx context.Context) (int64, error)

	GetExtraInfoForCoverages(ctx context.Context, coverages []Coverage, kind ExtraInfoKind) (map[string]ExtraInfo, error)
	// CalculateExtraInfo back-fills hash and created for rows where the hash
	// is NULL, in batches of 1000.
	CalculateExtraInfo(ctx context.Context) error
	AddOverviews(ctx context.Context, concurrency int, tileSize int) error
}

// OpenTileStorage opens one backend by kind. path is a file for mbtiles, a
// directory for xyz, an archive location for pmtiles and a connection URI
// for pg. format only matters for xyz trees, where it names tile files.
// PMTiles archives are read-only and cannot be created here.
func OpenTileStorage(ctx context.Context, logger *log.Logger, kind SourceKind, path string, format TileFormat, create bool, timeout time.Duration) (TileStorage, error) {
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	switch kind {
	case SourceMBTiles:
		return OpenMBTiles(ctx, logger, path, create, timeout)
	case SourcePMTiles:
		if create {
			return nil, fmt.Errorf("%w: pmtiles archives cannot be created", ErrReadOnlySource)
		}
		return OpenPMTiles(ctx, logger, path, 0)
	case SourceXYZ:
		return OpenXYZ(ctx, logger, path, format, create, timeout)
	case SourcePostgres:
		return OpenPostgres(ctx, logger, path, create, timeout)
	}
	return nil, fmt.Errorf("unknown source kind %d", kind)
}

// skipTileWrite applies the transparency policy before a cache write. The
// sniff failure case writes anyway; garbage in is the caller's problem.
func skipTileWrite(data []byte, storeTransparent bool) bool {
	if storeTransparent {
		return false
	}
	format, _, err := DetectTileFormat(data)
	if err != nil {
		return false
	}
	return IsFullyTransparent(data, format)
}

// nowMilli is stubbed in tests that assert created timestamps.
var nowMilli = func() int64 { return time.Now().UnixMilli() }
