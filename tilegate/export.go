package tilegate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/dustin/go-humanize"
)

const millisPerDay = 24 * 60 * 60 * 1000

// RefreshMode selects the exporter's skip rule for tiles already present in
// the target.
type RefreshMode uint8

const (
	// RefreshAll rewrites every tile of the coverage.
	RefreshAll RefreshMode = iota
	// RefreshTimestamp skips tiles the target created at or after a threshold.
	RefreshTimestamp
	// RefreshMD5 skips tiles whose hash matches between source and target.
	RefreshMD5
)

// RefreshPolicy is the parsed refreshBefore setting of an export or seed.
type RefreshPolicy struct {
	Mode RefreshMode
	// Threshold is unix milliseconds, set for RefreshTimestamp only.
	Threshold int64
}

// ParseRefreshPolicy interprets a refreshBefore configuration value. Nothing
// or false refreshes everything, true enables the hash compare, an ISO
// datetime refreshes tiles created before it, and a number refreshes tiles
// older than that many days.
func ParseRefreshPolicy(value any) (RefreshPolicy, error) {
	switch v := value.(type) {
	case nil:
		return RefreshPolicy{Mode: RefreshAll}, nil
	case bool:
		if v {
			return RefreshPolicy{Mode: RefreshMD5}, nil
		}
		return RefreshPolicy{Mode: RefreshAll}, nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			t, err = time.Parse("2006-01-02", v)
		}
		if err != nil {
			return RefreshPolicy{}, fmt.Errorf("invalid refresh threshold %q", v)
		}
		return RefreshPolicy{Mode: RefreshTimestamp, Threshold: t.UnixMilli()}, nil
	case float64:
		return RefreshPolicy{Mode: RefreshTimestamp, Threshold: nowMilli() - int64(v*millisPerDay)}, nil
	case int:
		return RefreshPolicy{Mode: RefreshTimestamp, Threshold: nowMilli() - int64(v)*millisPerDay}, nil
	}
	return RefreshPolicy{}, fmt.Errorf("unsupported refresh value %T", value)
}

// ExportSpec describes one export run: where the tiles go and which subset
// of the source to materialize.
type ExportSpec struct {
	ID               string
	Kind             SourceKind
	Path             string
	Metadata         map[string]any
	Coverages        []Coverage
	Concurrency      int
	StoreTransparent bool
	Refresh          RefreshPolicy
	Timeout          time.Duration
}

// parseTileKey is the inverse of TileKey.
func parseTileKey(key string) (uint8, uint32, uint32, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid tile key %q", key)
	}
	z, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid tile key %q", key)
	}
	x, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid tile key %q", key)
	}
	y, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid tile key %q", key)
	}
	return uint8(z), uint32(x), uint32(y), nil
}

// Export materializes the coverage of spec from src into the target backend.
// Tiles resolve through the cache-forward path, so a cached source with an
// upstream pulls missing tiles over the network. Per-tile failures are
// logged and counted, never fatal; cancellation via token is honoured
// between tiles. The returned error summarizes task failures.
func Export(ctx context.Context, logger *log.Logger, resolver *Resolver, src *Source, spec ExportSpec, token *CancelToken) error {
	bounds, err := GetTileBounds(spec.Coverages, SchemeXYZ)
	if err != nil {
		return err
	}
	if bounds.Total == 0 {
		logger.Printf("export %s: empty coverage, nothing to do", spec.ID)
		return nil
	}

	// Seeding exports into the source's own storage. Reusing the handle
	// keeps SQLite to one pool, and the no-store resolve below keeps the
	// write-through from racing the explicit put.
	sameTarget := spec.Path != "" && spec.Path == src.Path && spec.Kind == src.Storage.Kind()
	var target TileStorage
	if sameTarget {
		target = src.Storage
	} else {
		target, err = OpenTileStorage(ctx, logger, spec.Kind, spec.Path, src.TileJSON.TileFormatParsed(), true, spec.Timeout)
		if err != nil {
			return fmt.Errorf("failed to open export target %s: %w", spec.Path, err)
		}
		defer target.Close()
	}

	skip, err := buildSkipSet(ctx, src, target, spec.Refresh, spec.Coverages)
	if err != nil {
		return err
	}

	meta := make(map[string]any, len(spec.Metadata)+2)
	for key, value := range spec.Metadata {
		meta[key] = value
	}
	if _, ok := meta["format"]; !ok && src.TileJSON.Format != "" {
		meta["format"] = src.TileJSON.Format
	}
	meta["bounds"] = bounds.RealBBox
	if err := target.UpdateMetadata(ctx, meta); err != nil {
		return fmt.Errorf("failed to update metadata of %s: %w", spec.ID, err)
	}

	bar := getProgressWriter().NewCountProgress(int64(bounds.Total), "exporting "+spec.ID)
	defer bar.Close()

	skipped := uint64(0)
	batch := NewBatch(logger, spec.Concurrency, bounds.Total, token)
enumerate:
	for _, bound := range bounds.Bounds {
		for x := bound.XMin; x <= bound.XMax; x++ {
			for y := bound.YMin; y <= bound.YMax; y++ {
				z := bound.Zoom
				if skip != nil && skip.Contains(TileIDFromZXY(z, x, y)) {
					skipped++
					bar.Add(1)
					continue
				}
				ok := batch.Go(TileKey(z, x, y), func() error {
					defer bar.Add(1)
					return exportTile(ctx, resolver, src, target, sameTarget, spec.StoreTransparent, z, x, y)
				})
				if !ok {
					logger.Printf("export %s cancelled", spec.ID)
					break enumerate
				}
			}
		}
	}
	complete, failed := batch.Wait()

	if xyz, ok := target.(*XYZ); ok {
		if err := xyz.PruneEmptyDirs(); err != nil {
			logger.Printf("failed to prune %s: %v", xyz.Root(), err)
		}
	}
	if size, err := target.Size(ctx); err == nil {
		logger.Printf("export %s finished: %d/%d tiles, %d skipped, %d failed, target size %s",
			spec.ID, complete, bounds.Total, skipped, failed, humanize.Bytes(uint64(size)))
	}
	return batchError(failed, complete)
}

// buildSkipSet prefetches the extra-info the refresh policy needs and turns
// it into a set of tile IDs considered fresh. RefreshAll returns nil.
func buildSkipSet(ctx context.Context, src *Source, target TileStorage, policy RefreshPolicy, coverages []Coverage) (*roaring64.Bitmap, error) {
	switch policy.Mode {
	case RefreshTimestamp:
		infos, err := target.GetExtraInfoForCoverages(ctx, coverages, ExtraInfoCreated)
		if err != nil {
			return nil, fmt.Errorf("failed to prefetch created times: %w", err)
		}
		skip := roaring64.New()
		for key, info := range infos {
			if info.Created < policy.Threshold {
				continue
			}
			z, x, y, err := parseTileKey(key)
			if err != nil {
				continue
			}
			skip.Add(TileIDFromZXY(z, x, y))
		}
		return skip, nil
	case RefreshMD5:
		targetInfos, err := target.GetExtraInfoForCoverages(ctx, coverages, ExtraInfoHash)
		if err != nil {
			return nil, fmt.Errorf("failed to prefetch target hashes: %w", err)
		}
		sourceInfos, err := src.Storage.GetExtraInfoForCoverages(ctx, coverages, ExtraInfoHash)
		if err != nil {
			return nil, fmt.Errorf("failed to prefetch source hashes: %w", err)
		}
		skip := roaring64.New()
		for key, info := range targetInfos {
			// unindexed rows have no hash yet and always refresh
			if info.Hash == "" {
				continue
			}
			other, ok := sourceInfos[key]
			if !ok || other.Hash != info.Hash {
				continue
			}
			z, x, y, err := parseTileKey(key)
			if err != nil {
				continue
			}
			skip.Add(TileIDFromZXY(z, x, y))
		}
		return skip, nil
	}
	return nil, nil
}

// exportTile copies one tile. A missing source tile is not a failure; the
// coverage legitimately spans holes.
func exportTile(ctx context.Context, resolver *Resolver, src *Source, target TileStorage, sameTarget bool, storeTransparent bool, z uint8, x uint32, y uint32) error {
	var resp TileResponse
	var err error
	if sameTarget {
		resp, err = resolver.ResolveTileNoStore(ctx, src, z, x, y)
	} else {
		resp, err = resolver.ResolveTile(ctx, src, z, x, y)
	}
	if err != nil {
		if errors.Is(err, ErrTileNotExist) {
			return nil
		}
		return err
	}
	if err := target.PutTile(ctx, z, x, y, resp.Data, storeTransparent); err != nil {
		return fmt.Errorf("failed to store %s: %w", TileKey(z, x, y), err)
	}
	return nil
}
