package tilegate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log"

	"github.com/gen2brain/webp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	xdraw "golang.org/x/image/draw"
)

const (
	// overview generation stops once the whole data footprint fits this
	// share of a single tile
	overviewFootprintShare = 0.95
	overviewJPEGQuality    = 90
	overviewWebPQuality    = 90
	defaultTileSize        = 256
)

// pixelExtent measures a bounding box in pixels at one zoom level.
func pixelExtent(b BBox, z uint8, tileSize int) (float64, float64) {
	topLeft := maptile.Fraction(orb.Point{b[0], b[3]}, maptile.Zoom(z))
	bottomRight := maptile.Fraction(orb.Point{b[2], b[1]}, maptile.Zoom(z))
	return (bottomRight[0] - topLeft[0]) * float64(tileSize), (bottomRight[1] - topLeft[1]) * float64(tileSize)
}

func decodeRasterTile(data []byte) (image.Image, error) {
	format, _, err := DetectTileFormat(data)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatPNG:
		return png.Decode(bytes.NewReader(data))
	case FormatJPEG:
		return jpeg.Decode(bytes.NewReader(data))
	case FormatWebP:
		return webp.Decode(bytes.NewReader(data))
	case FormatGIF:
		return gif.Decode(bytes.NewReader(data))
	}
	return nil, &FormatMismatchError{Want: "raster image", Got: format.String()}
}

func encodeRasterTile(img image.Image, format TileFormat) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatPNG:
		err = png.Encode(&buf, img)
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: overviewJPEGQuality})
	case FormatWebP:
		err = webp.Encode(&buf, img, webp.Options{Quality: overviewWebPQuality})
	case FormatGIF:
		err = gif.Encode(&buf, img, nil)
	default:
		return nil, &FormatMismatchError{Want: "raster image", Got: format.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s overview: %w", format, err)
	}
	return buf.Bytes(), nil
}

// generateOverviews builds lower-zoom tiles by downscaling 2x2 mosaics of
// the zoom below, walking from the source's min zoom towards zero. The walk
// ends once the data footprint fits comfortably inside one tile, and the
// new min zoom is written back to metadata.
func generateOverviews(ctx context.Context, logger *log.Logger, storage TileStorage, tilesAtZoom func(context.Context, uint8) ([][2]uint32, error), concurrency int, tileSize int) error {
	if tileSize <= 0 {
		tileSize = defaultTileSize
	}
	tj, err := storage.GetMetadata(ctx)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	format, err := ParseTileFormat(tj.Format)
	if err != nil {
		return err
	}
	if format == FormatPBF {
		return &FormatMismatchError{Want: "raster image", Got: format.String()}
	}
	if tj.Bounds == nil {
		return errors.New("metadata lacks bounds")
	}

	minZoom := tj.MinZoom
	bounds := *tj.Bounds
	built := minZoom

	for z := minZoom; z > 0; z-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, h := pixelExtent(bounds, z, tileSize)
		if w <= overviewFootprintShare*float64(tileSize) && h <= overviewFootprintShare*float64(tileSize) {
			break
		}

		children, err := tilesAtZoom(ctx, z)
		if err != nil {
			return fmt.Errorf("failed to list tiles at zoom %d: %w", z, err)
		}
		if len(children) == 0 {
			break
		}
		parents := make(map[[2]uint32]struct{}, len(children)/2)
		for _, c := range children {
			parents[[2]uint32{c[0] / 2, c[1] / 2}] = struct{}{}
		}

		parentZoom := z - 1
		batch := NewBatch(logger, concurrency, uint64(len(parents)), nil)
		for parent := range parents {
			px, py := parent[0], parent[1]
			batch.Go(fmt.Sprintf("overview %d/%d/%d", parentZoom, px, py), func() error {
				return buildOverviewTile(ctx, storage, format, parentZoom, px, py, tileSize)
			})
		}
		complete, failed := batch.Wait()
		logger.Printf("built %d overview tiles at zoom %d", complete, parentZoom)
		if failed > 0 {
			return batchError(failed, complete)
		}
		built = parentZoom
	}

	if built != minZoom {
		if err := storage.UpdateMetadata(ctx, map[string]any{"minzoom": built}); err != nil {
			return fmt.Errorf("failed to update minzoom: %w", err)
		}
	}
	return nil
}

// buildOverviewTile composites the four children of (z, x, y) onto a double
// size transparent canvas and downscales it to one tile. Parents whose
// children are all absent are skipped.
func buildOverviewTile(ctx context.Context, storage TileStorage, format TileFormat, z uint8, x uint32, y uint32, tileSize int) error {
	canvas := image.NewNRGBA(image.Rect(0, 0, 2*tileSize, 2*tileSize))
	found := false
	for dx := uint32(0); dx < 2; dx++ {
		for dy := uint32(0); dy < 2; dy++ {
			data, err := storage.GetTile(ctx, z+1, 2*x+dx, 2*y+dy)
			if errors.Is(err, ErrTileNotExist) {
				continue
			}
			if err != nil {
				return err
			}
			child, err := decodeRasterTile(data)
			if err != nil {
				return fmt.Errorf("failed to decode tile %d/%d/%d: %w", z+1, 2*x+dx, 2*y+dy, err)
			}
			quadrant := image.Rect(int(dx)*tileSize, int(dy)*tileSize, int(dx+1)*tileSize, int(dy+1)*tileSize)
			xdraw.CatmullRom.Scale(canvas, quadrant, child, child.Bounds(), xdraw.Src, nil)
			found = true
		}
	}
	if !found {
		return nil
	}

	out := image.NewNRGBA(image.Rect(0, 0, tileSize, tileSize))
	xdraw.CatmullRom.Scale(out, out.Bounds(), canvas, canvas.Bounds(), xdraw.Src, nil)
	encoded, err := encodeRasterTile(out, format)
	if err != nil {
		return err
	}
	return storage.PutTile(ctx, z, x, y, encoded, false)
}
