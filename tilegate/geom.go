package tilegate

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxMercatorLat is the latitude limit of the Web-Mercator projection.
// Latitudes beyond it are clamped, never rejected.
const MaxMercatorLat = 85.051129

// Scheme is the y-axis direction of a tile coordinate system.
type Scheme uint8

const (
	SchemeXYZ Scheme = iota // y = 0 at the top
	SchemeTMS               // y = 0 at the bottom
)

func (s Scheme) String() string {
	if s == SchemeTMS {
		return "tms"
	}
	return "xyz"
}

// ParseScheme interprets a scheme name, defaulting to xyz.
func ParseScheme(s string) (Scheme, error) {
	switch s {
	case "", "xyz":
		return SchemeXYZ, nil
	case "tms":
		return SchemeTMS, nil
	default:
		return SchemeXYZ, fmt.Errorf("unknown tile scheme %q", s)
	}
}

// FlipY converts a y coordinate between XYZ and TMS at zoom z.
// The conversion is its own inverse.
func FlipY(z uint8, y uint32) uint32 {
	return (uint32(1) << z) - 1 - y
}

// BBox is [west, south, east, north] in WGS84 degrees.
type BBox [4]float64

// WorldBBox covers the whole Web-Mercator world.
var WorldBBox = BBox{-180, -MaxMercatorLat, 180, MaxMercatorLat}

// Clamped returns the bbox with longitude limited to ±180 and latitude to
// the Web-Mercator range.
func (b BBox) Clamped() BBox {
	return BBox{
		math.Max(b[0], -180),
		math.Max(b[1], -MaxMercatorLat),
		math.Min(b[2], 180),
		math.Min(b[3], MaxMercatorLat),
	}
}

// Valid rejects empty and antimeridian-crossing boxes. Callers are expected
// to split a crossing box into two coverages.
func (b BBox) Valid() error {
	if b[0] >= b[2] {
		return fmt.Errorf("%w: west %f must be less than east %f", ErrBadCoverage, b[0], b[2])
	}
	if b[1] >= b[3] {
		return fmt.Errorf("%w: south %f must be less than north %f", ErrBadCoverage, b[1], b[3])
	}
	if b[0] < -180 || b[2] > 180 {
		return fmt.Errorf("%w: bbox %v crosses the antimeridian", ErrBadCoverage, b)
	}
	return nil
}

// GetCoverBBox returns the smallest bbox containing both a and b.
func GetCoverBBox(a, b BBox) BBox {
	return BBox{
		math.Min(a[0], b[0]),
		math.Min(a[1], b[1]),
		math.Max(a[2], b[2]),
		math.Max(a[3], b[3]),
	}
}

// GetCenterFromBBox returns the TileJSON center triple [lon, lat, zoom]
// for the midpoint of b.
func GetCenterFromBBox(b BBox, zoom uint8) [3]float64 {
	return [3]float64{
		(b[0] + b[2]) / 2,
		(b[1] + b[3]) / 2,
		float64(zoom),
	}
}

// GetXYZFromLonLatZ returns the XYZ tile containing the point. Out-of-range
// coordinates snap to the nearest valid tile.
func GetXYZFromLonLatZ(lon float64, lat float64, z uint8) (x uint32, y uint32) {
	t := maptile.At(orb.Point{lon, lat}, maptile.Zoom(z))
	last := (uint32(1) << z) - 1
	if t.X > last {
		t.X = last
	}
	if t.Y > last {
		t.Y = last
	}
	return t.X, t.Y
}

// GetBBoxFromTiles returns the geographic bbox covered by the inclusive tile
// rectangle. For SchemeTMS the y range is translated to XYZ first.
func GetBBoxFromTiles(xMin, yMin, xMax, yMax uint32, z uint8, scheme Scheme) BBox {
	if scheme == SchemeTMS {
		yMin, yMax = FlipY(z, yMax), FlipY(z, yMin)
	}
	ul := maptile.New(xMin, yMin, maptile.Zoom(z)).Bound()
	lr := maptile.New(xMax, yMax, maptile.Zoom(z)).Bound()
	return BBox{ul.Min.Lon(), lr.Min.Lat(), lr.Max.Lon(), ul.Max.Lat()}
}

// Coverage is one zoom level of a seed or export area.
type Coverage struct {
	Zoom uint8 `json:"zoom"`
	BBox BBox  `json:"bbox"`
}

// CoveragesFromBBox expands a bbox and zoom range into one coverage per zoom.
func CoveragesFromBBox(b BBox, minZoom, maxZoom uint8) []Coverage {
	coverages := make([]Coverage, 0, int(maxZoom)-int(minZoom)+1)
	for z := minZoom; z <= maxZoom; z++ {
		coverages = append(coverages, Coverage{Zoom: z, BBox: b})
	}
	return coverages
}

// TileBound is an inclusive tile rectangle at one zoom.
type TileBound struct {
	Zoom       uint8
	XMin, XMax uint32
	YMin, YMax uint32
}

// Count returns the number of tiles in the rectangle.
func (tb TileBound) Count() uint64 {
	return uint64(tb.XMax-tb.XMin+1) * uint64(tb.YMax-tb.YMin+1)
}

// TileBounds is the expansion of a coverage list into tile rectangles.
type TileBounds struct {
	Total     uint64
	RealBBox  BBox
	Bounds    []TileBound
	Coverages []Coverage
}

// GetTileBounds expands coverages into per-zoom tile rectangles in the given
// scheme. RealBBox is the union of the tile-aligned boxes per zoom, never
// larger than the clamped world. An empty coverage list yields Total = 0.
func GetTileBounds(coverages []Coverage, scheme Scheme) (TileBounds, error) {
	result := TileBounds{Coverages: coverages}
	for i, c := range coverages {
		clamped := c.BBox.Clamped()
		if err := clamped.Valid(); err != nil {
			return TileBounds{}, fmt.Errorf("coverage %d: %w", i, err)
		}
		xMin, yMin := GetXYZFromLonLatZ(clamped[0], clamped[3], c.Zoom)
		xMax, yMax := GetXYZFromLonLatZ(clamped[2], clamped[1], c.Zoom)
		if xMax < xMin {
			xMin, xMax = xMax, xMin
		}
		if yMax < yMin {
			yMin, yMax = yMax, yMin
		}
		aligned := GetBBoxFromTiles(xMin, yMin, xMax, yMax, c.Zoom, SchemeXYZ).Clamped()
		if result.Total == 0 {
			result.RealBBox = aligned
		} else {
			result.RealBBox = GetCoverBBox(result.RealBBox, aligned)
		}
		bound := TileBound{Zoom: c.Zoom, XMin: xMin, XMax: xMax, YMin: yMin, YMax: yMax}
		if scheme == SchemeTMS {
			bound.YMin, bound.YMax = FlipY(c.Zoom, yMax), FlipY(c.Zoom, yMin)
		}
		result.Total += bound.Count()
		result.Bounds = append(result.Bounds, bound)
	}
	return result, nil
}
