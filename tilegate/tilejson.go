package tilegate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// VectorLayer describes one named layer of a vector tile source, as embedded
// in the metadata json row.
type VectorLayer struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	MinZoom     *uint8            `json:"minzoom,omitempty"`
	MaxZoom     *uint8            `json:"maxzoom,omitempty"`
	Fields      map[string]string `json:"fields"`
}

// TileJSON is the metadata document of a tile source, serialized per the
// TileJSON 2.2.0 spec.
type TileJSON struct {
	TileJSON     string        `json:"tilejson"`
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	Attribution  string        `json:"attribution,omitempty"`
	Version      string        `json:"version,omitempty"`
	Type         string        `json:"type,omitempty"`
	Format       string        `json:"format,omitempty"`
	Scheme       string        `json:"scheme,omitempty"`
	MinZoom      uint8         `json:"minzoom"`
	MaxZoom      uint8         `json:"maxzoom"`
	Bounds       *BBox         `json:"bounds,omitempty"`
	Center       *[3]float64   `json:"center,omitempty"`
	Tiles        []string      `json:"tiles,omitempty"`
	VectorLayers []VectorLayer `json:"vector_layers,omitempty"`
}

// ApplyDefaults fills the fields every served document must carry. The
// center falls back to the bounds midpoint at the middle zoom.
func (t *TileJSON) ApplyDefaults() {
	if t.TileJSON == "" {
		t.TileJSON = "2.2.0"
	}
	if t.Version == "" {
		t.Version = "1.0.0"
	}
	if t.Type == "" {
		t.Type = "baselayer"
	}
	if t.Bounds == nil {
		world := WorldBBox
		t.Bounds = &world
	}
	if t.Center == nil {
		center := GetCenterFromBBox(*t.Bounds, uint8((int(t.MinZoom)+int(t.MaxZoom))/2))
		t.Center = &center
	}
}

// WithTiles returns a copy carrying the request-scoped tile URL templates.
func (t *TileJSON) WithTiles(urls []string) *TileJSON {
	clone := *t
	clone.Tiles = urls
	return &clone
}

// TileFormatParsed resolves the format field, defaulting to png.
func (t *TileJSON) TileFormatParsed() TileFormat {
	if t.Format == "" {
		return FormatPNG
	}
	format, err := ParseTileFormat(t.Format)
	if err != nil {
		return FormatPNG
	}
	return format
}

// metadataJSONRow is the structure of the json metadata row per the MBTiles
// 1.3 spec.
type metadataJSONRow struct {
	VectorLayers []VectorLayer `json:"vector_layers,omitempty"`
}

// parseMetadataRows builds a TileJSON from key/value metadata rows as stored
// by the SQL backends. Unknown keys are ignored.
func parseMetadataRows(rows map[string]string) (*TileJSON, error) {
	t := &TileJSON{}
	for key, value := range rows {
		switch key {
		case "name":
			t.Name = value
		case "description":
			t.Description = value
		case "attribution":
			t.Attribution = value
		case "version":
			t.Version = value
		case "type":
			t.Type = value
		case "format":
			t.Format = value
		case "scheme":
			t.Scheme = value
		case "minzoom":
			z, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid minzoom %q: %w", value, err)
			}
			t.MinZoom = uint8(z)
		case "maxzoom":
			z, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid maxzoom %q: %w", value, err)
			}
			t.MaxZoom = uint8(z)
		case "bounds":
			floats, err := parseFloatList(value, 4)
			if err != nil {
				return nil, fmt.Errorf("invalid bounds %q: %w", value, err)
			}
			bounds := BBox{floats[0], floats[1], floats[2], floats[3]}
			t.Bounds = &bounds
		case "center":
			floats, err := parseFloatList(value, 3)
			if err != nil {
				return nil, fmt.Errorf("invalid center %q: %w", value, err)
			}
			center := [3]float64{floats[0], floats[1], floats[2]}
			t.Center = &center
		case "json":
			var row metadataJSONRow
			if err := json.Unmarshal([]byte(value), &row); err != nil {
				return nil, fmt.Errorf("invalid json metadata row: %w", err)
			}
			t.VectorLayers = row.VectorLayers
		}
	}
	return t, nil
}

func parseFloatList(value string, want int) ([]float64, error) {
	parts := strings.Split(value, ",")
	if len(parts) != want {
		return nil, fmt.Errorf("expected %d values, got %d", want, len(parts))
	}
	floats := make([]float64, want)
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		floats[i] = f
	}
	return floats, nil
}

func formatFloatList(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// encodeMetadataValue renders one partial-update value as a metadata row.
// Zoom levels, bounds and center accept both native types and what
// encoding/json produces for them.
func encodeMetadataValue(key string, value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case uint8:
		return strconv.Itoa(int(v)), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case BBox:
		return formatFloatList(v[:]), nil
	case *BBox:
		return formatFloatList(v[:]), nil
	case [3]float64:
		return formatFloatList(v[:]), nil
	case []float64:
		return formatFloatList(v), nil
	case []any:
		floats := make([]float64, 0, len(v))
		for _, item := range v {
			f, ok := item.(float64)
			if !ok {
				return "", fmt.Errorf("metadata key %s: expected numbers, got %T", key, item)
			}
			floats = append(floats, f)
		}
		return formatFloatList(floats), nil
	case []VectorLayer:
		encoded, err := json.Marshal(metadataJSONRow{VectorLayers: v})
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
	return "", fmt.Errorf("metadata key %s: unsupported value type %T", key, value)
}

// metadataRowKey maps a partial-update key to its metadata row. vector_layers
// lands in the json row.
func metadataRowKey(key string) string {
	if key == "vector_layers" {
		return "json"
	}
	return key
}

// zoomExtent is one row of the per-zoom tile extent query.
type zoomExtent struct {
	zoom       uint8
	xMin, xMax uint32
	yMin, yMax uint32
}

// boundsFromZoomExtents unions the tile-aligned bbox of every zoom level,
// clamped to the world. Returns nil when the storage holds no tiles.
func boundsFromZoomExtents(extents []zoomExtent, scheme Scheme) *BBox {
	var union *BBox
	for _, e := range extents {
		b := GetBBoxFromTiles(e.xMin, e.yMin, e.xMax, e.yMax, e.zoom, scheme).Clamped()
		if union == nil {
			union = &b
		} else {
			u := GetCoverBBox(*union, b)
			union = &u
		}
	}
	return union
}

const derivePageSize = 1000

// deriveVectorLayers scans stored vector tiles in pages, decoding the layer
// names of each tile and merging them into one sorted set. The page callback
// returns raw (possibly gzipped) tile blobs for a limit/offset window.
func deriveVectorLayers(page func(limit, offset int) ([][]byte, error)) ([]VectorLayer, error) {
	names := map[string]struct{}{}
	for offset := 0; ; offset += derivePageSize {
		blobs, err := page(derivePageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, blob := range blobs {
			layerNames, err := ScanLayerNames(blob)
			if err != nil {
				continue
			}
			for _, name := range layerNames {
				names[name] = struct{}{}
			}
		}
		if len(blobs) < derivePageSize {
			break
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	layers := make([]VectorLayer, len(sorted))
	for i, name := range sorted {
		layers[i] = VectorLayer{ID: name, Fields: map[string]string{}}
	}
	return layers, nil
}
