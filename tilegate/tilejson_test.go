package tilegate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMetadataRows(t *testing.T) {
	rows := map[string]string{
		"name":        "osm",
		"format":      "pbf",
		"scheme":      "tms",
		"minzoom":     "2",
		"maxzoom":     "14",
		"bounds":      "-10.5,-20,30,40.25",
		"center":      "9.75,10.125,8",
		"attribution": "© contributors",
		"json":        `{"vector_layers":[{"id":"roads","fields":{}}]}`,
	}
	tj, err := parseMetadataRows(rows)
	assert.Nil(t, err)
	assert.Equal(t, "osm", tj.Name)
	assert.Equal(t, "pbf", tj.Format)
	assert.Equal(t, "tms", tj.Scheme)
	assert.Equal(t, uint8(2), tj.MinZoom)
	assert.Equal(t, uint8(14), tj.MaxZoom)
	assert.Equal(t, BBox{-10.5, -20, 30, 40.25}, *tj.Bounds)
	assert.Equal(t, [3]float64{9.75, 10.125, 8}, *tj.Center)
	assert.Equal(t, 1, len(tj.VectorLayers))
	assert.Equal(t, "roads", tj.VectorLayers[0].ID)
}

func TestParseMetadataRowsBad(t *testing.T) {
	_, err := parseMetadataRows(map[string]string{"minzoom": "deep"})
	assert.Error(t, err)
	_, err = parseMetadataRows(map[string]string{"bounds": "1,2,3"})
	assert.Error(t, err)
	_, err = parseMetadataRows(map[string]string{"json": "{"})
	assert.Error(t, err)
}

func TestEncodeMetadataValue(t *testing.T) {
	cases := []struct {
		key   string
		value any
		want  string
	}{
		{"name", "osm", "osm"},
		{"minzoom", uint8(3), "3"},
		{"maxzoom", 14, "14"},
		{"created", int64(1700000000000), "1700000000000"},
		{"bounds", BBox{-1, -2, 3, 4.5}, "-1,-2,3,4.5"},
		{"bounds", []float64{-1, -2, 3, 4.5}, "-1,-2,3,4.5"},
		{"bounds", []any{-1.0, -2.0, 3.0, 4.5}, "-1,-2,3,4.5"},
		{"center", [3]float64{1, 2, 3}, "1,2,3"},
	}
	for _, c := range cases {
		got, err := encodeMetadataValue(c.key, c.value)
		assert.Nil(t, err)
		assert.Equal(t, c.want, got)
	}

	got, err := encodeMetadataValue("vector_layers", []VectorLayer{{ID: "roads", Fields: map[string]string{}}})
	assert.Nil(t, err)
	assert.Contains(t, got, `"vector_layers"`)
	assert.Contains(t, got, `"roads"`)

	_, err = encodeMetadataValue("name", struct{}{})
	assert.Error(t, err)
}

func TestMetadataRowKey(t *testing.T) {
	assert.Equal(t, "json", metadataRowKey("vector_layers"))
	assert.Equal(t, "bounds", metadataRowKey("bounds"))
}

func TestMetadataRowRoundTrip(t *testing.T) {
	bounds := BBox{-12.25, -6.5, 8.75, 14.125}
	encoded, err := encodeMetadataValue("bounds", bounds)
	assert.Nil(t, err)
	tj, err := parseMetadataRows(map[string]string{"bounds": encoded})
	assert.Nil(t, err)
	for i := range bounds {
		assert.InDelta(t, bounds[i], tj.Bounds[i], 1e-9)
	}
}

func TestApplyDefaults(t *testing.T) {
	tj := &TileJSON{MinZoom: 4, MaxZoom: 9, Bounds: &BBox{0, 0, 20, 10}}
	tj.ApplyDefaults()
	assert.Equal(t, "2.2.0", tj.TileJSON)
	assert.Equal(t, "1.0.0", tj.Version)
	assert.Equal(t, "baselayer", tj.Type)
	// center falls back to the bounds midpoint at the middle zoom
	assert.Equal(t, [3]float64{10, 5, 6}, *tj.Center)

	empty := &TileJSON{}
	empty.ApplyDefaults()
	assert.Equal(t, WorldBBox, *empty.Bounds)
}

func TestWithTiles(t *testing.T) {
	tj := &TileJSON{Name: "osm"}
	clone := tj.WithTiles([]string{"http://localhost/datas/osm/{z}/{x}/{y}.png"})
	assert.Equal(t, 1, len(clone.Tiles))
	assert.Equal(t, 0, len(tj.Tiles))
	assert.Equal(t, "osm", clone.Name)
}

func TestBoundsFromZoomExtents(t *testing.T) {
	assert.Nil(t, boundsFromZoomExtents(nil, SchemeXYZ))

	// whole world at z1 in both schemes
	xyz := boundsFromZoomExtents([]zoomExtent{{zoom: 1, xMin: 0, xMax: 1, yMin: 0, yMax: 1}}, SchemeXYZ)
	tms := boundsFromZoomExtents([]zoomExtent{{zoom: 1, xMin: 0, xMax: 1, yMin: 0, yMax: 1}}, SchemeTMS)
	assert.NotNil(t, xyz)
	assert.NotNil(t, tms)
	assert.InDelta(t, (*xyz)[0], (*tms)[0], 1e-9)
	assert.InDelta(t, (*xyz)[1], (*tms)[1], 1e-9)

	// a single northern tile maps to the southern half under TMS
	north := boundsFromZoomExtents([]zoomExtent{{zoom: 1, xMin: 0, xMax: 0, yMin: 0, yMax: 0}}, SchemeXYZ)
	south := boundsFromZoomExtents([]zoomExtent{{zoom: 1, xMin: 0, xMax: 0, yMin: 0, yMax: 0}}, SchemeTMS)
	assert.Greater(t, (*north)[3], 0.0)
	assert.Less(t, (*south)[1], 0.0)
}
