package tilegate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTileIDFromZXY(t *testing.T) {
	assert.Equal(t, uint64(0), TileIDFromZXY(0, 0, 0))
	assert.Equal(t, uint64(1), TileIDFromZXY(1, 0, 0))
	assert.Equal(t, uint64(2), TileIDFromZXY(1, 0, 1))
	assert.Equal(t, uint64(3), TileIDFromZXY(1, 1, 1))
	assert.Equal(t, uint64(4), TileIDFromZXY(1, 1, 0))
	assert.Equal(t, uint64(5), TileIDFromZXY(2, 0, 0))
}

func TestZXYFromTileID(t *testing.T) {
	z, x, y := ZXYFromTileID(0)
	assert.Equal(t, uint8(0), z)
	assert.Equal(t, uint32(0), x)
	assert.Equal(t, uint32(0), y)
	z, x, y = ZXYFromTileID(1)
	assert.Equal(t, uint8(1), z)
	assert.Equal(t, uint32(0), x)
	assert.Equal(t, uint32(0), y)
	z, x, y = ZXYFromTileID(19078479)
	assert.Equal(t, uint8(12), z)
	assert.Equal(t, uint32(3423), x)
	assert.Equal(t, uint32(1763), y)
}

func TestTileIDRoundTrip(t *testing.T) {
	var z uint8
	var x uint32
	var y uint32
	for z = 0; z < 10; z++ {
		for x = 0; x < (1 << z); x++ {
			for y = 0; y < (1 << z); y++ {
				id := TileIDFromZXY(z, x, y)
				rz, rx, ry := ZXYFromTileID(id)
				if z != rz || x != rx || y != ry {
					t.Fatalf("fail on %d %d %d", z, x, y)
				}
			}
		}
	}
}

func TestTileIDExtremes(t *testing.T) {
	var tz uint8
	for tz = 0; tz < 32; tz++ {
		dim := uint32(1<<tz) - 1
		corners := [][2]uint32{{0, 0}, {dim, 0}, {0, dim}, {dim, dim}}
		for _, c := range corners {
			z, x, y := ZXYFromTileID(TileIDFromZXY(tz, c[0], c[1]))
			assert.Equal(t, tz, z)
			assert.Equal(t, c[0], x)
			assert.Equal(t, c[1], y)
		}
	}
}

func TestParentTileID(t *testing.T) {
	assert.Equal(t, uint64(0), ParentTileID(0))
	assert.Equal(t, TileIDFromZXY(0, 0, 0), ParentTileID(TileIDFromZXY(1, 1, 0)))
	var z uint8
	for z = 1; z < 8; z++ {
		for x := uint32(0); x < (1 << z); x += 3 {
			for y := uint32(0); y < (1 << z); y += 3 {
				parent := ParentTileID(TileIDFromZXY(z, x, y))
				assert.Equal(t, TileIDFromZXY(z-1, x/2, y/2), parent)
			}
		}
	}
}
