package tilegate

// Tile IDs order all tiles of all zooms on one Hilbert curve: zoom levels
// are concatenated, and tiles within a zoom follow the curve. Exporters use
// them as compact set members, PMTiles archives as directory keys.

// tileZoomOffset is the ID of (z, 0, 0), i.e. the number of tiles on all
// zoom levels above z.
func tileZoomOffset(z uint8) uint64 {
	return ((uint64(1) << (2 * uint64(z))) - 1) / 3
}

func hilbertRotate(n uint64, x *uint64, y *uint64, rx uint64, ry uint64) {
	if ry != 0 {
		return
	}
	if rx == 1 {
		*x = n - 1 - *x
		*y = n - 1 - *y
	}
	*x, *y = *y, *x
}

func hilbertD(z uint8, x uint32, y uint32) uint64 {
	tx := uint64(x)
	ty := uint64(y)
	var d uint64
	for s := (uint64(1) << z) / 2; s > 0; s /= 2 {
		var rx, ry uint64
		if tx&s > 0 {
			rx = 1
		}
		if ty&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		hilbertRotate(s, &tx, &ty, rx, ry)
	}
	return d
}

func hilbertXY(z uint8, d uint64) (uint32, uint32) {
	n := uint64(1) << z
	t := d
	var x, y uint64
	for s := uint64(1); s < n; s *= 2 {
		rx := 1 & (t / 2)
		ry := 1 & (t ^ rx)
		hilbertRotate(s, &x, &y, rx, ry)
		x += s * rx
		y += s * ry
		t /= 4
	}
	return uint32(x), uint32(y)
}

// TileIDFromZXY converts tile coordinates to the Hilbert tile ID.
func TileIDFromZXY(z uint8, x uint32, y uint32) uint64 {
	return tileZoomOffset(z) + hilbertD(z, x, y)
}

// ZXYFromTileID converts a Hilbert tile ID back to tile coordinates.
func ZXYFromTileID(id uint64) (uint8, uint32, uint32) {
	var z uint8
	for tileZoomOffset(z+1) <= id {
		z++
	}
	x, y := hilbertXY(z, id-tileZoomOffset(z))
	return z, x, y
}

// ParentTileID finds the covering tile one zoom up without leaving ID space.
// The root tile is its own parent.
func ParentTileID(id uint64) uint64 {
	if id == 0 {
		return 0
	}
	var z uint8
	for tileZoomOffset(z+1) <= id {
		z++
	}
	return tileZoomOffset(z-1) + (id-tileZoomOffset(z))/4
}
