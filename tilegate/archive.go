package tilegate

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// archiveCompression is the compression applied to directories, metadata and
// tiles inside a PMTiles archive.
type archiveCompression uint8

const (
	archiveCompressionUnknown archiveCompression = 0
	archiveCompressionNone    archiveCompression = 1
	archiveCompressionGzip    archiveCompression = 2
	archiveCompressionBrotli  archiveCompression = 3
	archiveCompressionZstd    archiveCompression = 4
)

// archiveTileType codes from the PMTiles spec, mapped onto TileFormat where
// the two overlap. AVIF has a code but no TileFormat, so it comes back as
// FormatUnknown and is served as opaque bytes.
func tileFormatFromArchive(tileType uint8) TileFormat {
	switch tileType {
	case 1:
		return FormatPBF
	case 2:
		return FormatPNG
	case 3:
		return FormatJPEG
	case 4:
		return FormatWebP
	default:
		return FormatUnknown
	}
}

const (
	archiveMagic     = "PMTiles"
	archiveHeaderLen = 127
)

// archiveHeader is the fixed 127-byte header of a PMTiles spec version 3
// archive, little-endian throughout.
type archiveHeader struct {
	SpecVersion         uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression archiveCompression
	TileCompression     archiveCompression
	TileType            uint8
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

// Bounds converts the E7 extent fields to a bounding box.
func (h archiveHeader) Bounds() BBox {
	return BBox{
		float64(h.MinLonE7) / 10000000,
		float64(h.MinLatE7) / 10000000,
		float64(h.MaxLonE7) / 10000000,
		float64(h.MaxLatE7) / 10000000,
	}
}

// Center converts the E7 center fields to lon, lat, zoom.
func (h archiveHeader) Center() [3]float64 {
	return [3]float64{
		float64(h.CenterLonE7) / 10000000,
		float64(h.CenterLatE7) / 10000000,
		float64(h.CenterZoom),
	}
}

func parseArchiveHeader(d []byte) (archiveHeader, error) {
	var h archiveHeader
	if len(d) < archiveHeaderLen {
		return h, fmt.Errorf("header too short: %d bytes", len(d))
	}
	if string(d[0:7]) != archiveMagic {
		return h, fmt.Errorf("magic number not detected, not a PMTiles archive")
	}
	if d[7] != 3 {
		return h, fmt.Errorf("unsupported PMTiles spec version %d", d[7])
	}

	h.SpecVersion = d[7]
	h.RootOffset = binary.LittleEndian.Uint64(d[8 : 8+8])
	h.RootLength = binary.LittleEndian.Uint64(d[16 : 16+8])
	h.MetadataOffset = binary.LittleEndian.Uint64(d[24 : 24+8])
	h.MetadataLength = binary.LittleEndian.Uint64(d[32 : 32+8])
	h.LeafDirectoryOffset = binary.LittleEndian.Uint64(d[40 : 40+8])
	h.LeafDirectoryLength = binary.LittleEndian.Uint64(d[48 : 48+8])
	h.TileDataOffset = binary.LittleEndian.Uint64(d[56 : 56+8])
	h.TileDataLength = binary.LittleEndian.Uint64(d[64 : 64+8])
	h.AddressedTilesCount = binary.LittleEndian.Uint64(d[72 : 72+8])
	h.TileEntriesCount = binary.LittleEndian.Uint64(d[80 : 80+8])
	h.TileContentsCount = binary.LittleEndian.Uint64(d[88 : 88+8])
	h.Clustered = d[96] == 0x1
	h.InternalCompression = archiveCompression(d[97])
	h.TileCompression = archiveCompression(d[98])
	h.TileType = d[99]
	h.MinZoom = d[100]
	h.MaxZoom = d[101]
	h.MinLonE7 = int32(binary.LittleEndian.Uint32(d[102 : 102+4]))
	h.MinLatE7 = int32(binary.LittleEndian.Uint32(d[106 : 106+4]))
	h.MaxLonE7 = int32(binary.LittleEndian.Uint32(d[110 : 110+4]))
	h.MaxLatE7 = int32(binary.LittleEndian.Uint32(d[114 : 114+4]))
	h.CenterZoom = d[118]
	h.CenterLonE7 = int32(binary.LittleEndian.Uint32(d[119 : 119+4]))
	h.CenterLatE7 = int32(binary.LittleEndian.Uint32(d[123 : 123+4]))
	return h, nil
}

// archiveEntry addresses one run of tiles (RunLength > 0) or one leaf
// directory (RunLength == 0) inside an archive.
type archiveEntry struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// archiveSectionReader unwraps the internal compression of a directory or
// metadata section.
func archiveSectionReader(data []byte, compression archiveCompression) (io.Reader, error) {
	switch compression {
	case archiveCompressionNone:
		return bytes.NewReader(data), nil
	case archiveCompressionGzip, archiveCompressionUnknown:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip section: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported internal compression %d", compression)
	}
}

// parseDirectory decodes a directory section. Tile IDs are delta-encoded,
// then run lengths, lengths and offsets follow as separate varint columns.
// A zero in the offset column means contiguous with the previous entry.
func parseDirectory(data []byte, compression archiveCompression) ([]archiveEntry, error) {
	section, err := archiveSectionReader(data, compression)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(section)

	numEntries, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory size: %w", err)
	}
	entries := make([]archiveEntry, numEntries)

	lastID := uint64(0)
	for i := range entries {
		delta, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read tile id: %w", err)
		}
		lastID += delta
		entries[i].TileID = lastID
	}
	for i := range entries {
		runLength, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read run length: %w", err)
		}
		entries[i].RunLength = uint32(runLength)
	}
	for i := range entries {
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read length: %w", err)
		}
		entries[i].Length = uint32(length)
	}
	for i := range entries {
		offset, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read offset: %w", err)
		}
		if i > 0 && offset == 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = offset - 1
		}
	}
	return entries, nil
}

// lookupTileEntry finds the entry covering tileID: an exact or run-length
// containment hit, or the leaf directory whose subtree holds the ID.
func lookupTileEntry(entries []archiveEntry, tileID uint64) (archiveEntry, bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].TileID > tileID
	}) - 1
	if i < 0 {
		return archiveEntry{}, false
	}
	entry := entries[i]
	if entry.RunLength == 0 {
		return entry, true
	}
	if tileID-entry.TileID < uint64(entry.RunLength) {
		return entry, true
	}
	return archiveEntry{}, false
}

// decodeArchiveTile normalizes tile bytes for the rest of the system: gzip
// passes through untouched (the serving layer already understands it), the
// exotic compressions are expanded.
func decodeArchiveTile(data []byte, compression archiveCompression) ([]byte, error) {
	switch compression {
	case archiveCompressionBrotli:
		expanded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode brotli tile: %w", err)
		}
		return expanded, nil
	case archiveCompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode zstd tile: %w", err)
		}
		defer dec.Close()
		expanded, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to decode zstd tile: %w", err)
		}
		return expanded, nil
	default:
		return data, nil
	}
}
