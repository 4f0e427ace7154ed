package tilegate

import (
	"bytes"
	"compress/gzip"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"

	"github.com/gen2brain/webp"
)

// TileFormat is the payload type of a tile source.
type TileFormat uint8

const (
	FormatUnknown TileFormat = iota
	FormatPBF
	FormatPNG
	FormatJPEG
	FormatWebP
	FormatGIF
)

func (f TileFormat) String() string {
	switch f {
	case FormatPBF:
		return "pbf"
	case FormatPNG:
		return "png"
	case FormatJPEG:
		return "jpeg"
	case FormatWebP:
		return "webp"
	case FormatGIF:
		return "gif"
	}
	return "unknown"
}

// ContentType returns the IANA media type served for the format.
func (f TileFormat) ContentType() string {
	switch f {
	case FormatPBF:
		return "application/x-protobuf"
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	case FormatGIF:
		return "image/gif"
	}
	return "application/octet-stream"
}

// ParseTileFormat interprets a format name as found in tile metadata or a
// request path. jpg is an alias for jpeg.
func ParseTileFormat(s string) (TileFormat, error) {
	switch s {
	case "pbf", "mvt":
		return FormatPBF, nil
	case "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	case "gif":
		return FormatGIF, nil
	}
	return FormatUnknown, fmt.Errorf("unknown tile format %q", s)
}

// DetectTileFormat sniffs tile bytes by magic number. encoding is "gzip" for
// gzip-wrapped vector tiles and empty otherwise. Raw vector tiles start with
// the layer field tag 0x1a.
func DetectTileFormat(data []byte) (format TileFormat, encoding string, err error) {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		return FormatPBF, "gzip", nil
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x89, 0x50, 0x4e, 0x47}):
		return FormatPNG, "", nil
	case len(data) >= 3 && data[0] == 0xff && data[1] == 0xd8 && data[2] == 0xff:
		return FormatJPEG, "", nil
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return FormatWebP, "", nil
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("GIF8")):
		return FormatGIF, "", nil
	case len(data) >= 1 && data[0] == 0x1a:
		return FormatPBF, "", nil
	}
	return FormatUnknown, "", fmt.Errorf("unable to detect tile format from %d bytes", len(data))
}

// CalculateMD5 returns the lowercase hex MD5 of a buffer.
func CalculateMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// CalculateMD5OfFile streams a file through MD5.
func CalculateMD5OfFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// IsFullyTransparent reports whether every pixel of a PNG or WebP tile has
// zero alpha. Other formats have no alpha channel and always return false.
func IsFullyTransparent(data []byte, format TileFormat) bool {
	var img image.Image
	var err error
	switch format {
	case FormatPNG:
		img, err = png.Decode(bytes.NewReader(data))
	case FormatWebP:
		img, err = webp.Decode(bytes.NewReader(data))
	default:
		return false
	}
	if err != nil {
		return false
	}
	bound := img.Bounds()
	for y := bound.Min.Y; y < bound.Max.Y; y++ {
		for x := bound.Min.X; x < bound.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
				return false
			}
		}
	}
	return true
}

// GzipBytes compresses a buffer, used to serve raw vector tiles with
// content-encoding gzip.
func GzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GunzipBytes decompresses a gzip buffer, used before decoding vector tiles.
func GunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
