package tilegate

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gen2brain/webp"
	"github.com/stretchr/testify/assert"
)

func encodeTestPNG(t *testing.T, opaque bool) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	if opaque {
		img.SetNRGBA(3, 3, color.NRGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

func encodeTestWebP(t *testing.T, opaque bool) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	if opaque {
		img.SetNRGBA(3, 3, color.NRGBA{G: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, webp.Options{Lossless: true, Exact: true}); err != nil {
		t.Fatalf("encoding webp: %v", err)
	}
	return buf.Bytes()
}

func TestParseTileFormat(t *testing.T) {
	for name, want := range map[string]TileFormat{
		"pbf": FormatPBF, "mvt": FormatPBF,
		"png": FormatPNG, "jpg": FormatJPEG, "jpeg": FormatJPEG,
		"webp": FormatWebP, "gif": FormatGIF,
	} {
		got, err := ParseTileFormat(name)
		assert.Nil(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTileFormat("tiff")
	assert.Error(t, err)
}

func TestDetectTileFormat(t *testing.T) {
	cases := []struct {
		data     []byte
		format   TileFormat
		encoding string
	}{
		{[]byte{0x1f, 0x8b, 0x08, 0x00}, FormatPBF, "gzip"},
		{[]byte{0x1a, 0x0c, 0x78, 0x02}, FormatPBF, ""},
		{encodeTestPNG(t, true), FormatPNG, ""},
		{[]byte{0xff, 0xd8, 0xff, 0xe0}, FormatJPEG, ""},
		{encodeTestWebP(t, true), FormatWebP, ""},
		{[]byte("GIF89a"), FormatGIF, ""},
	}
	for _, c := range cases {
		format, encoding, err := DetectTileFormat(c.data)
		assert.Nil(t, err)
		assert.Equal(t, c.format, format)
		assert.Equal(t, c.encoding, encoding)
	}

	_, _, err := DetectTileFormat([]byte{0x00, 0x01})
	assert.Error(t, err)
	_, _, err = DetectTileFormat(nil)
	assert.Error(t, err)
}

func TestDetectTileFormatAfterGzip(t *testing.T) {
	raw := []byte{0x1a, 0x05, 0x0a, 0x03, 0x66, 0x6f, 0x6f}
	format, encoding, err := DetectTileFormat(raw)
	assert.Nil(t, err)
	assert.Equal(t, FormatPBF, format)
	assert.Equal(t, "", encoding)

	gzipped, err := GzipBytes(raw)
	assert.Nil(t, err)
	format, encoding, err = DetectTileFormat(gzipped)
	assert.Nil(t, err)
	assert.Equal(t, FormatPBF, format)
	assert.Equal(t, "gzip", encoding)

	back, err := GunzipBytes(gzipped)
	assert.Nil(t, err)
	assert.Equal(t, raw, back)
}

func TestCalculateMD5(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", CalculateMD5(nil))
	assert.Equal(t, 32, len(CalculateMD5([]byte("hello"))))
	assert.Equal(t, CalculateMD5([]byte("hello")), CalculateMD5([]byte("hello")))
	assert.NotEqual(t, CalculateMD5([]byte("hello")), CalculateMD5([]byte("world")))
}

func TestCalculateMD5OfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tile.png")
	data := encodeTestPNG(t, true)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	hash, err := CalculateMD5OfFile(path)
	assert.Nil(t, err)
	assert.Equal(t, CalculateMD5(data), hash)

	_, err = CalculateMD5OfFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestIsFullyTransparent(t *testing.T) {
	assert.True(t, IsFullyTransparent(encodeTestPNG(t, false), FormatPNG))
	assert.False(t, IsFullyTransparent(encodeTestPNG(t, true), FormatPNG))
	assert.True(t, IsFullyTransparent(encodeTestWebP(t, false), FormatWebP))
	assert.False(t, IsFullyTransparent(encodeTestWebP(t, true), FormatWebP))

	// formats without alpha are never transparent, nor is garbage
	assert.False(t, IsFullyTransparent([]byte{0xff, 0xd8, 0xff}, FormatJPEG))
	assert.False(t, IsFullyTransparent([]byte("not a png"), FormatPNG))
}
