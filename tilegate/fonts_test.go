package tilegate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/encoding/protowire"
)

// buildTestGlyph encodes one glyph with id plus an advance value that marks
// which font it came from.
func buildTestGlyph(id uint32, advance uint32) []byte {
	var glyph []byte
	glyph = protowire.AppendTag(glyph, glyphFieldID, protowire.VarintType)
	glyph = protowire.AppendVarint(glyph, uint64(id))
	glyph = protowire.AppendTag(glyph, 7, protowire.VarintType)
	glyph = protowire.AppendVarint(glyph, uint64(advance))
	return glyph
}

// buildTestGlyphRange encodes a glyphs PBF with one fontstack.
func buildTestGlyphRange(name string, rangeName string, ids []uint32, advance uint32) []byte {
	var stack []byte
	stack = protowire.AppendTag(stack, stackFieldName, protowire.BytesType)
	stack = protowire.AppendString(stack, name)
	stack = protowire.AppendTag(stack, stackFieldRange, protowire.BytesType)
	stack = protowire.AppendString(stack, rangeName)
	for _, id := range ids {
		stack = protowire.AppendTag(stack, stackFieldGlyph, protowire.BytesType)
		stack = protowire.AppendBytes(stack, buildTestGlyph(id, advance))
	}
	var out []byte
	out = protowire.AppendTag(out, glyphsFieldStack, protowire.BytesType)
	out = protowire.AppendBytes(out, stack)
	return out
}

func rangeOfIDs(lo, hi uint32) []uint32 {
	ids := make([]uint32, 0, hi-lo+1)
	for id := lo; id <= hi; id++ {
		ids = append(ids, id)
	}
	return ids
}

func TestFallbackFamily(t *testing.T) {
	assert.Equal(t, "Open Sans Bold", FallbackFamily("Noto Sans Bold"))
	assert.Equal(t, "Open Sans Semibold", FallbackFamily("Roboto Semibold"))
	assert.Equal(t, "Open Sans Semibold", FallbackFamily("Fira Sans SemiBold"))
	assert.Equal(t, "Open Sans Semibold Italic", FallbackFamily("open sans semibold italic"))
	assert.Equal(t, "Open Sans Bold Italic", FallbackFamily("Lato Bold Italic"))
	assert.Equal(t, "Open Sans Italic", FallbackFamily("PT Sans Italic"))
	assert.Equal(t, "Open Sans Regular", FallbackFamily("Metropolis Black"))
}

func TestMergeGlyphRanges(t *testing.T) {
	// A covers the uppercase block, B lowercase plus an overlapping 65
	a := buildTestGlyphRange("A", "0-255", rangeOfIDs(65, 90), 10)
	b := buildTestGlyphRange("B", "0-255", append([]uint32{65}, rangeOfIDs(97, 122)...), 20)

	merged, err := MergeGlyphRanges([][]byte{a, b})
	if err != nil {
		t.Fatalf("failed to merge: %v", err)
	}

	stacks, err := scanGlyphStacks(merged)
	if err != nil {
		t.Fatalf("failed to decode merged range: %v", err)
	}
	assert.Equal(t, 1, len(stacks))
	assert.Equal(t, "A,B", stacks[0].name)
	assert.Equal(t, "0-255", stacks[0].rangeName)

	want := append(rangeOfIDs(65, 90), rangeOfIDs(97, 122)...)
	got := make([]uint32, 0, len(stacks[0].glyphs))
	byID := make(map[uint32][]byte)
	for _, g := range stacks[0].glyphs {
		got = append(got, g.id)
		byID[g.id] = g.raw
	}
	assert.Equal(t, want, got)

	// the first input wins on the shared glyph
	assert.Equal(t, buildTestGlyph(65, 10), byID[65])
	assert.Equal(t, buildTestGlyph(97, 20), byID[97])
}

func TestMergeGlyphRangesGzippedInput(t *testing.T) {
	a := buildTestGlyphRange("A", "256-511", rangeOfIDs(256, 260), 1)
	zipped, err := GzipBytes(buildTestGlyphRange("B", "256-511", rangeOfIDs(300, 305), 2))
	if err != nil {
		t.Fatalf("failed to gzip fixture: %v", err)
	}

	merged, err := MergeGlyphRanges([][]byte{a, zipped})
	assert.Nil(t, err)
	stacks, err := scanGlyphStacks(merged)
	assert.Nil(t, err)
	assert.Equal(t, "A,B", stacks[0].name)
	assert.Equal(t, 11, len(stacks[0].glyphs))
}

func TestMergeGlyphRangesRejectsGarbage(t *testing.T) {
	_, err := MergeGlyphRanges(nil)
	assert.NotNil(t, err)

	_, err = MergeGlyphRanges([][]byte{{0x0a, 0xff}})
	assert.NotNil(t, err)

	// a structurally valid but empty message has no fontstack
	_, err = MergeGlyphRanges([][]byte{{}})
	assert.NotNil(t, err)
}

func TestFontResolverGetRange(t *testing.T) {
	dir := t.TempDir()
	a := buildTestGlyphRange("A", "0-255", rangeOfIDs(65, 70), 10)
	b := buildTestGlyphRange("B", "0-255", rangeOfIDs(97, 102), 20)
	for family, data := range map[string][]byte{"A": a, "B": b} {
		if err := os.MkdirAll(filepath.Join(dir, family), 0755); err != nil {
			t.Fatalf("failed to create family dir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, family, "0-255.pbf"), data, 0644); err != nil {
			t.Fatalf("failed to write fixture: %v", err)
		}
	}
	stores := map[string]*FileStore{
		"A": NewFileStore(discardLogger(), filepath.Join(dir, "A"), nil, nil),
		"B": NewFileStore(discardLogger(), filepath.Join(dir, "B"), nil, nil),
	}
	r := NewFontResolver(discardLogger(), stores, filepath.Join(dir, "fallbacks"))

	// single id passes the stored file through untouched
	got, err := r.GetRange(context.Background(), "A", "0-255.pbf")
	assert.Nil(t, err)
	assert.Equal(t, a, got)

	merged, err := r.GetRange(context.Background(), "A,B", "0-255.pbf")
	assert.Nil(t, err)
	stacks, err := scanGlyphStacks(merged)
	assert.Nil(t, err)
	assert.Equal(t, "A,B", stacks[0].name)
	assert.Equal(t, 12, len(stacks[0].glyphs))

	_, err = r.GetRange(context.Background(), "Nope", "0-255.pbf")
	assert.ErrorIs(t, err, ErrFileNotExist)
}

func TestFontResolverFallbackFace(t *testing.T) {
	dir := t.TempDir()
	fallback := buildTestGlyphRange("Open Sans Bold", "0-255", rangeOfIDs(65, 70), 1)
	faceDir := filepath.Join(dir, "fallbacks", "Open Sans Bold")
	if err := os.MkdirAll(faceDir, 0755); err != nil {
		t.Fatalf("failed to create fallback dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(faceDir, "0-255.pbf"), fallback, 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	r := NewFontResolver(discardLogger(), nil, filepath.Join(dir, "fallbacks"))
	got, err := r.GetRange(context.Background(), "Custom Bold", "0-255.pbf")
	assert.Nil(t, err)
	assert.Equal(t, fallback, got)
}

func TestFontResolverForward(t *testing.T) {
	data := buildTestGlyphRange("Remote Sans", "0-255", rangeOfIDs(65, 70), 5)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/fonts/Remote%20Sans/0-255.pbf", req.URL.EscapedPath())
		w.Write(data)
	}))
	defer upstream.Close()

	dir := t.TempDir()
	forward := &Forward{SourceURL: upstream.URL + "/fonts/Remote%20Sans/{range}.pbf", StoreCache: true}
	store := NewFileStore(discardLogger(), dir, forward, NewFetcher(discardLogger(), nil))
	r := NewFontResolver(discardLogger(), map[string]*FileStore{"Remote Sans": store}, "")

	got, err := r.GetRange(context.Background(), "Remote Sans", "0-255.pbf")
	assert.Nil(t, err)
	assert.Equal(t, data, got)

	store.WaitWrites()
	cached, err := os.ReadFile(filepath.Join(dir, "0-255.pbf"))
	assert.Nil(t, err)
	assert.Equal(t, data, cached)
}
