package tilegate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paulmach/protoscan"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from the glyphs PBF schema served to map clients.
const (
	glyphsFieldStack = 1
	stackFieldName   = 1
	stackFieldRange  = 2
	stackFieldGlyph  = 3
	glyphFieldID     = 1
)

// fallbackFaces lists the bundled Open Sans faces in match precedence.
// Semibold sits before Bold so a semibold font id does not match on its
// embedded "bold" substring.
var fallbackFaces = []struct {
	family string
	terms  []string
}{
	{"Open Sans Semibold Italic", []string{"semibold", "italic"}},
	{"Open Sans Semibold", []string{"semibold"}},
	{"Open Sans Bold Italic", []string{"bold", "italic"}},
	{"Open Sans Bold", []string{"bold"}},
	{"Open Sans Italic", []string{"italic"}},
}

// FallbackFamily picks the bundled face substituted for a missing font id,
// by substring match on the id, defaulting to the regular face.
func FallbackFamily(id string) string {
	lower := strings.ToLower(id)
	for _, face := range fallbackFaces {
		match := true
		for _, term := range face.terms {
			if !strings.Contains(lower, term) {
				match = false
				break
			}
		}
		if match {
			return face.family
		}
	}
	return "Open Sans Regular"
}

// FontResolver serves glyph range files. Each configured family resolves
// through its own file store (local files plus optional upstream); ids with
// no usable range substitute a bundled fallback face, and multi-id requests
// merge into a single PBF.
type FontResolver struct {
	logger      *log.Logger
	stores      map[string]*FileStore
	fallbackDir string
}

func NewFontResolver(logger *log.Logger, stores map[string]*FileStore, fallbackDir string) *FontResolver {
	return &FontResolver{logger: logger, stores: stores, fallbackDir: fallbackDir}
}

// Family returns the file store behind one configured font family.
func (r *FontResolver) Family(id string) (*FileStore, bool) {
	store, ok := r.stores[id]
	return store, ok
}

// glyphRangeNames lists the canonical range files of a glyph family,
// 0-255.pbf through 65280-65535.pbf.
func glyphRangeNames() []string {
	names := make([]string, 0, 256)
	for start := 0; start < 1<<16; start += 256 {
		names = append(names, fmt.Sprintf("%d-%d.pbf", start, start+255))
	}
	return names
}

// GetRange resolves ids, a comma-separated list of font ids, for one range
// file such as 0-255.pbf. A single id returns its PBF unchanged; several ids
// are merged by glyph id with the first listed font winning. Ids that fail
// entirely are skipped with a log line; the call fails only when nothing
// resolves.
func (r *FontResolver) GetRange(ctx context.Context, ids string, name string) ([]byte, error) {
	var ranges [][]byte
	for _, id := range strings.Split(ids, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		data, err := r.resolve(ctx, id, name)
		if err != nil {
			r.logger.Printf("failed to resolve font %s range %s: %v", id, name, err)
			continue
		}
		ranges = append(ranges, data)
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("%w: no glyphs for %q range %s", ErrFileNotExist, ids, name)
	}
	if len(ranges) == 1 {
		return ranges[0], nil
	}
	merged, err := MergeGlyphRanges(ranges)
	if err != nil {
		return nil, fmt.Errorf("failed to merge glyphs for %q range %s: %w", ids, name, err)
	}
	return merged, nil
}

// WaitWrites blocks until every family store settled its pending writes.
func (r *FontResolver) WaitWrites() {
	for _, store := range r.stores {
		store.WaitWrites()
	}
}

// resolve returns one id's range file, substituting the bundled face when
// the configured store cannot produce it.
func (r *FontResolver) resolve(ctx context.Context, id string, name string) ([]byte, error) {
	if store, ok := r.stores[id]; ok {
		data, err := store.Get(ctx, name)
		if err == nil {
			return data, nil
		}
		r.logger.Printf("font %s range %s unavailable, using fallback: %v", id, name, err)
	}
	family := FallbackFamily(id)
	data, err := os.ReadFile(filepath.Join(r.fallbackDir, family, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrFileNotExist, family, name)
		}
		return nil, fmt.Errorf("failed to read fallback face %s: %w", family, err)
	}
	return data, nil
}

// rawGlyph keeps one glyph's encoded bytes alongside its id so merged
// ranges re-emit glyphs without reserializing bitmap or metric fields.
type rawGlyph struct {
	id  uint32
	raw []byte
}

type glyphStack struct {
	name      string
	rangeName string
	glyphs    []rawGlyph
}

// MergeGlyphRanges combines several encoded glyph ranges into one. The glyph
// id set is the union of the inputs, the earliest input defining an id wins,
// and stack names concatenate with a comma in input order. Gzip-wrapped
// inputs are decompressed first.
func MergeGlyphRanges(ranges [][]byte) ([]byte, error) {
	if len(ranges) == 0 {
		return nil, errors.New("no glyph ranges to merge")
	}
	var names []string
	rangeName := ""
	merged := make(map[uint32][]byte)
	for _, data := range ranges {
		stacks, err := scanGlyphStacks(data)
		if err != nil {
			return nil, err
		}
		for _, stack := range stacks {
			if stack.name != "" {
				names = append(names, stack.name)
			}
			if rangeName == "" {
				rangeName = stack.rangeName
			}
			for _, g := range stack.glyphs {
				if _, ok := merged[g.id]; !ok {
					merged[g.id] = g.raw
				}
			}
		}
	}
	ids := make([]uint32, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return encodeGlyphRange(strings.Join(names, ","), rangeName, ids, merged), nil
}

// scanGlyphStacks decodes the fontstacks of one glyphs PBF without parsing
// glyph contents beyond the id field.
func scanGlyphStacks(data []byte) ([]glyphStack, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		var err error
		data, err = GunzipBytes(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress glyph range: %w", err)
		}
	}
	var stacks []glyphStack
	var m *protoscan.Message
	msg := protoscan.New(data)
	for msg.Next() {
		switch msg.FieldNumber() {
		case glyphsFieldStack:
			var err error
			m, err = msg.Message(m)
			if err != nil {
				return nil, fmt.Errorf("failed to decode fontstack: %w", err)
			}
			stack, err := scanGlyphStack(m)
			if err != nil {
				return nil, err
			}
			stacks = append(stacks, stack)
		default:
			msg.Skip()
		}
	}
	if msg.Err() != nil {
		return nil, fmt.Errorf("failed to decode glyph range: %w", msg.Err())
	}
	if len(stacks) == 0 {
		return nil, errors.New("glyph range has no fontstack")
	}
	return stacks, nil
}

func scanGlyphStack(msg *protoscan.Message) (glyphStack, error) {
	var stack glyphStack
	var g *protoscan.Message
	for msg.Next() {
		switch msg.FieldNumber() {
		case stackFieldName:
			name, err := msg.String()
			if err != nil {
				return stack, fmt.Errorf("failed to decode fontstack name: %w", err)
			}
			stack.name = name
		case stackFieldRange:
			rangeName, err := msg.String()
			if err != nil {
				return stack, fmt.Errorf("failed to decode fontstack range: %w", err)
			}
			stack.rangeName = rangeName
		case stackFieldGlyph:
			var err error
			g, err = msg.Message(g)
			if err != nil {
				return stack, fmt.Errorf("failed to decode glyph: %w", err)
			}
			// g.Data stays valid after the scanner is reused; it is a view
			// into the packet, not into the Message struct.
			raw := g.Data
			id, err := scanGlyphID(g)
			if err != nil {
				return stack, err
			}
			stack.glyphs = append(stack.glyphs, rawGlyph{id: id, raw: raw})
		default:
			msg.Skip()
		}
	}
	if msg.Err() != nil {
		return stack, fmt.Errorf("failed to decode fontstack: %w", msg.Err())
	}
	return stack, nil
}

func scanGlyphID(msg *protoscan.Message) (uint32, error) {
	id := uint32(0)
	found := false
	for msg.Next() {
		if msg.FieldNumber() == glyphFieldID {
			v, err := msg.Uint32()
			if err != nil {
				return 0, fmt.Errorf("failed to decode glyph id: %w", err)
			}
			id = v
			found = true
		} else {
			msg.Skip()
		}
	}
	if msg.Err() != nil {
		return 0, fmt.Errorf("failed to decode glyph: %w", msg.Err())
	}
	if !found {
		return 0, errors.New("glyph without id")
	}
	return id, nil
}

// encodeGlyphRange serializes one merged fontstack, copying each glyph's
// original bytes verbatim.
func encodeGlyphRange(name string, rangeName string, ids []uint32, glyphs map[uint32][]byte) []byte {
	size := len(name) + len(rangeName) + 16
	for _, raw := range glyphs {
		size += len(raw) + 4
	}
	stack := make([]byte, 0, size)
	stack = protowire.AppendTag(stack, stackFieldName, protowire.BytesType)
	stack = protowire.AppendString(stack, name)
	stack = protowire.AppendTag(stack, stackFieldRange, protowire.BytesType)
	stack = protowire.AppendString(stack, rangeName)
	for _, id := range ids {
		stack = protowire.AppendTag(stack, stackFieldGlyph, protowire.BytesType)
		stack = protowire.AppendBytes(stack, glyphs[id])
	}
	out := make([]byte, 0, len(stack)+4)
	out = protowire.AppendTag(out, glyphsFieldStack, protowire.BytesType)
	out = protowire.AppendBytes(out, stack)
	return out
}
