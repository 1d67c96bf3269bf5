package loaders

import (
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Printable ASCII, the default glyph set.
const ASCIIGlyphs = " !\"#$%&'()*+,-./0123456789:;<=>?@ABCDEFGHIJKLMNOPQRSTUVWXYZ[\\]^_`abcdefghijklmnopqrstuvwxyz{|}~"

/**
 * @brief Rasterizes runes of a TrueType or OpenType font (or the first face
 * of a collection) at size points.
 */
func LoadSystemFont(path string, size float64, runes string) (*GlyphAtlas, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read font %s: %w", path, err)
	}
	coll, err := opentype.ParseCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font %s: %w", path, err)
	}
	f, err := coll.Font(0)
	if err != nil {
		return nil, err
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, err
	}
	defer face.Close()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return RasterizeGlyphs(face, name, int(size), runes), nil
}

// DefaultGlyphAtlas is the built in 7x13 face, used when no font is configured.
func DefaultGlyphAtlas() *GlyphAtlas {
	return RasterizeGlyphs(basicfont.Face7x13, "basic7x13", 13, ASCIIGlyphs)
}

// RasterizeGlyphs renders every rune face knows into its own coverage bitmap.
func RasterizeGlyphs(face font.Face, name string, size int, runes string) *GlyphAtlas {
	m := face.Metrics()
	atlas := &GlyphAtlas{
		Face:       name,
		Size:       size,
		LineHeight: m.Height.Ceil(),
		Baseline:   m.Ascent.Ceil(),
		Glyphs:     map[rune]*Glyph{},
		Kernings:   map[[2]rune]int{},
	}
	dot := fixed.P(0, atlas.Baseline)
	for _, r := range runes {
		dr, mask, maskp, advance, ok := face.Glyph(dot, r)
		if !ok {
			continue
		}
		g := &Glyph{
			Codepoint: r,
			Width:     uint32(dr.Dx()),
			Height:    uint32(dr.Dy()),
			XOffset:   dr.Min.X,
			YOffset:   dr.Min.Y,
			XAdvance:  advance.Round(),
		}
		if !dr.Empty() {
			alpha := image.NewAlpha(image.Rect(0, 0, dr.Dx(), dr.Dy()))
			draw.Draw(alpha, alpha.Bounds(), mask, maskp, draw.Src)
			g.Bitmap = alpha.Pix
		}
		atlas.Glyphs[r] = g
	}
	for _, a := range runes {
		for _, b := range runes {
			if k := face.Kern(a, b).Round(); k != 0 {
				atlas.Kernings[[2]rune{a, b}] = k
			}
		}
	}
	return atlas
}
