package loaders

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/fzipp/bmfont"
)

/** @brief One glyph bitmap, single channel, rows top to bottom. */
type Glyph struct {
	Codepoint rune
	Width     uint32
	Height    uint32
	// Pen offset of the bitmap's top left corner from the line's top.
	XOffset  int
	YOffset  int
	XAdvance int
	Bitmap   []byte
}

/** @brief The glyphs of one font face at one size. */
type GlyphAtlas struct {
	Face       string
	Size       int
	LineHeight int
	Baseline   int
	Glyphs     map[rune]*Glyph
	Kernings   map[[2]rune]int
}

// Kerning returns the advance adjustment between a and b.
func (a *GlyphAtlas) Kerning(first, second rune) int {
	return a.Kernings[[2]rune{first, second}]
}

/**
 * @brief Reads a BMFont descriptor (.fnt) and slices every glyph out of its
 * page sheets. Page sheet paths are relative to the descriptor.
 */
func LoadGlyphAtlas(path string) (*GlyphAtlas, error) {
	font, err := bmfont.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load bitmap font %s: %w", path, err)
	}
	desc := font.Descriptor

	pages := make(map[int]image.Image, len(desc.Pages))
	for _, p := range desc.Pages {
		sheet, err := decodeSheet(filepath.Join(filepath.Dir(path), p.File))
		if err != nil {
			return nil, err
		}
		pages[int(p.ID)] = sheet
	}

	atlas := &GlyphAtlas{
		Face:       desc.Info.Face,
		Size:       int(desc.Info.Size),
		LineHeight: int(desc.Common.LineHeight),
		Baseline:   int(desc.Common.Base),
		Glyphs:     make(map[rune]*Glyph, len(desc.Chars)),
		Kernings:   make(map[[2]rune]int, len(desc.Kerning)),
	}
	for _, c := range desc.Chars {
		sheet, ok := pages[int(c.Page)]
		if !ok {
			return nil, fmt.Errorf("glyph %q of %s refers to missing page %d", rune(c.ID), path, c.Page)
		}
		g := &Glyph{
			Codepoint: rune(c.ID),
			Width:     uint32(c.Width),
			Height:    uint32(c.Height),
			XOffset:   int(c.XOffset),
			YOffset:   int(c.YOffset),
			XAdvance:  int(c.XAdvance),
		}
		g.Bitmap = sliceCoverage(sheet, image.Rect(int(c.X), int(c.Y), int(c.X)+int(c.Width), int(c.Y)+int(c.Height)))
		atlas.Glyphs[g.Codepoint] = g
	}
	for pair, k := range desc.Kerning {
		atlas.Kernings[[2]rune{rune(pair.First), rune(pair.Second)}] = int(k.Amount)
	}
	return atlas, nil
}

func decodeSheet(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open font page %s: %w", path, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode font page %s: %w", path, err)
	}
	return img, nil
}

// sliceCoverage copies r out of sheet as one byte per pixel. Sheets are
// white glyphs on transparent or black, so the brightest channel wins.
func sliceCoverage(sheet image.Image, r image.Rectangle) []byte {
	r = r.Add(sheet.Bounds().Min)
	out := make([]byte, 0, r.Dx()*r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			cr, cg, cb, ca := sheet.At(x, y).RGBA()
			out = append(out, byte(min(max(cr, cg, cb), ca)>>8))
		}
	}
	return out
}
