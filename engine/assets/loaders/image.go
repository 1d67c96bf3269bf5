package loaders

import (
	"fmt"
	"image"
	stddraw "image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

type ImageOptions struct {
	// Flip rows so the first row is the bottom of the image.
	FlipY bool
	// Build the full mip chain down to 1x1.
	GenerateMips bool
}

/** @brief A decoded RGBA8 image and its mip chain. Mips[0] is full size. */
type Image struct {
	Width  uint32
	Height uint32
	Mips   [][]byte
}

// LoadImage decodes png, jpeg, bmp, tiff or webp files into tightly packed RGBA8.
func LoadImage(path string, opts ImageOptions) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer f.Close()

	src, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	img := DecodeRGBA(src, opts)
	if img.Width == 0 || img.Height == 0 {
		return nil, fmt.Errorf("image %s (%s) has no pixels", path, format)
	}
	return img, nil
}

// DecodeRGBA converts an already decoded image.
func DecodeRGBA(src image.Image, opts ImageOptions) *Image {
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	stddraw.Draw(rgba, rgba.Bounds(), src, b.Min, stddraw.Src)
	if opts.FlipY {
		flipRows(rgba)
	}

	out := &Image{Width: uint32(b.Dx()), Height: uint32(b.Dy()), Mips: [][]byte{rgba.Pix}}
	if opts.GenerateMips {
		out.Mips = append(out.Mips, mipChain(rgba)...)
	}
	return out
}

func flipRows(img *image.RGBA) {
	h := img.Rect.Dy()
	row := make([]byte, img.Stride)
	for y := 0; y < h/2; y++ {
		top := img.Pix[y*img.Stride : (y+1)*img.Stride]
		bottom := img.Pix[(h-1-y)*img.Stride : (h-y)*img.Stride]
		copy(row, top)
		copy(top, bottom)
		copy(bottom, row)
	}
}

// MipLevels is the number of levels of a full chain for a w x h image.
func MipLevels(w, h uint32) uint32 {
	levels := uint32(1)
	for w > 1 || h > 1 {
		w, h = max(w/2, 1), max(h/2, 1)
		levels++
	}
	return levels
}

// mipChain returns every level below the base, each filtered from the one above.
func mipChain(base *image.RGBA) [][]byte {
	var mips [][]byte
	prev := base
	w, h := base.Rect.Dx(), base.Rect.Dy()
	for w > 1 || h > 1 {
		w, h = max(w/2, 1), max(h/2, 1)
		next := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(next, next.Bounds(), prev, prev.Bounds(), draw.Src, nil)
		mips = append(mips, next.Pix)
		prev = next
	}
	return mips
}

/**
 * @brief Decodes the six faces of a cube map concurrently. Faces are not
 * flipped and carry no mip chain.
 */
func LoadCubeFaces(paths [6]string) ([6]*Image, error) {
	var faces [6]*Image
	var g errgroup.Group
	for i, path := range paths {
		g.Go(func() error {
			img, err := LoadImage(path, ImageOptions{})
			if err != nil {
				return err
			}
			faces[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return [6]*Image{}, err
	}
	return faces, nil
}
