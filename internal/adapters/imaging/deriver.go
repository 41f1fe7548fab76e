// Package imaging derives display variants (thumb, medium) of stored originals.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // registers the webp decoder

	"gallery/internal/domain"
)

type Variant struct {
	Name    string
	MaxEdge int // longest side in pixels
}

var DefaultVariants = []Variant{
	{Name: "thumb", MaxEdge: 400},
	{Name: "medium", MaxEdge: 1600},
}

// Files is the part of the file store the deriver needs.
type Files interface {
	Read(placeID int64, name string) ([]byte, error)
	WriteVariant(placeID int64, variant, name string, data []byte) error
}

type Deriver struct {
	files    Files
	variants []Variant
	quality  int
}

var _ domain.VariantDeriver = (*Deriver)(nil)

func NewDeriver(f Files, variants []Variant) *Deriver {
	if len(variants) == 0 {
		variants = DefaultVariants
	}
	return &Deriver{files: f, variants: variants, quality: 85}
}

// Derive decodes the original, records its size and writes each variant in the
// original's format. WebP originals get dimensions only: there is no encoder.
func (d *Deriver) Derive(ctx context.Context, placeID int64, fileName string) (domain.Variants, error) {
	data, err := d.files.Read(placeID, fileName)
	if err != nil {
		return domain.Variants{}, err
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return domain.Variants{}, fmt.Errorf("decode %s: %w", fileName, err)
	}
	b := src.Bounds()
	out := domain.Variants{Width: b.Dx(), Height: b.Dy()}

	ext := strings.ToLower(filepath.Ext(fileName))
	if format == "webp" || ext == ".webp" {
		return out, nil
	}
	for _, v := range d.variants {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		img := fit(src, v.MaxEdge)
		var buf bytes.Buffer
		if err := d.encode(&buf, img, ext); err != nil {
			return out, fmt.Errorf("encode %s/%s: %w", v.Name, fileName, err)
		}
		if err := d.files.WriteVariant(placeID, v.Name, fileName, buf.Bytes()); err != nil {
			return out, err
		}
		out.Names = append(out.Names, v.Name)
	}
	return out, nil
}

// fit scales src down so its longest side is at most edge. Smaller images are
// returned as is.
func fit(src image.Image, edge int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= edge && h <= edge {
		return src
	}
	if w >= h {
		h = max(1, h*edge/w)
		w = edge
	} else {
		w = max(1, w*edge/h)
		h = edge
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func (d *Deriver) encode(buf *bytes.Buffer, img image.Image, ext string) error {
	switch ext {
	case ".png":
		return png.Encode(buf, img)
	case ".gif":
		return gif.Encode(buf, img, nil)
	default:
		return jpeg.Encode(buf, img, &jpeg.Options{Quality: d.quality})
	}
}
