package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"

	"gallery/internal/domain"
)

type memFiles struct {
	orig     map[string][]byte
	variants map[string][]byte
}

func (m *memFiles) Read(_ int64, name string) ([]byte, error) {
	b, ok := m.orig[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (m *memFiles) WriteVariant(_ int64, variant, name string, data []byte) error {
	m.variants[variant+"/"+name] = data
	return nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDerive_WritesScaledVariants(t *testing.T) {
	files := &memFiles{orig: map[string][]byte{"a.png": pngBytes(t, 2000, 1000)}, variants: map[string][]byte{}}
	d := NewDeriver(files, nil)

	v, err := d.Derive(context.Background(), 1, "a.png")
	require.NoError(t, err)
	require.Equal(t, 2000, v.Width)
	require.Equal(t, 1000, v.Height)
	require.Equal(t, []string{"thumb", "medium"}, v.Names)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(files.variants["thumb/a.png"]))
	require.NoError(t, err)
	require.Equal(t, 400, cfg.Width)
	require.Equal(t, 200, cfg.Height)
}

func TestDerive_DoesNotUpscale(t *testing.T) {
	files := &memFiles{orig: map[string][]byte{"s.png": pngBytes(t, 100, 300)}, variants: map[string][]byte{}}
	d := NewDeriver(files, []Variant{{Name: "thumb", MaxEdge: 400}})

	_, err := d.Derive(context.Background(), 1, "s.png")
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(files.variants["thumb/s.png"]))
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Width)
	require.Equal(t, 300, cfg.Height)
}

func TestDerive_CorruptOriginal(t *testing.T) {
	files := &memFiles{orig: map[string][]byte{"x.jpg": []byte("not an image")}, variants: map[string][]byte{}}
	_, err := NewDeriver(files, nil).Derive(context.Background(), 1, "x.jpg")
	require.Error(t, err)
	require.Empty(t, files.variants)
}
