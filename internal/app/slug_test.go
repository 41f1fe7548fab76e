package app

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"gallery/internal/domain"
)

func TestSlugGenerator_New(t *testing.T) {
	g := NewSlugGenerator()
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		s, err := g.New()
		require.NoError(t, err)
		require.Len(t, s, DefaultSlugLength)
		require.True(t, ValidSlug(s), s)
		for _, c := range s {
			require.True(t, strings.ContainsRune(slugAlphabet, c), "unexpected %q in %s", c, s)
		}
		seen[s] = true
	}
	require.Len(t, seen, 200)
}

func TestSlugGenerator_RejectsOutOfRangeBytes(t *testing.T) {
	// 0x1f maps past the alphabet and must be skipped, 0x00 is '2'
	g := &SlugGenerator{Length: 3, rand: bytes.NewReader([]byte{0x1f, 0x00, 0x1f, 0x01, 0x02, 0x1f})}
	s, err := g.New()
	require.NoError(t, err)
	require.Equal(t, "234", s)
}

func TestWithUniqueSlug_RetriesCollisions(t *testing.T) {
	g := NewSlugGenerator()
	tries := 0
	slug, err := WithUniqueSlug(context.Background(), g, func(string) error {
		tries++
		if tries < 3 {
			return domain.ErrSlugTaken
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, slug)
	require.Equal(t, 3, tries)
}

func TestWithUniqueSlug_Exhausted(t *testing.T) {
	g := NewSlugGenerator()
	g.Attempts = 4
	tries := 0
	_, err := WithUniqueSlug(context.Background(), g, func(string) error {
		tries++
		return domain.ErrSlugTaken
	})
	require.ErrorIs(t, err, domain.ErrSlugExhausted)
	require.ErrorIs(t, err, domain.ErrConflict)
	require.Equal(t, 4, tries)
}

func TestWithUniqueSlug_OtherErrorStops(t *testing.T) {
	g := NewSlugGenerator()
	tries := 0
	_, err := WithUniqueSlug(context.Background(), g, func(string) error {
		tries++
		return domain.ErrStorage
	})
	require.ErrorIs(t, err, domain.ErrStorage)
	require.Equal(t, 1, tries)
}

func TestValidSlug(t *testing.T) {
	for s, want := range map[string]bool{
		"abcdefghjk": true,
		"a2b3c4":     true,
		"":           false,
		"ABC":        false,
		"../x":       false,
		"with space": false,
		"o0":         false,
		"slug":       false,
		"kiwi":       false,
		"photo":      false,
	} {
		require.Equal(t, want, ValidSlug(s), s)
	}
}
