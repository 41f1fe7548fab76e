package app

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"strings"

	"gallery/internal/domain"
)

// slugAlphabet leaves out 0/o, 1/i/l so slugs survive being read aloud or retyped.
const slugAlphabet = "23456789abcdefghjkmnpqrstuvwxyz"

const (
	DefaultSlugLength   = 10
	DefaultSlugAttempts = 5
)

type SlugGenerator struct {
	Length   int
	Attempts int
	rand     io.Reader
}

func NewSlugGenerator() *SlugGenerator {
	return &SlugGenerator{Length: DefaultSlugLength, Attempts: DefaultSlugAttempts, rand: rand.Reader}
}

// New returns a random slug drawn uniformly from slugAlphabet.
func (g *SlugGenerator) New() (string, error) {
	n := g.Length
	if n <= 0 {
		n = DefaultSlugLength
	}
	src := g.rand
	if src == nil {
		src = rand.Reader
	}
	// 31 symbols: take 5 bits and reject 31, which keeps the draw unbiased.
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(src, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			idx := int(b & 0x1f)
			if idx >= len(slugAlphabet) {
				continue
			}
			out = append(out, slugAlphabet[idx])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// WithUniqueSlug calls fn with fresh slugs until it stops reporting ErrSlugTaken.
// After Attempts collisions it gives up with ErrSlugExhausted.
func WithUniqueSlug(ctx context.Context, g *SlugGenerator, fn func(slug string) error) (string, error) {
	attempts := g.Attempts
	if attempts <= 0 {
		attempts = DefaultSlugAttempts
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		slug, err := g.New()
		if err != nil {
			return "", domain.StorageErr("generate slug", err)
		}
		err = fn(slug)
		if err == nil {
			return slug, nil
		}
		if !errors.Is(err, domain.ErrSlugTaken) {
			return "", err
		}
	}
	return "", domain.ErrSlugExhausted
}

// ValidSlug reports whether s could have been produced by a SlugGenerator.
func ValidSlug(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(slugAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
