package scanner

import (
	"context"

	"gallery/internal/domain"
)

// Noop reports every file clean. Used when no scanner URL is configured.
type Noop struct{}

func (Noop) Scan(context.Context, string, []byte) (domain.ScanVerdict, error) {
	return domain.VerdictClean, nil
}
