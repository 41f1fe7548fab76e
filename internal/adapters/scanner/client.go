package scanner

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"gallery/internal/adapters/observability"
	"gallery/internal/domain"
)

const maxAttempts = 4

var (
	ErrUnauthorized = errors.New("scanner: unauthorized")
	ErrBadVerdict   = errors.New("scanner: unrecognised verdict")
)

// Client submits files to an HTTP malware scanner:
//
//	POST <base>/scan   body=raw bytes, X-File-Name=<name>
//	200 {"verdict":"clean"|"infected"}
type Client struct {
	base string
	hc   *http.Client
	key  string
	rl   *rate.Limiter
}

var _ domain.MalwareScanner = (*Client)(nil)

func New(base, key string, rps int) (*Client, error) {
	if base == "" {
		return nil, fmt.Errorf("scanner URL is required")
	}
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
		key:  key,
		rl:   rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

type verdictResponse struct {
	Verdict string `json:"verdict"`
	Threat  string `json:"threat,omitempty"`
}

// Scan retries on network errors, 429 and transient 5xx, honoring Retry-After.
func (c *Client) Scan(ctx context.Context, name string, data []byte) (domain.ScanVerdict, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return 0, err
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		v, wait, err := c.once(ctx, name, data)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		lastErr = err
		if wait < 0 {
			break // not retryable
		}
		if wait == 0 {
			wait = backoff(i)
		}
		if i < maxAttempts-1 && !sleepCtx(ctx, wait) {
			return 0, ctx.Err()
		}
	}
	return 0, lastErr
}

// once performs one request. wait < 0 means the error is final; otherwise it
// is the server-suggested delay before retrying (0 when none was given).
func (c *Client) once(ctx context.Context, name string, data []byte) (domain.ScanVerdict, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/scan", bytes.NewReader(data))
	if err != nil {
		return 0, -1, err
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-File-Name", name)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "gallery/1.0")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		observability.ObserveExternal("scanner", "/scan", 0, time.Since(start))
		return 0, 0, err
	}
	defer resp.Body.Close()
	observability.ObserveExternal("scanner", "/scan", resp.StatusCode, time.Since(start))

	switch resp.StatusCode {
	case http.StatusOK:
		var vr verdictResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&vr); err != nil {
			return 0, -1, fmt.Errorf("scanner: decode: %w", err)
		}
		switch strings.ToLower(vr.Verdict) {
		case "clean":
			return domain.VerdictClean, 0, nil
		case "infected":
			return domain.VerdictInfected, 0, nil
		}
		return 0, -1, fmt.Errorf("%w: %q", ErrBadVerdict, vr.Verdict)

	case http.StatusUnauthorized, http.StatusForbidden:
		return 0, -1, ErrUnauthorized

	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		io.Copy(io.Discard, resp.Body)
		return 0, retryAfter(resp), fmt.Errorf("scanner: remote %d", resp.StatusCode)

	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, -1, fmt.Errorf("scanner: bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After (seconds or HTTP-date); 0 if absent.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff doubles from 200ms with up to +50% jitter.
func backoff(i int) time.Duration {
	base := time.Duration(1<<i) * 200 * time.Millisecond
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	return base + time.Duration(0.5*f*float64(base))
}
