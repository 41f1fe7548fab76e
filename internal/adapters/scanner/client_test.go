package scanner_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"gallery/internal/adapters/scanner"
	"gallery/internal/domain"
)

func TestClient_Scan_RetriesThenVerdict(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/scan" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("body = %q, want the full payload on every attempt", body)
		}
		switch atomic.AddInt32(&hits, 1) {
		case 1, 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"verdict": "infected", "threat": "EICAR"})
		}
	}))
	defer ts.Close()

	cl, err := scanner.New(ts.URL, "", 100)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := cl.Scan(ctx, "a.jpg", []byte("payload"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if v != domain.VerdictInfected {
		t.Fatalf("verdict = %v, want infected", v)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected 3 calls due to retries, got %d", hits)
	}
}

func TestClient_Scan_SendsHeaders(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k" || r.Header.Get("X-File-Name") != "b.png" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"verdict":"clean"}`))
	}))
	defer ts.Close()

	cl, _ := scanner.New(ts.URL, "k", 100)
	v, err := cl.Scan(context.Background(), "b.png", []byte("x"))
	if err != nil || v != domain.VerdictClean {
		t.Fatalf("got %v, %v", v, err)
	}
}

func TestClient_Scan_UnauthorizedIsFinal(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	cl, _ := scanner.New(ts.URL, "bad", 100)
	if _, err := cl.Scan(context.Background(), "a.jpg", []byte("x")); err == nil {
		t.Fatalf("expected error for 403")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("403 must not be retried, got %d calls", hits)
	}
}

func TestClient_Scan_ContextCanceled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	cl, _ := scanner.New(ts.URL, "", 100)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := cl.Scan(ctx, "a.jpg", []byte("x"))
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := scanner.New("", "", 1); err == nil {
		t.Fatalf("expected error for empty URL")
	}
}
