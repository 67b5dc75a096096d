package internal

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestGunzip(t *testing.T) {
	payload := []byte(`{"email":"john.doe@example.com"}`)

	for _, tt := range []struct {
		name  string
		body  []byte
		limit int64
		want  []byte
		err   error
	}{
		{
			name:  "ok",
			body:  gzipped(t, payload),
			limit: 1024,
			want:  payload,
		},
		{
			name:  "exactly at limit",
			body:  gzipped(t, payload),
			limit: int64(len(payload)),
			want:  payload,
		},
		{
			name:  "over limit",
			body:  gzipped(t, payload),
			limit: 4,
			err:   ErrBodyTooLarge,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Gunzip(tt.body, tt.limit)
			if !errors.Is(err, tt.err) {
				t.Fatalf("want error %v, got: %v", tt.err, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("want %q, got %q", tt.want, got)
			}
		})
	}

	t.Run("not gzip", func(t *testing.T) {
		if _, err := Gunzip(payload, 1024); err == nil {
			t.Error("plain bytes must not inflate")
		}
	})
}

func TestGzipMiddleware(t *testing.T) {
	h := GzipMiddleware(1, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"challengeId":"x"}`))
	}))

	t.Run("client accepts gzip", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/handshake/init", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
			t.Fatalf("want gzip encoding, got %q", got)
		}

		zr, err := gzip.NewReader(rec.Body)
		if err != nil {
			t.Fatal(err)
		}
		body, err := io.ReadAll(zr)
		if err != nil {
			t.Fatal(err)
		}
		if string(body) != `{"challengeId":"x"}` {
			t.Errorf("wrong body: %q", body)
		}
	})

	t.Run("client does not accept gzip", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/handshake/init", nil))

		if got := rec.Header().Get("Content-Encoding"); got != "" {
			t.Errorf("want no encoding, got %q", got)
		}
		if rec.Body.String() != `{"challengeId":"x"}` {
			t.Errorf("wrong body: %q", rec.Body.String())
		}
	})
}
