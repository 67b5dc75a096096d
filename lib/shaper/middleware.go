package shaper

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/uvensys/aegis/internal"
)

// DefaultMaxBodyBytes caps how much of a JSON response gets buffered for
// reshaping.
const DefaultMaxBodyBytes = 10 << 20

// ErrUnsupportedEncoding is returned for response bodies compressed with
// anything other than gzip.
var ErrUnsupportedEncoding = errors.New("shaper: unsupported content encoding")

var responsesShaped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aegis_responses_shaped_total",
	Help: "Responses passed through the shaper by result",
}, []string{"result"})

type Options struct {
	// IsPrivileged reports whether the caller may see unredacted data. A nil
	// func treats everyone as unprivileged.
	IsPrivileged func(r *http.Request) bool

	// MaxBodyBytes is the largest JSON body that is buffered. Larger JSON
	// responses are answered with 502 instead of leaking unredacted.
	MaxBodyBytes int64

	// OnError writes the response when shaping fails. Defaults to a bare 502.
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	Rand io.Reader
}

// Shape decodes body, redacts it and injects decoys. ok is false when the
// body is not a JSON object and must be sent unchanged.
func Shape(body []byte, privileged bool, rnd io.Reader) (result []byte, ok bool, err error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, false, nil
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false, nil
	}

	if _, isObject := payload.(map[string]any); !isObject {
		return nil, false, nil
	}

	shaped, err := InjectDecoys(Redact(payload, privileged), rnd)
	if err != nil {
		return nil, false, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(shaped); err != nil {
		return nil, false, err
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), true, nil
}

// Middleware reshapes successful application/json responses from next.
// Everything else streams through untouched.
func Middleware(opts Options, next http.Handler) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.OnError == nil {
		opts.OnError = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bw := &bufferingWriter{ResponseWriter: w, limit: opts.MaxBodyBytes}
		next.ServeHTTP(bw, r)

		if !bw.wroteHeader {
			bw.WriteHeader(http.StatusOK)
		}
		if !bw.buffering {
			responsesShaped.WithLabelValues("passthrough").Inc()
			return
		}

		lg := internal.GetRequestLogger(r)

		if bw.overflow {
			responsesShaped.WithLabelValues("too_large").Inc()
			lg.Error("upstream JSON response too large to shape", "limit", opts.MaxBodyBytes)
			opts.OnError(w, r, internal.ErrBodyTooLarge)
			return
		}

		body := bw.buf.Bytes()
		h := bw.header

		switch enc := strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding"))); enc {
		case "", "identity":
		case "gzip":
			inflated, err := internal.Gunzip(body, opts.MaxBodyBytes)
			if err != nil {
				responsesShaped.WithLabelValues("decode_error").Inc()
				lg.Error("can't inflate upstream response", "err", err)
				opts.OnError(w, r, err)
				return
			}
			body = inflated
		default:
			responsesShaped.WithLabelValues("decode_error").Inc()
			lg.Error("upstream response uses an unsupported encoding", "encoding", enc)
			opts.OnError(w, r, ErrUnsupportedEncoding)
			return
		}

		privileged := opts.IsPrivileged != nil && opts.IsPrivileged(r)

		shaped, ok, err := Shape(body, privileged, opts.Rand)
		if err != nil {
			responsesShaped.WithLabelValues("error").Inc()
			lg.Error("can't shape upstream response", "err", err)
			opts.OnError(w, r, err)
			return
		}

		if !ok {
			responsesShaped.WithLabelValues("not_object").Inc()
			shaped = body
		} else {
			responsesShaped.WithLabelValues("shaped").Inc()
		}

		dst := w.Header()
		for k, v := range h {
			dst[k] = v
		}
		dst.Del("Content-Encoding")
		dst.Del("ETag")
		dst.Set("Content-Length", strconv.Itoa(len(shaped)))
		dst.Set("Cache-Control", "no-store")

		w.WriteHeader(bw.status)
		w.Write(shaped)
	})
}

func shapeable(status int, h http.Header) bool {
	if status < 200 || status > 299 || status == http.StatusNoContent {
		return false
	}

	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		return false
	}

	return mt == "application/json"
}

// bufferingWriter holds back shapeable responses and passes the rest
// straight to the underlying ResponseWriter.
type bufferingWriter struct {
	http.ResponseWriter
	limit int64

	wroteHeader bool
	buffering   bool
	overflow    bool
	status      int
	header      http.Header
	buf         bytes.Buffer
}

func (w *bufferingWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status

	if shapeable(status, w.ResponseWriter.Header()) {
		w.buffering = true
		w.header = w.ResponseWriter.Header().Clone()
		clear(w.ResponseWriter.Header())
		return
	}

	w.ResponseWriter.WriteHeader(status)
}

func (w *bufferingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	if !w.buffering {
		return w.ResponseWriter.Write(b)
	}

	if w.overflow {
		return len(b), nil
	}

	if int64(w.buf.Len()+len(b)) > w.limit {
		w.overflow = true
		w.buf.Reset()
		return len(b), nil
	}

	return w.buf.Write(b)
}

func (w *bufferingWriter) Flush() {
	if w.buffering {
		return
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
