package agent

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/lib/apierr"
)

// Do sends req with an admission token attached, signing it when the agent
// has a Signer. The correlation key comes from the request context (see
// WithKey). A response rejecting the token drops it from the cache and the
// request is replayed once with a fresh token.
func (a *Agent) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := KeyFromContext(ctx)

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("agent: can't read request body: %w", err)
		}
	}

	tok, err := a.tokenOrFallback(req, key)
	if err != nil {
		return nil, err
	}

	resp, err := a.send(req, body, tok)
	if err != nil || tok == "" || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("agent: can't read response body: %w", err)
	}

	rejection := apierr.Decode(resp.StatusCode, data)
	if !tokenRejected(rejection) {
		resp.Body = io.NopCloser(bytes.NewReader(data))
		return resp, nil
	}

	a.lg.Info("token rejected, handshaking again", "key", key, "kind", rejection.Kind)
	a.invalidate(key, tok)

	tok, err = a.tokenOrFallback(req, key)
	if err != nil {
		return nil, err
	}

	return a.send(req, body, tok)
}

func (a *Agent) tokenOrFallback(req *http.Request, key string) (string, error) {
	tok, err := a.Token(req.Context(), key)
	if err == nil {
		return tok, nil
	}

	if a.fallback == FailOpen && req.Context().Err() == nil {
		a.lg.Warn("no admission token, sending request without one", "key", key, "url", req.URL.String(), "err", err)
		return "", nil
	}

	return "", fmt.Errorf("agent: can't get admission token: %w", err)
}

func (a *Agent) send(req *http.Request, body []byte, tok string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		clone.ContentLength = int64(len(body))
	} else {
		clone.Body = http.NoBody
	}

	if tok != "" {
		clone.Header.Set(aegis.TokenHeader, tok)
	} else {
		clone.Header.Del(aegis.TokenHeader)
	}

	if a.signer != nil {
		if err := a.signer.SignRequest(clone); err != nil {
			return nil, err
		}
	}

	return a.client.Do(clone)
}
