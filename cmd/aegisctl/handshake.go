package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/lib/agent"
	"github.com/uvensys/aegis/lib/signature"
)

var errNoGateway = errors.New("-gateway is required")

// readData resolves a -data value. A leading @ names a file, @- is stdin.
func readData(value string) ([]byte, error) {
	name, ok := strings.CutPrefix(value, "@")
	if !ok {
		return []byte(value), nil
	}
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}

func loadSigner(secret, secretFile string) (*signature.Signer, error) {
	switch {
	case secret != "" && secretFile != "":
		return nil, errors.New("do not specify both -secret and -secret-file")
	case secretFile != "":
		data, err := os.ReadFile(secretFile)
		if err != nil {
			return nil, fmt.Errorf("can't read secret file: %w", err)
		}
		return signature.NewSigner(bytes.TrimSpace(data))
	case secret != "":
		return signature.NewSigner([]byte(secret))
	default:
		return nil, nil
	}
}

func parseFallback(value string) (agent.FallbackPolicy, error) {
	switch strings.ToLower(value) {
	case "", "closed", "fail-closed":
		return agent.FailClosed, nil
	case "open", "fail-open":
		return agent.FailOpen, nil
	default:
		return agent.FailClosed, fmt.Errorf("unknown fallback policy %q, use closed or open", value)
	}
}

func runHandshake(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("handshake")
	gateway := fs.String("gateway", "", "gateway base URL including any base prefix, e.g. https://shop.example.com")
	session := fs.String("session", agent.DefaultKey, "correlation key sent as the challenge sessionId")
	timeout := fs.Duration("timeout", agent.DefaultHandshakeTimeout, "how long the whole handshake may take")
	maxIterations := fs.Int("max-iterations", aegis.MaxSolveIterations, "give up solving after this many hashes")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *gateway == "" {
		return fmt.Errorf("%w: %w", errUsage, errNoGateway)
	}

	ag, err := agent.New(agent.Options{
		BaseURL:          *gateway,
		HandshakeTimeout: *timeout,
		MaxIterations:    *maxIterations,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	token, err := ag.Token(ctx, *session)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	fmt.Fprintln(stdout, token)
	fmt.Fprintf(os.Stderr, "handshake took %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func runCall(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("call")
	gateway := fs.String("gateway", "", "gateway base URL including any base prefix, e.g. https://shop.example.com")
	method := fs.String("method", http.MethodGet, "HTTP method")
	path := fs.String("path", "/", "request path below the gateway base URL")
	data := fs.String("data", "", "request body, @file reads it from a file and @- from stdin")
	contentType := fs.String("content-type", "application/json", "Content-Type of the request body")
	secret := fs.String("secret", "", "HMAC secret, if set requests are signed")
	secretFile := fs.String("secret-file", "", "file name containing value for -secret")
	fallback := fs.String("fallback", "closed", "what to do when the handshake fails: closed or open")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *gateway == "" {
		return fmt.Errorf("%w: %w", errUsage, errNoGateway)
	}

	signer, err := loadSigner(*secret, *secretFile)
	if err != nil {
		return err
	}

	fallbackPolicy, err := parseFallback(*fallback)
	if err != nil {
		return err
	}

	body, err := readData(*data)
	if err != nil {
		return fmt.Errorf("can't read request body: %w", err)
	}

	ag, err := agent.New(agent.Options{
		BaseURL:  *gateway,
		Signer:   signer,
		Fallback: fallbackPolicy,
	})
	if err != nil {
		return err
	}

	target := strings.TrimSuffix(*gateway, "/") + "/" + strings.TrimPrefix(*path, "/")
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(*method), target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if len(body) != 0 {
		req.Header.Set("Content-Type", *contentType)
	}

	resp, err := ag.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(stdout, resp.Body); err != nil {
		return fmt.Errorf("can't read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("gateway answered %s", resp.Status)
	}

	return nil
}
