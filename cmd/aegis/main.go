package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/data"
	"github.com/uvensys/aegis/internal"
	libaegis "github.com/uvensys/aegis/lib"
	"github.com/uvensys/aegis/lib/localization"
	"github.com/uvensys/aegis/lib/policy"
	"github.com/uvensys/aegis/lib/policy/config"
	"github.com/uvensys/aegis/lib/store"
)

var (
	basePrefix               = flag.String("base-prefix", "", "base prefix (root URL) the gateway is served under e.g. /gateway")
	bind                     = flag.String("bind", ":8923", "network address to bind HTTP to")
	bindNetwork              = flag.String("bind-network", "tcp", "network family to bind HTTP to, e.g. unix, tcp")
	challengeDifficulty      = flag.Int("difficulty", 0, "if set, overrides the proof-of-work difficulty from the policy file")
	challengeTTL             = flag.Duration("challenge-ttl", 0, "if set, overrides how long a client has to solve a challenge")
	tokenTTL                 = flag.Duration("token-ttl", 0, "if set, overrides how long admission tokens stay valid")
	replayWindow             = flag.Duration("replay-window", 0, "if set, overrides how far signed request timestamps may drift")
	privilegedPaths          = flag.String("privileged-paths", "", "comma separated path regexes that require signed requests, checked before the policy routes")
	signatureSecret          = flag.String("signature-secret", "", "HMAC secret for privileged request signatures, at least 16 bytes")
	signatureSecretFile      = flag.String("signature-secret-file", "", "file name containing value for signature-secret")
	forcedLanguage           = flag.String("forced-language", "", "if set, this language is being used instead of the one from the request's Accept-Language header")
	metricsBind              = flag.String("metrics-bind", ":9090", "network address to bind metrics to")
	metricsBindNetwork       = flag.String("metrics-bind-network", "tcp", "network family for the metrics server to bind to")
	socketMode               = flag.String("socket-mode", "0770", "socket mode (permissions) for unix domain sockets.")
	policyFname              = flag.String("policy-fname", "", "full path to aegis policy document (defaults to a sensible built-in policy)")
	slogLevel                = flag.String("slog-level", "INFO", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	stripBasePrefix          = flag.Bool("strip-base-prefix", false, "if true, strips the base prefix from requests forwarded to the target server")
	target                   = flag.String("target", "http://localhost:3923", "target to reverse proxy to, set to an empty string to answer admitted requests directly (auth request mode)")
	targetSNI                = flag.String("target-sni", "", "if set, the value of the TLS handshake hostname when forwarding requests to the target")
	targetHost               = flag.String("target-host", "", "if set, the value of the Host header when forwarding requests to the target")
	targetInsecureSkipVerify = flag.Bool("target-insecure-skip-verify", false, "if true, skips TLS validation for the backend")
	healthcheck              = flag.Bool("healthcheck", false, "run a health check against Aegis")
	useRemoteAddress         = flag.Bool("use-remote-address", false, "read the client's IP address from the network request, useful for debugging and running Aegis on bare metal")
	extractResources         = flag.String("extract-resources", "", "if set, extract the built-in policy files to the specified folder")
	versionFlag              = flag.Bool("version", false, "print Aegis version")
)

func doHealthCheck() error {
	resp, err := http.Get("http://localhost" + *metricsBind + "/healthz")
	if err != nil {
		return fmt.Errorf("failed to fetch health status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func setupListener(network string, address string) (net.Listener, string) {
	var formattedAddress string

	switch network {
	case "unix":
		formattedAddress = "unix:" + address
	case "tcp":
		if strings.HasPrefix(address, ":") { // assume it's just a port e.g. :4259
			formattedAddress = "http://localhost" + address
		} else {
			formattedAddress = "http://" + address
		}
	default:
		formattedAddress = fmt.Sprintf(`(%s) %s`, network, address)
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to bind to %s: %w", formattedAddress, err))
	}

	if network == "unix" {
		mode, err := strconv.ParseUint(*socketMode, 8, 0)
		if err != nil {
			listener.Close()
			log.Fatal(fmt.Errorf("could not parse socket mode %s: %w", *socketMode, err))
		}

		if err := os.Chmod(address, os.FileMode(mode)); err != nil {
			listener.Close()
			log.Fatal(fmt.Errorf("could not change socket mode: %w", err))
		}
	}

	return listener, formattedAddress
}

func makeReverseProxy(target string, targetSNI string, targetHost string, insecureSkipVerify bool) (http.Handler, error) {
	targetUri, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target URL: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	if targetUri.Scheme == "unix" {
		// clean path up so we don't use the socket path in proxied requests
		addr := targetUri.Path
		targetUri.Path = ""
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			dialer := net.Dialer{}
			return dialer.DialContext(ctx, "unix", addr)
		}
		transport.RegisterProtocol("unix", libaegis.UnixRoundTripper{Transport: transport})
	}

	if insecureSkipVerify || targetSNI != "" {
		transport.TLSClientConfig = &tls.Config{}
		if insecureSkipVerify {
			slog.Warn("TARGET_INSECURE_SKIP_VERIFY is set to true, TLS certificate validation will not be performed", "target", target)
			transport.TLSClientConfig.InsecureSkipVerify = true
		}
		if targetSNI != "" {
			transport.TLSClientConfig.ServerName = targetSNI
		}
	}

	rp := httputil.NewSingleHostReverseProxy(targetUri)
	rp.Transport = transport

	if targetHost != "" {
		originalDirector := rp.Director
		rp.Director = func(req *http.Request) {
			originalDirector(req)
			req.Host = targetHost
		}
	}

	return rp, nil
}

// loadSecret reads the signing secret from the flag or the secret file.
// There is no default: a gateway without a secret refuses to start.
func loadSecret() ([]byte, error) {
	switch {
	case *signatureSecret != "" && *signatureSecretFile != "":
		return nil, errors.New("do not specify both SIGNATURE_SECRET and SIGNATURE_SECRET_FILE")
	case *signatureSecretFile != "":
		secret, err := os.ReadFile(*signatureSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read SIGNATURE_SECRET_FILE %s: %w", *signatureSecretFile, err)
		}
		return bytes.TrimSpace(secret), nil
	case *signatureSecret != "":
		return []byte(*signatureSecret), nil
	default:
		return nil, nil
	}
}

// applyOverrides layers flag and environment settings over the policy file.
func applyOverrides(pc *policy.ParsedConfig) error {
	cfg := pc.Config()

	if *challengeDifficulty != 0 {
		cfg.Challenge.Difficulty = *challengeDifficulty
	}
	if *challengeTTL != 0 {
		cfg.Challenge.TTL = config.Duration(*challengeTTL)
	}
	if *tokenTTL != 0 {
		cfg.Tokens.TTL = config.Duration(*tokenTTL)
	}
	if *replayWindow != 0 {
		cfg.Signature.ReplayWindow = config.Duration(*replayWindow)
	}

	for _, v := range []interface{ Valid() error }{cfg.Challenge, cfg.Tokens, cfg.Signature} {
		if err := v.Valid(); err != nil {
			return err
		}
	}

	if *privilegedPaths == "" {
		return nil
	}

	var extra []policy.Route
	for i, expr := range strings.Split(*privilegedPaths, ",") {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}

		route, err := policy.CompileRoute(config.Route{
			Name:      fmt.Sprintf("privileged-paths/%d", i),
			Action:    config.ActionPrivileged,
			PathRegex: &expr,
		})
		if err != nil {
			return fmt.Errorf("can't use privileged path %q: %w", expr, err)
		}
		extra = append(extra, route)
	}

	pc.Routes = append(extra, pc.Routes...)
	return nil
}

func main() {
	flagenv.Parse()
	flag.Parse()

	if *versionFlag {
		fmt.Println("Aegis", aegis.Version)
		return
	}

	internal.InitSlog(*slogLevel)

	if *healthcheck {
		if err := doHealthCheck(); err != nil {
			log.Fatal(err)
		}
		return
	}

	if *extractResources != "" {
		if err := extractEmbedFS(data.Policies, ".", *extractResources); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Extracted embedded policy files to %s\n", *extractResources)
		return
	}

	if *basePrefix != "" && !strings.HasPrefix(*basePrefix, "/") {
		log.Fatalf("[misconfiguration] base-prefix must start with a slash, eg: /%s", *basePrefix)
	} else if strings.HasSuffix(*basePrefix, "/") {
		log.Fatalf("[misconfiguration] base-prefix must not end with a slash")
	}
	if *stripBasePrefix && *basePrefix == "" {
		log.Fatalf("[misconfiguration] strip-base-prefix is set to true, but base-prefix is not set, " +
			"this may result in unexpected behavior")
	}

	secret, err := loadSecret()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pc, err := libaegis.LoadPoliciesOrDefault(ctx, *policyFname)
	if err != nil {
		log.Fatalf("can't parse policy file: %v", err)
	}

	if err := applyOverrides(pc); err != nil {
		log.Fatalf("[misconfiguration] %v", err)
	}

	if len(secret) == 0 && pc.Config().Signature.Secret == "" {
		log.Fatal("[misconfiguration] SIGNATURE_SECRET is not set, Aegis can't verify privileged requests without it")
	}

	storeCfg := pc.Config().Store
	st, err := store.Build(ctx, storeCfg.Backend, storeCfg.Parameters)
	if err != nil {
		log.Fatalf("can't build %s store: %v", storeCfg.Backend, err)
	}
	if !storeCfg.Shared() {
		slog.Warn("challenges and tokens are kept in this process only, replicas behind a load balancer need a shared store", "backend", storeCfg.Backend)
	}

	var rp http.Handler
	// when using aegis via systemd and environment variables, it is not possible to set target to an empty string but only to space
	if strings.TrimSpace(*target) != "" {
		rp, err = makeReverseProxy(*target, *targetSNI, *targetHost, *targetInsecureSkipVerify)
		if err != nil {
			log.Fatalf("can't make reverse proxy: %v", err)
		}
	}

	localization.ForcedLanguage = *forcedLanguage

	s, err := libaegis.New(libaegis.Options{
		BasePrefix:      *basePrefix,
		StripBasePrefix: *stripBasePrefix,
		Next:            rp,
		Policy:          pc,
		Store:           st,
		Secret:          secret,
	})
	if err != nil {
		log.Fatalf("can't construct lib.Server: %v", err)
	}

	ruleErrorIDs := make(map[string]string)
	for _, route := range pc.Routes {
		if route.Action == config.ActionDeny {
			ruleErrorIDs[route.Name] = route.Hash()
		}
	}

	wg := new(sync.WaitGroup)

	if *metricsBind != "" {
		wg.Add(1)
		go metricsServer(ctx, wg.Done)
	}

	var h http.Handler
	h = s
	h = internal.XForwardedForToXRealIP(h)
	h = internal.RemoteXRealIP(*useRemoteAddress, *bindNetwork, h)

	srv := http.Server{Handler: h, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, listenerUrl := setupListener(*bindNetwork, *bind)
	slog.Info(
		"listening",
		"url", listenerUrl,
		"difficulty", pc.Config().Challenge.Difficulty,
		"challenge-ttl", pc.Config().Challenge.TTL,
		"token-ttl", pc.Config().Tokens.TTL,
		"replay-window", pc.Config().Signature.ReplayWindow,
		"store", storeCfg.Backend,
		"target", *target,
		"version", aegis.Version,
		"use-remote-address", *useRemoteAddress,
		"base-prefix", *basePrefix,
		"rule-error-ids", ruleErrorIDs,
	)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	wg.Wait()
}

func metricsServer(ctx context.Context, done func()) {
	defer done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "OK")
	})

	srv := http.Server{Handler: mux, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, metricsUrl := setupListener(*metricsBindNetwork, *metricsBind)
	slog.Debug("listening for metrics", "url", metricsUrl)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func extractEmbedFS(fsys embed.FS, root string, destDir string) error {
	return fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		destPath := filepath.Join(destDir, relPath)

		if d.IsDir() {
			return os.MkdirAll(destPath, 0o700)
		}

		embeddedData, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}

		return os.WriteFile(destPath, embeddedData, 0o644)
	})
}
