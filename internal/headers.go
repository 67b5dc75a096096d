package internal

import (
	"net"
	"net/http"

	"github.com/sebest/xff"
)

// XForwardedForToXRealIP sets X-Real-Ip from the first public address in
// X-Forwarded-For, falling back to the socket peer. Policy remote address
// matching and request logging both read X-Real-Ip.
func XForwardedForToXRealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Real-Ip") == "" {
			if ip := realIP(r); ip != "" {
				r.Header.Set("X-Real-Ip", ip)
			}
		}

		next.ServeHTTP(w, r)
	})
}

// RemoteXRealIP forces X-Real-Ip to the socket peer when useRemoteAddress is
// set. Use it when Aegis is exposed directly without a trusted proxy.
func RemoteXRealIP(useRemoteAddress bool, bindNetwork string, next http.Handler) http.Handler {
	if !useRemoteAddress {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bindNetwork == "unix" {
			r.Header.Set("X-Real-Ip", "127.0.0.1")
		} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			r.Header.Set("X-Real-Ip", host)
		}

		next.ServeHTTP(w, r)
	})
}

func realIP(r *http.Request) string {
	addr := xff.GetRemoteAddr(r)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// NoStoreCache marks every response as uncacheable.
func NoStoreCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
