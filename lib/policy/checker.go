package policy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"slices"
	"strings"

	"github.com/gaissmai/bart"
	"github.com/uvensys/aegis/internal"
	"github.com/uvensys/aegis/lib/policy/checker"
)

var (
	ErrMisconfiguration = errors.New("[unexpected] policy: administrator misconfiguration")
)

type RemoteAddrChecker struct {
	table *bart.Table[struct{}]
	hash  string
}

func NewRemoteAddrChecker(cidrs []string) (checker.Impl, error) {
	table := &bart.Table[struct{}]{}
	var sb strings.Builder

	for _, cidr := range cidrs {
		pfx, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("%w: range %s not parsing: %w", ErrMisconfiguration, cidr, err)
		}

		table.Insert(pfx.Masked(), struct{}{})
		fmt.Fprintln(&sb, pfx.Masked())
	}

	return &RemoteAddrChecker{
		table: table,
		hash:  internal.FastHash(sb.String()),
	}, nil
}

// remoteAddr prefers X-Real-Ip, which the gateway's middleware sets from
// the connection or a trusted X-Forwarded-For.
func remoteAddr(r *http.Request) string {
	if host := r.Header.Get("X-Real-Ip"); host != "" {
		return host
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rac *RemoteAddrChecker) Check(r *http.Request) (bool, error) {
	host := remoteAddr(r)
	if host == "" {
		return false, fmt.Errorf("%w: request has no remote address", ErrMisconfiguration)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false, fmt.Errorf("%w: %s is not an IP address: %w", ErrMisconfiguration, host, err)
	}

	return rac.table.Contains(addr.Unmap()), nil
}

func (rac *RemoteAddrChecker) Hash() string {
	return rac.hash
}

type HeaderMatchesChecker struct {
	header string
	regexp *regexp.Regexp
	hash   string
}

func NewHeaderMatchesChecker(header, rexStr string) (checker.Impl, error) {
	rex, err := regexp.Compile(strings.TrimSpace(rexStr))
	if err != nil {
		return nil, fmt.Errorf("%w: regex %s failed parse: %w", ErrMisconfiguration, rexStr, err)
	}
	return &HeaderMatchesChecker{strings.TrimSpace(header), rex, internal.FastHash(header + ": " + rexStr)}, nil
}

func (hmc *HeaderMatchesChecker) Check(r *http.Request) (bool, error) {
	return hmc.regexp.MatchString(r.Header.Get(hmc.header)), nil
}

func (hmc *HeaderMatchesChecker) Hash() string {
	return hmc.hash
}

type PathChecker struct {
	regexp *regexp.Regexp
	hash   string
}

func NewPathChecker(rexStr string) (checker.Impl, error) {
	rex, err := regexp.Compile(strings.TrimSpace(rexStr))
	if err != nil {
		return nil, fmt.Errorf("%w: regex %s failed parse: %w", ErrMisconfiguration, rexStr, err)
	}
	return &PathChecker{rex, internal.FastHash(rexStr)}, nil
}

func (pc *PathChecker) Check(r *http.Request) (bool, error) {
	return pc.regexp.MatchString(r.URL.Path), nil
}

func (pc *PathChecker) Hash() string {
	return pc.hash
}

type headerExistsChecker struct {
	header string
}

func NewHeaderExistsChecker(key string) checker.Impl {
	return headerExistsChecker{strings.TrimSpace(key)}
}

func (hec headerExistsChecker) Check(r *http.Request) (bool, error) {
	return r.Header.Get(hec.header) != "", nil
}

func (hec headerExistsChecker) Hash() string {
	return internal.FastHash(hec.header)
}

// NewHeadersChecker matches when every header matches its regex. A regex of
// ".*" only requires the header to be present.
func NewHeadersChecker(headermap map[string]string) (checker.Impl, error) {
	var result checker.All
	var errs []error

	keys := make([]string, 0, len(headermap))
	for key := range headermap {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		rexStr := headermap[key]
		if rexStr == ".*" {
			result = append(result, NewHeaderExistsChecker(key))
			continue
		}

		c, err := NewHeaderMatchesChecker(key, rexStr)
		if err != nil {
			errs = append(errs, fmt.Errorf("while compiling header %s regex %s: %w", key, rexStr, err))
			continue
		}

		result = append(result, c)
	}

	if len(errs) != 0 {
		return nil, errors.Join(errs...)
	}

	return result, nil
}

type MethodChecker struct {
	methods []string
}

func NewMethodChecker(methods []string) checker.Impl {
	upper := make([]string, len(methods))
	for i, m := range methods {
		upper[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	slices.Sort(upper)

	return MethodChecker{methods: upper}
}

func (mc MethodChecker) Check(r *http.Request) (bool, error) {
	return slices.Contains(mc.methods, r.Method), nil
}

func (mc MethodChecker) Hash() string {
	return internal.FastHash(strings.Join(mc.methods, ","))
}
