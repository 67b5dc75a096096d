// Package shaper rewrites outgoing JSON responses: Redact masks email
// addresses for unprivileged callers, then InjectDecoys adds meaningless
// randomized fields so the real response shape can't be fingerprinted.
package shaper

import (
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxDepth bounds recursion into nested payloads. Values nested deeper are
// replaced with null rather than copied unredacted.
const maxDepth = 64

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`)

// MaskEmail keeps the first two characters of the local part and the whole
// domain: john.doe@example.com becomes jo***@example.com.
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return email
	}

	local, domain := email[:at], email[at+1:]

	prefix := local
	if utf8.RuneCountInString(local) > 2 {
		_, first := utf8.DecodeRuneInString(local)
		_, second := utf8.DecodeRuneInString(local[first:])
		prefix = local[:first+second]
	}

	return prefix + "***@" + domain
}

// RedactString masks every email address inside s.
func RedactString(s string) string {
	return emailPattern.ReplaceAllStringFunc(s, MaskEmail)
}

// Redact returns a deep copy of payload with every email address in string
// values and object keys masked. Privileged callers get payload back untouched. payload is
// never modified.
func Redact(payload any, privileged bool) any {
	if privileged {
		return payload
	}

	return redact(payload, 0)
}

// freeKey returns key, or key with a #N suffix when masking made two keys of
// the same object equal.
func freeKey(obj map[string]any, key string) string {
	if _, taken := obj[key]; !taken {
		return key
	}

	for n := 2; ; n++ {
		candidate := key + "#" + strconv.Itoa(n)
		if _, taken := obj[candidate]; !taken {
			return candidate
		}
	}
}

func redact(v any, depth int) any {
	if depth > maxDepth {
		return nil
	}

	switch t := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(t))
		for _, k := range slices.Sorted(maps.Keys(t)) {
			result[freeKey(result, RedactString(k))] = redact(t[k], depth+1)
		}
		return result
	case []any:
		result := make([]any, len(t))
		for i, vv := range t {
			result[i] = redact(vv, depth+1)
		}
		return result
	case string:
		return RedactString(t)
	default:
		return v
	}
}
