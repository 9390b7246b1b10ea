// Package origin implements the ALLOWED_ORIGINS policy applied to browser
// WebSocket upgrades and the room REST surface.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates and normalizes a browser Origin header into
// scheme://host[:port] form (default ports stripped). The special value
// "null" passes through unchanged.
func Normalize(originHeader string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", "", false
	}

	var port uint64
	if raw := u.Port(); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || n == 0 {
			return "", "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host = hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether the normalized origin may use the service.
//
// A non-empty allowlist wins: entries are either "*" or normalized origins.
// With an empty allowlist the policy is same-host: the origin's host[:port]
// must equal the request's Host header.
func Allowed(normalized, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}
	if normalized == "null" {
		return false
	}
	return originHost != "" && equalHost(originHost, requestHost)
}

// CheckRequest applies Normalize+Allowed to raw header values. A request
// without an Origin header (non-browser client) is always allowed.
func CheckRequest(originHeader, requestHost string, allowedOrigins []string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	return Allowed(normalized, host, requestHost, allowedOrigins)
}

// ParseAllowedOrigins parses the comma-separated ALLOWED_ORIGINS value into
// normalized entries. "*" is kept as-is.
func ParseAllowedOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" {
			out = append(out, part)
			continue
		}
		if normalized, _, ok := Normalize(part); ok {
			out = append(out, normalized)
		}
	}
	return out
}

func equalHost(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}
