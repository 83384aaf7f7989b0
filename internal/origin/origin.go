// Package origin implements the browser Origin policy shared by the client
// WebSocket, the admin endpoints and the public HTTP routes.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Wildcard in an allow list admits every origin.
const Wildcard = "*"

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// dropped) and the host[:port] portion for same-host comparisons. The literal
// "null" is accepted and returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may talk to requestHost.
//
// A non-empty allow list is matched exactly (or by Wildcard). An empty list
// means same-host only. Schemes are not compared so a TLS-terminating proxy in
// front of the relay does not break same-host checks.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == Wildcard || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && originHost == reqHost
}

// CheckRequest applies the policy to r. Requests without an Origin header are
// not from a browser and are allowed; the returned origin is then empty.
func CheckRequest(r *http.Request, allowedOrigins []string) (normalizedOrigin string, ok bool) {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" {
		return "", true
	}
	normalized, host, ok := NormalizeHeader(raw)
	if !ok || !IsAllowed(normalized, host, r.Host, allowedOrigins) {
		return normalized, false
	}
	return normalized, true
}

// canonicalHost lowercases an authority, validates its port and drops the
// scheme's default port. IPv6 literals keep their brackets.
func canonicalHost(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(authority)))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. Bracketed IPv6 hostnames are returned
// without brackets; unbracketed IPv6 is rejected.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}

	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := raw[1:end], raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, found := strings.CutPrefix(rest, ":")
		if !found || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		hostname, port, _ = strings.Cut(raw, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
