// Package origin decides whether a browser Origin may drive the control API.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns it as
// scheme://host[:port] with default ports dropped, plus the host[:port] part.
// "null" is accepted and returned unchanged with an empty host.
func Normalize(header string) (normalized, host string, ok bool) {
	header = strings.TrimSpace(header)
	switch header {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(header)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
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

// Allowed reports whether an Origin (already normalized) may reach a server
// addressed as requestHost. With an explicit allow list only listed origins
// (or "*") pass; otherwise the origin must name the same host and port.
// Schemes are not compared so a TLS-terminating proxy in front still works.
func Allowed(normalized, originHost, requestHost string, allow []string) bool {
	if len(allow) > 0 {
		for _, a := range allow {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == originHost
}

// canonicalHost lowercases host[:port], brackets IPv6 literals and drops the
// scheme's default port.
func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}

	hostname, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		hostname, port = h, p
		if port == "" {
			return "", false
		}
	} else if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
		hostname = authority[1 : len(authority)-1]
	} else if strings.Contains(authority, ":") {
		// Unbracketed IPv6 or a dangling colon.
		return "", false
	}
	if hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}
