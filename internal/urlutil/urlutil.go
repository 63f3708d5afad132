// Package urlutil classifies stream input/output URLs by transport scheme
// (spec.md §6: HTTP pull, UDP multicast ingest, HTTP push) so the ingest
// layer can pick the right collaborator without repeating url.Parse calls
// and scheme comparisons at every call site.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// Transport scheme constants for stream inputs.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeUDP   = "udp"
)

// GetScheme returns the lowercased scheme of u, or "" if u doesn't parse.
func GetScheme(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}

// IsHTTPInput reports whether u should be read via the HTTP pull transport.
func IsHTTPInput(u string) bool {
	scheme := GetScheme(u)
	return scheme == SchemeHTTP || scheme == SchemeHTTPS
}

// IsMulticastInput reports whether u should be read via the UDP multicast
// transport.
func IsMulticastInput(u string) bool {
	return GetScheme(u) == SchemeUDP
}

// ValidateInputURL checks that u is a well-formed stream input URL using one
// of the transports spec.md §6 defines. udp:// inputs additionally require
// a host:port authority (the multicast group and port to join).
func ValidateInputURL(u string) error {
	if u == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case SchemeHTTP, SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("%s url %q is missing a host", parsed.Scheme, u)
		}
		return nil
	case SchemeUDP:
		if parsed.Host == "" || parsed.Port() == "" {
			return fmt.Errorf("udp url %q must specify host:port", u)
		}
		return nil
	default:
		return fmt.Errorf("unsupported input url scheme %q (want http, https, or udp)", parsed.Scheme)
	}
}
