package api

import (
	"net/url"
	"strings"
)

// localDomainSuffixes are the domain suffixes considered local-only, so
// plain http is acceptable for them.
var localDomainSuffixes = []string{
	"internal",  // Appendix G, RFC 6762
	"local",     // mDNS, RFC 6762
	"localhost", // Section 6.3, RFC 6761
}

// IsURISafe reports whether a candidate endpoint URI may be stored for push
// delivery: it must parse as a well-formed URL and either use https, or use
// http against a local-only host.
func IsURISafe(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		return isLocalHost(u.Hostname())
	}
	return false
}

// isLocalHost matches the final domain label(s) against the local-only
// suffix list. Matching is case-sensitive and tolerates a trailing dot.
func isLocalHost(host string) bool {
	host = strings.TrimSuffix(host, ".")
	for _, suffix := range localDomainSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
