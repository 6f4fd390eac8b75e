package server

import (
	"net/http"
	"os"
	"strings"
)

// effectiveHost returns the lowercased hostname the request was addressed to,
// with any port stripped. X-Forwarded-Host is honored only when TRUST_PROXY=1,
// and only its first entry counts.
func effectiveHost(r *http.Request) string {
	host := r.Host
	if os.Getenv("TRUST_PROXY") == "1" {
		if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); fwd != "" {
			if first, _, ok := strings.Cut(fwd, ","); ok {
				fwd = first
			}
			host = fwd
		}
	}
	return canonicalHost(host)
}

func canonicalHost(host string) string {
	host = strings.TrimSpace(host)
	if bare, _, ok := strings.Cut(host, ":"); ok {
		host = bare
	}
	return strings.ToLower(strings.TrimSpace(host))
}
