// Package clientip resolves the client address used to key the rate
// limiter and auth throttle. It never trusts X-Forwarded-For unless the
// operator explicitly enables proxy trust, per spec.md §4.B.
package clientip

import "net/http"

// From extracts the caller's address from r. When trustProxy is true and
// an X-Forwarded-For header is present, its first entry is used; otherwise
// r.RemoteAddr (already host:port) is used directly as the key, which is
// sufficient for keying purposes without needing to split the port.
func From(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			for i, c := range fwd {
				if c == ',' {
					return fwd[:i]
				}
			}
			return fwd
		}
	}
	return r.RemoteAddr
}
