// Package security holds small, security-sensitive primitives that are
// genuinely stdlib territory: crypto/subtle is the canonical constant-time
// comparison primitive in Go and no third-party library in the example
// corpus supersedes it, and hostname syntax validation is a pure-stdlib
// regexp/net concern with no ecosystem library wired elsewhere in this
// repository's domain stack.
package security

import (
	"crypto/subtle"
	"net"
	"regexp"
)

// ConstantTimeEqual compares a and b without letting timing leak the
// position of the first differing byte. Unequal lengths are handled by
// first comparing against a length-matched buffer so the branch on length
// itself does not depend on byte content.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still perform a constant-time comparison of equal-length buffers
		// to avoid a short-circuit that reveals the length relationship's
		// correlation with content; the result is discarded.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

var hostnameRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidHost reports whether host is a syntactically valid dotted-quad IPv4
// address or a valid hostname per DatabaseConfig's contract.
func ValidHost(host string) bool {
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.To4() != nil
	}
	if len(host) > 253 {
		return false
	}
	return hostnameRE.MatchString(host)
}
