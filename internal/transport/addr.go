package transport

import (
	"fmt"
	"strings"
)

const (
	SchemeTCP    = "tcp"
	SchemeInproc = "inproc"
)

// ParseAddr splits an endpoint such as "tcp://127.0.0.1:5555" or
// "inproc://monitor" into its scheme and the scheme specific part.
func ParseAddr(addr string) (scheme, rest string, err error) {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("invalid endpoint %q", addr)
	}
	switch scheme {
	case SchemeTCP, SchemeInproc:
		return scheme, rest, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}
