package event

import (
	"fmt"
	"math/bits"
	"strings"
)

// Kind identifies a socket lifecycle event. Kinds are bit flags, so a set of
// kinds is also a Kind.
type Kind uint32

const (
	Connected Kind = 1 << iota
	ConnectDelayed
	ConnectRetried
	Listening
	BindFailed
	Accepted
	AcceptFailed
	Closed
	CloseFailed
	Disconnected

	All = Connected | ConnectDelayed | ConnectRetried | Listening | BindFailed |
		Accepted | AcceptFailed | Closed | CloseFailed | Disconnected
)

var kindNames = map[Kind]string{
	Connected:      "connected",
	ConnectDelayed: "connect_delayed",
	ConnectRetried: "connect_retried",
	Listening:      "listening",
	BindFailed:     "bind_failed",
	Accepted:       "accepted",
	AcceptFailed:   "accept_failed",
	Closed:         "closed",
	CloseFailed:    "close_failed",
	Disconnected:   "disconnected",
}

// Kinds lists every known kind in bit order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := Connected; k <= Disconnected; k <<= 1 {
		out = append(out, k)
	}
	return out
}

// Valid reports whether k is exactly one known kind.
func (k Kind) Valid() bool {
	return k != 0 && k&All == k && bits.OnesCount32(uint32(k)) == 1
}

// Has reports whether the set k contains every kind in other.
func (k Kind) Has(other Kind) bool {
	return other != 0 && k&other == other
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	if k == 0 {
		return "none"
	}
	var parts []string
	for _, known := range Kinds() {
		if k&known != 0 {
			parts = append(parts, kindNames[known])
		}
	}
	if rest := k &^ All; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseKinds parses a comma separated list of kind names. "all" selects every
// kind and an empty string selects none.
func ParseKinds(s string) (Kind, error) {
	var out Kind
	for _, field := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(field))
		if name == "" {
			continue
		}
		if name == "all" {
			out |= All
			continue
		}
		k, ok := kindByName(name)
		if !ok {
			return 0, fmt.Errorf("unknown event kind %q", field)
		}
		out |= k
	}
	return out, nil
}

func kindByName(name string) (Kind, bool) {
	name = strings.ReplaceAll(name, "-", "_")
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}
