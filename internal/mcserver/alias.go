package mcserver

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultAliasPrefix is the marker that starts every bridged room alias.
const DefaultAliasPrefix = "_mc"

// InvalidAliasError reports a room-naming token that cannot be decoded.
type InvalidAliasError struct {
	Token  string
	Reason string
}

func (e *InvalidAliasError) Error() string {
	return fmt.Sprintf("invalid alias %q: %s", e.Token, e.Reason)
}

// AliasResolver decodes alias localparts of the form
// <prefix>_<hostname with optional underscores>[_<port>].
type AliasResolver struct {
	prefix string
}

// NewAliasResolver returns a resolver for the given marker. An empty marker
// selects DefaultAliasPrefix.
func NewAliasResolver(prefix string) *AliasResolver {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultAliasPrefix
	}
	return &AliasResolver{prefix: prefix}
}

// Prefix returns the marker the resolver expects.
func (r *AliasResolver) Prefix() string { return r.prefix }

// Resolve decodes an alias localpart into a server identity.
//
// When the last underscore-separated segment is numeric it is taken as the
// port, so a hostname whose final component is itself numeric cannot be
// expressed without an explicit port. This is a known limitation of the
// naming convention.
func (r *AliasResolver) Resolve(token string) (Identity, error) {
	marker := r.prefix + "_"
	if !strings.HasPrefix(token, marker) {
		return Identity{}, &InvalidAliasError{Token: token, Reason: "missing " + marker + " prefix"}
	}
	rest := token[len(marker):]

	hostname, port := rest, DefaultPort
	segments := strings.Split(rest, "_")
	if n := len(segments); n >= 2 && isDigits(segments[n-1]) {
		p, err := strconv.Atoi(segments[n-1])
		if err != nil || p > 65535 {
			return Identity{}, &InvalidAliasError{Token: token, Reason: "port out of range"}
		}
		hostname = strings.Join(segments[:n-1], "_")
		port = p
	}
	if hostname == "" {
		return Identity{}, &InvalidAliasError{Token: token, Reason: "empty hostname"}
	}
	return New(hostname, port), nil
}

// Format is the inverse of Resolve for identities whose hostname does not end
// in a numeric segment. The port is always written out.
func (r *AliasResolver) Format(id Identity) string {
	return r.prefix + "_" + id.Hostname + "_" + strconv.Itoa(id.Port)
}

// LocalpartFromAlias strips the leading '#' and the ":server" suffix from a
// full room alias.
func LocalpartFromAlias(alias string) string {
	alias = strings.TrimPrefix(strings.TrimSpace(alias), "#")
	if i := strings.IndexByte(alias, ':'); i >= 0 {
		alias = alias[:i]
	}
	return alias
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
