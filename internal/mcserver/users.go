package mcserver

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultUserPrefix is the localpart prefix of virtual player accounts.
const DefaultUserPrefix = "_mc"

// UserNamer maps player UUIDs to virtual chat accounts of the form
// @<prefix>_<uuid32>:<domain>.
type UserNamer struct {
	Prefix string
	Domain string
}

func NewUserNamer(prefix, domain string) UserNamer {
	if prefix == "" {
		prefix = DefaultUserPrefix
	}
	return UserNamer{Prefix: prefix, Domain: domain}
}

// Localpart returns the account localpart for a player UUID in any form.
func (n UserNamer) Localpart(playerID string) string {
	return n.Prefix + "_" + strings.ReplaceAll(strings.ToLower(playerID), "-", "")
}

// UserID returns the full account id for a player UUID.
func (n UserNamer) UserID(playerID string) string {
	return "@" + n.Localpart(playerID) + ":" + n.Domain
}

// IsVirtual reports whether userID lies in the bridge's account namespace.
func (n UserNamer) IsVirtual(userID string) bool {
	return strings.HasPrefix(userID, "@"+n.Prefix+"_") && strings.HasSuffix(userID, ":"+n.Domain)
}

// PlayerID extracts the undashed player UUID from a virtual account id.
func (n UserNamer) PlayerID(userID string) (string, bool) {
	if !n.IsVirtual(userID) {
		return "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(userID, "@"+n.Prefix+"_"), ":"+n.Domain)
	u, err := uuid.Parse(rest)
	if err != nil {
		return "", false
	}
	return strings.ReplaceAll(u.String(), "-", ""), true
}
