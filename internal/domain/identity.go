package domain

import "strings"

// Identity is the admission-control and delivery key of a client.
// Authenticated players are "user:<id>", anonymous callers "ip:<addr>".
type Identity string

const (
	userPrefix     = "user:"
	ipPrefix       = "ip:"
	instancePrefix = "instance:"
)

func UserIdentity(userID string) Identity { return Identity(userPrefix + userID) }

func IPIdentity(addr string) Identity { return Identity(ipPrefix + addr) }

// InstanceIdentity identifies a server process as a broker subscriber.
func InstanceIdentity(instanceID string) Identity { return Identity(instancePrefix + instanceID) }

func (i Identity) String() string { return string(i) }

// IsUser reports whether the identity belongs to an authenticated principal.
func (i Identity) IsUser() bool { return strings.HasPrefix(string(i), userPrefix) }

// UserID returns the principal id, or "" for non-user identities.
func (i Identity) UserID() string {
	if !i.IsUser() {
		return ""
	}
	return strings.TrimPrefix(string(i), userPrefix)
}
