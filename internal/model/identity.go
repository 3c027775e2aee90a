package model

import (
	"fmt"
	"sort"
	"strings"
)

// Capability is a (resource, action) pair such as api_keys:write.
type Capability struct {
	Resource string
	Action   string
}

// Permissions known to the system. API keys may only carry entries from
// this catalog.
var (
	CapReadAPIKeys      = Capability{Resource: "api_keys", Action: "read"}
	CapWriteAPIKeys     = Capability{Resource: "api_keys", Action: "write"}
	CapReadAudit        = Capability{Resource: "audit", Action: "read"}
	CapReadBreakers     = Capability{Resource: "breakers", Action: "read"}
	CapWriteBreakers    = Capability{Resource: "breakers", Action: "write"}
	CapCallIntegrations = Capability{Resource: "integrations", Action: "call"}
)

// PermissionCatalog lists every capability that may be granted.
var PermissionCatalog = []Capability{
	CapReadAPIKeys,
	CapWriteAPIKeys,
	CapReadAudit,
	CapReadBreakers,
	CapWriteBreakers,
	CapCallIntegrations,
}

// String renders the capability as resource:action.
func (c Capability) String() string {
	return c.Resource + ":" + c.Action
}

// ParseCapability parses a resource:action string.
func ParseCapability(s string) (Capability, error) {
	resource, action, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return Capability{}, fmt.Errorf("invalid capability %q: expected resource:action", s)
	}
	return Capability{Resource: resource, Action: action}, nil
}

// InCatalog reports whether c is a grantable permission.
func InCatalog(c Capability) bool {
	for _, known := range PermissionCatalog {
		if known == c {
			return true
		}
	}
	return false
}

// CapabilitySet is an explicit set of granted capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// ParseCapabilitySet parses each entry and fails on the first malformed one.
func ParseCapabilitySet(perms []string) (CapabilitySet, error) {
	set := make(CapabilitySet, len(perms))
	for _, p := range perms {
		c, err := ParseCapability(p)
		if err != nil {
			return nil, err
		}
		set[c] = struct{}{}
	}
	return set, nil
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Strings returns the sorted resource:action form of every member.
func (s CapabilitySet) Strings() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c.String())
	}
	sort.Strings(out)
	return out
}

// Identity is an already-authenticated caller performing a privileged
// operation. It is produced by the identity verifier from a bearer token.
type Identity struct {
	Subject        string
	OrganizationID string
	IsSuperuser    bool
	Permissions    CapabilitySet
	IsActive       bool
}
