package service

import (
	"errors"
	"fmt"

	"github.com/faucetdb/warden/internal/model"
)

// Guard decides whether an identity may perform a privileged operation.
// It holds no state and performs no I/O.
type Guard struct{}

// NewGuard returns a Guard.
func NewGuard() *Guard {
	return &Guard{}
}

// Authorize checks identity against capability within targetOrganizationID.
// Superusers are always allowed. Otherwise the organization must match and
// the capability must be held; the two denials carry different kinds. An
// empty target means every organization and is superuser-only.
func (g *Guard) Authorize(identity model.Identity, capability model.Capability, targetOrganizationID string) error {
	if identity.IsSuperuser {
		return nil
	}
	if targetOrganizationID == "" || identity.OrganizationID != targetOrganizationID {
		return &model.Error{
			Kind:    model.KindWrongOrganization,
			Message: "identity does not belong to the target organization",
		}
	}
	if !identity.Permissions.Has(capability) {
		return &model.Error{
			Kind:    model.KindInsufficientPermission,
			Message: fmt.Sprintf("missing permission %s", capability),
		}
	}
	return nil
}

// AuthorizeGlobal checks a capability over process-wide state, such as
// circuit breakers, that belongs to no organization. Superusers are always
// allowed; anyone else needs the capability itself.
func (g *Guard) AuthorizeGlobal(identity model.Identity, capability model.Capability) error {
	if identity.IsSuperuser || identity.Permissions.Has(capability) {
		return nil
	}
	return &model.Error{
		Kind:    model.KindInsufficientPermission,
		Message: fmt.Sprintf("missing permission %s", capability),
	}
}

// RequireSuperuser guards operations reserved to superusers, such as
// managing organizations.
func (g *Guard) RequireSuperuser(identity model.Identity) error {
	if identity.IsSuperuser {
		return nil
	}
	return &model.Error{
		Kind:    model.KindInsufficientPermission,
		Message: "superuser access required",
	}
}

// AuthorizeKey checks capability on the key with id, given the result of
// looking it up. For anyone but a superuser a missing key and a key in
// another organization yield the same not_found error, and a missing
// capability is reported before the key is considered at all, so the answer
// never reveals whether an id exists elsewhere.
func (g *Guard) AuthorizeKey(identity model.Identity, capability model.Capability, id string, key *model.APIKey, lookupErr error) error {
	if identity.IsSuperuser {
		return lookupErr
	}
	if !identity.Permissions.Has(capability) {
		return &model.Error{
			Kind:    model.KindInsufficientPermission,
			Message: fmt.Sprintf("missing permission %s", capability),
		}
	}
	if lookupErr != nil {
		if errors.Is(lookupErr, model.ErrNotFound) {
			return keyNotFound(id)
		}
		return lookupErr
	}
	if identity.OrganizationID == "" || key.OrganizationID != identity.OrganizationID {
		return keyNotFound(id)
	}
	return nil
}
