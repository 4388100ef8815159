package roles

import (
	"context"
	"fmt"

	"flowline/internal/repo"
)

// UnknownRoleError indicates a role reference that resolves to nobody.
type UnknownRoleError struct {
	Role string
}

func (e UnknownRoleError) Error() string {
	return fmt.Sprintf("role %s has no members", e.Role)
}

// Service resolves abstract role references to concrete principals,
// backed by SQL. A role reference may also be a principal id directly,
// which resolves to that principal alone.
type Service struct {
	Repo repo.Repo
}

// Resolve returns the principal IDs eligible for a role reference in
// stable order.
func (s Service) Resolve(ctx context.Context, roleRef string) ([]string, error) {
	members, err := s.Repo.RoleMembers(ctx, roleRef)
	if err != nil {
		return nil, err
	}
	if len(members) > 0 {
		return members, nil
	}
	if _, err := s.Repo.GetUser(ctx, roleRef); err == nil {
		return []string{roleRef}, nil
	}
	return nil, UnknownRoleError{Role: roleRef}
}

// IsMember reports whether a principal satisfies a role reference.
func (s Service) IsMember(ctx context.Context, principal, roleRef string) (bool, error) {
	if principal == roleRef {
		return true, nil
	}
	return s.Repo.IsRoleMember(ctx, roleRef, principal)
}
