package auth

import (
	"fmt"
	"strings"

	"harvestline/internal/domain"
)

type Role string

const (
	RoleHolder   Role = "holder"
	RoleIssuer   Role = "issuer"
	RoleOperator Role = "operator"
)

// ForbiddenError indicates the requester may not perform the action.
type ForbiddenError struct {
	Action    string
	Requester string
}

func (e ForbiddenError) Error() string {
	if e.Requester == "" {
		return fmt.Sprintf("%s requires an identified requester", e.Action)
	}
	return fmt.Sprintf("%s not permitted for %s", e.Action, e.Requester)
}

func (e ForbiddenError) Is(target error) bool { return target == domain.ErrUnauthorized }

// Authorizer resolves the requester's relationship to a policy.
type Authorizer struct {
	IsOperator func(id string) bool
}

func (a Authorizer) operator(id string) bool {
	return a.IsOperator != nil && a.IsOperator(id)
}

// PolicyRole returns the strongest role requester holds on p.
func (a Authorizer) PolicyRole(requester string, p domain.Policy) (Role, bool) {
	requester = strings.TrimSpace(requester)
	switch {
	case requester == "":
		return "", false
	case a.operator(requester):
		return RoleOperator, true
	case requester == p.Issuer:
		return RoleIssuer, true
	case requester == p.HolderAddress:
		return RoleHolder, true
	}
	return "", false
}

// RequirePolicyParty allows the holder, the issuer and operators.
func (a Authorizer) RequirePolicyParty(action, requester string, p domain.Policy) (Role, error) {
	role, ok := a.PolicyRole(requester, p)
	if !ok {
		return "", ForbiddenError{Action: action, Requester: requester}
	}
	return role, nil
}

// RequireIssuer allows operators and the named issuer account.
func (a Authorizer) RequireIssuer(action, requester, issuer string) error {
	requester = strings.TrimSpace(requester)
	if requester != "" && (a.operator(requester) || requester == issuer) {
		return nil
	}
	return ForbiddenError{Action: action, Requester: requester}
}
