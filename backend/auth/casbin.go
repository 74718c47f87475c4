package auth

import (
	"context"

	"Node-sync/backend/logging"
	"Node-sync/backend/peer"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// documentModel grants read or write on documents to users or roles. A
// write grant implies read, "*" matches every user and objects accept
// keyMatch patterns such as "team/*".
const documentModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (g(r.sub, p.sub) || p.sub == "*") && keyMatch(r.obj, p.obj) && (r.act == p.act || (p.act == "write" && r.act == "read"))
`

// CasbinAuthorizer checks document access against casbin policies.
//
// - implements peer.Authorizer
type CasbinAuthorizer struct {
	enforcer *casbin.SyncedEnforcer
	log      zerolog.Logger
}

// NewCasbinAuthorizer loads the policies of a CSV policy file. An empty path
// starts without policies.
func NewCasbinAuthorizer(policyPath string) (*CasbinAuthorizer, error) {
	m, err := model.NewModelFromString(documentModel)
	if err != nil {
		return nil, xerrors.Errorf("failed to load casbin model: %w", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if policyPath != "" {
		enforcer, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to create casbin enforcer: %w", err)
	}

	return &CasbinAuthorizer{
		enforcer: enforcer,
		log:      logging.New("auth"),
	}, nil
}

// CanAccess implements peer.Authorizer
func (a *CasbinAuthorizer) CanAccess(_ context.Context, userID, docID string, mode peer.AccessMode) (bool, error) {
	allowed, err := a.enforcer.Enforce(userID, docID, mode.String())
	if err != nil {
		return false, xerrors.Errorf("enforcement failed: %w", err)
	}

	a.log.Debug().Str("user", userID).Str("document", docID).Msgf("%s access allowed: %t", mode, allowed)
	return allowed, nil
}

// Grant allows the subject, a user or a role, the mode on documents
// matching the pattern.
func (a *CasbinAuthorizer) Grant(subject, pattern string, mode peer.AccessMode) error {
	_, err := a.enforcer.AddPolicy(subject, pattern, mode.String())
	if err != nil {
		return xerrors.Errorf("failed to grant %s on %s to %s: %w", mode, pattern, subject, err)
	}
	return nil
}

// Revoke removes a grant added with Grant or loaded from the policy file.
func (a *CasbinAuthorizer) Revoke(subject, pattern string, mode peer.AccessMode) error {
	_, err := a.enforcer.RemovePolicy(subject, pattern, mode.String())
	if err != nil {
		return xerrors.Errorf("failed to revoke %s on %s from %s: %w", mode, pattern, subject, err)
	}
	return nil
}

// AddRole makes the user a member of the role.
func (a *CasbinAuthorizer) AddRole(user, role string) error {
	_, err := a.enforcer.AddGroupingPolicy(user, role)
	if err != nil {
		return xerrors.Errorf("failed to add %s to %s: %w", user, role, err)
	}
	return nil
}
