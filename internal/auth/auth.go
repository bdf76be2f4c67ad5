// Package auth resolves principals and answers yes/no access questions. Full ACL
// evaluation belongs to the repository; the write path only consumes the answer.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mattjoyce/accession/internal/config"
	"github.com/mattjoyce/accession/internal/repo"
)

// ErrUnknownPrincipal is returned when a name is not in the directory.
var ErrUnknownPrincipal = errors.New("unknown principal")

const (
	RoleAdmin    = "admin"
	RoleCurator  = "curator"
	RoleIngest   = "ingest"
	RoleOperator = "operator"
)

// Permission is an action checked against a container.
type Permission string

const (
	// AddRemove covers adding children to and removing children from a container.
	AddRemove Permission = "add_remove"
	Purge     Permission = "purge"
	Operate   Permission = "operate"
)

type Principal struct {
	Name  string
	Email string
	Roles map[string]struct{}
	// Containers limits container-scoped permissions. Empty means every container.
	Containers map[repo.ObjectID]struct{}
}

func newPrincipal(p config.Principal) Principal {
	out := Principal{
		Name:       p.Name,
		Email:      p.Email,
		Roles:      normalizeRoles(p.Roles),
		Containers: make(map[repo.ObjectID]struct{}, len(p.Containers)),
	}
	for _, c := range p.Containers {
		c = strings.TrimSpace(c)
		if c != "" {
			out.Containers[repo.ObjectID(c)] = struct{}{}
		}
	}
	return out
}

func normalizeRoles(roles []string) map[string]struct{} {
	out := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		out[r] = struct{}{}
	}
	// Curators may do anything an ingest user can.
	if _, ok := out[RoleCurator]; ok {
		out[RoleIngest] = struct{}{}
	}
	return out
}

// HasAnyRole reports whether p holds one of required. Admins hold every role.
func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Roles[RoleAdmin]; ok {
		return true
	}
	for _, r := range required {
		if _, ok := p.Roles[r]; ok {
			return true
		}
	}
	return false
}

// Directory maps submitter names onto configured principals.
type Directory struct {
	byName map[string]Principal
}

func NewDirectory(principals []config.Principal) *Directory {
	d := &Directory{byName: make(map[string]Principal, len(principals))}
	for _, p := range principals {
		d.byName[p.Name] = newPrincipal(p)
	}
	return d
}

func (d *Directory) Resolve(name string) (Principal, error) {
	p, ok := d.byName[strings.TrimSpace(name)]
	if !ok {
		return Principal{}, fmt.Errorf("%w: %q", ErrUnknownPrincipal, name)
	}
	return p, nil
}

// Gate answers whether a principal may perform perm on container. An empty
// container asks about an object outside any container.
type Gate interface {
	Allowed(ctx context.Context, p Principal, perm Permission, container repo.ObjectID) bool
}

// RoleGate grants admin everything, AddRemove and Purge to curators within
// their containers, and Operate to operators. Container scopes only restrict
// objects that have a container; a parentless object needs the role alone.
type RoleGate struct{}

func (RoleGate) Allowed(_ context.Context, p Principal, perm Permission, container repo.ObjectID) bool {
	if HasAnyRole(p, RoleAdmin) {
		return true
	}
	switch perm {
	case AddRemove, Purge:
		if !HasAnyRole(p, RoleCurator) {
			return false
		}
		if len(p.Containers) == 0 || container == "" {
			return true
		}
		_, ok := p.Containers[container]
		return ok
	case Operate:
		return HasAnyRole(p, RoleOperator)
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// AuthenticateAPIKey matches a presented bearer token against the operator API key.
// A match authenticates as the built-in operator principal.
func AuthenticateAPIKey(presented, apiKey string) (Principal, bool) {
	if !constantTimeEqual(presented, apiKey) {
		return Principal{}, false
	}
	return Principal{
		Name:  "api",
		Roles: map[string]struct{}{RoleOperator: {}},
	}, true
}
