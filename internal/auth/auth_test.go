package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/accession/internal/config"
	"github.com/mattjoyce/accession/internal/repo"
)

func testDirectory() *Directory {
	return NewDirectory([]config.Principal{
		{Name: "root", Roles: []string{"admin"}},
		{Name: "curator", Email: "c@example.org", Roles: []string{" Curator "}, Containers: []string{"coll:1"}},
		{Name: "anycurator", Roles: []string{"curator"}},
		{Name: "loader", Roles: []string{"ingest"}},
	})
}

func TestDirectoryResolve(t *testing.T) {
	d := testDirectory()

	p, err := d.Resolve("curator")
	require.NoError(t, err)
	assert.Equal(t, "c@example.org", p.Email)
	assert.True(t, HasAnyRole(p, RoleIngest), "curator implies ingest")

	_, err = d.Resolve("nobody")
	assert.True(t, errors.Is(err, ErrUnknownPrincipal))
}

func TestRoleGate(t *testing.T) {
	d := testDirectory()
	gate := RoleGate{}
	ctx := context.Background()

	resolve := func(name string) Principal {
		p, err := d.Resolve(name)
		require.NoError(t, err)
		return p
	}

	cases := []struct {
		who       string
		perm      Permission
		container string
		want      bool
	}{
		{"root", AddRemove, "coll:9", true},
		{"root", Operate, "", true},
		{"curator", AddRemove, "coll:1", true},
		{"curator", AddRemove, "coll:2", false},
		{"curator", Purge, "coll:1", true},
		{"anycurator", AddRemove, "coll:2", true},
		{"curator", Purge, "", true},
		{"loader", AddRemove, "coll:1", false},
		{"loader", Purge, "", false},
		{"loader", Operate, "", false},
	}
	for _, tc := range cases {
		got := gate.Allowed(ctx, resolve(tc.who), tc.perm, repo.ObjectID(tc.container))
		assert.Equal(t, tc.want, got, "%s %s %s", tc.who, tc.perm, tc.container)
	}
}

func TestAuthenticateAPIKey(t *testing.T) {
	p, ok := AuthenticateAPIKey("secret", "secret")
	require.True(t, ok)
	assert.True(t, RoleGate{}.Allowed(context.Background(), p, Operate, ""))

	_, ok = AuthenticateAPIKey("wrong", "secret")
	assert.False(t, ok)
	_, ok = AuthenticateAPIKey("", "")
	assert.False(t, ok, "empty key never authenticates")
}

func TestExtractBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, err := ExtractBearerToken(r)
	assert.Error(t, err)

	r.Header.Set("Authorization", "Basic abc")
	_, err = ExtractBearerToken(r)
	assert.Error(t, err)

	r.Header.Set("Authorization", "Bearer  tok ")
	tok, err := ExtractBearerToken(r)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{Name: "x"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "x", p.Name)
}
