package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPath(t *testing.T) {
	cfg := Defaults()
	cfg.Principals = []Principal{{Name: "alice", Roles: []string{"ingest"}}}

	v, err := cfg.GetPath("ingest.root_object")
	require.NoError(t, err)
	assert.Equal(t, "collections", v)

	v, err = cfg.GetPath("service.poll_interval")
	require.NoError(t, err)
	assert.Equal(t, "1s", v)

	v, err = cfg.GetPath("principal:alice")
	require.NoError(t, err)
	p, ok := v.(Principal)
	require.True(t, ok)
	assert.Equal(t, []string{"ingest"}, p.Roles)

	_, err = cfg.GetPath("principal:nobody")
	assert.Error(t, err)

	_, err = cfg.GetPath("ingest.nope")
	assert.Error(t, err)

	_, err = cfg.GetPath("ingest.format.deeper")
	assert.Error(t, err)
}
