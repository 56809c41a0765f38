package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresLoader_LoadAll(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id, version, runtime_kind").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "version", "runtime_kind", "methods", "capabilities", "resource_hints",
		}).AddRow(
			"mod-db", "1.0", "remote-service",
			[]byte(`{"query":{}}`), []string{"net"}, []byte(`{}`),
		))

	created := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	wantHandler := &Handler{
		ID: "posts-v1", Path: "/posts", Method: "GET", Version: "v1",
		Hooks:      map[HookPhase][]string{PhaseBefore: {"auth"}},
		ModuleDeps: []string{"mod-db"},
		Policy:     Policy{RequiredRoles: []string{}, Weight: 1.0},
		CreatedAt:  created,
	}
	hash := wantHandler.ComputeHash()
	mock.ExpectQuery("SELECT id, path, method, version").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "path", "method", "version", "request_schema", "response_schema",
			"hooks", "module_deps", "required_roles", "rate_limit_key", "weight",
			"content_hash", "created_at",
		}).AddRow(
			"posts-v1", "/posts", "GET", "v1", []byte(nil), []byte(nil),
			[]byte(`{"before":["auth"]}`), []string{"mod-db"}, []string{}, "", 1.0,
			hash, created,
		))

	mock.ExpectQuery("SELECT method, path, from_version").
		WillReturnRows(pgxmock.NewRows([]string{
			"method", "path", "from_version", "to_version", "transformer_ref", "has_forward", "has_backward",
		}).AddRow("GET", "/posts", "v1", "v2", "t-1-2", true, false))

	store := NewStore()
	stats, err := NewPostgresLoader(mock).LoadAll(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Handlers)
	assert.Equal(t, 1, stats.Modules)
	assert.Equal(t, 1, stats.Edges)

	h, ok := store.GetManifest("posts-v1")
	require.True(t, ok)
	assert.Equal(t, []string{"auth"}, h.Hooks[PhaseBefore])
	assert.Equal(t, []string{"mod-db"}, h.ModuleDeps)
	assert.Equal(t, created, h.CreatedAt)

	m, ok := store.GetModule("mod-db")
	require.True(t, ok)
	assert.Equal(t, RuntimeRemote, m.Runtime)

	chain, ok := store.TransformerChain("GET", "/posts", "v1", "v2", 5)
	require.True(t, ok)
	assert.Equal(t, []string{"t-1-2"}, chain)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoader_UnresolvedDependencyFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id, version, runtime_kind").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "version", "runtime_kind", "methods", "capabilities", "resource_hints",
		}))

	mock.ExpectQuery("SELECT id, path, method, version").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "path", "method", "version", "request_schema", "response_schema",
			"hooks", "module_deps", "required_roles", "rate_limit_key", "weight",
			"content_hash", "created_at",
		}).AddRow(
			"orphan", "/x", "GET", "v1", []byte(nil), []byte(nil),
			[]byte(`{}`), []string{"missing-module"}, []string{}, "", 0.0,
			"", time.Now(),
		))

	_, err = NewPostgresLoader(mock).LoadAll(context.Background(), NewStore())
	require.Error(t, err, "a handler whose module dependency is absent must fail the load")
}
