package manifest

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gati-run/gati/pkg/database"
	"github.com/gati-run/gati/pkg/gtype"
)

// Migrations holds the goose migration files for the durable manifest store.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations goose reads from.
const MigrationsDir = "migrations"

// Querier is the subset of the database surface the loader needs; it is
// satisfied by *database.PostgresDB and by pgxmock in tests.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresLoader ingests a manifest bundle from Postgres into the in-memory
// store at startup. The database is a startup source only; the runtime never
// reads it on the request path.
type PostgresLoader struct {
	db Querier
}

// NewPostgresLoader creates a loader over db.
func NewPostgresLoader(db Querier) *PostgresLoader {
	return &PostgresLoader{db: db}
}

// LoadStats reports what LoadAll ingested.
type LoadStats struct {
	Handlers int
	Modules  int
	Edges    int
}

// LoadAll reads modules first (handler dependency validation needs them),
// then handlers, then version edges, storing each into store.
func (l *PostgresLoader) LoadAll(ctx context.Context, store *Store) (*LoadStats, error) {
	stats := &LoadStats{}

	modules, err := l.loadModules(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading module manifests: %w", err)
	}
	for _, m := range modules {
		if err := store.StoreModule(m); err != nil {
			return nil, err
		}
		stats.Modules++
	}

	handlers, err := l.loadHandlers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading handler manifests: %w", err)
	}
	for _, h := range handlers {
		if err := store.StoreManifest(h); err != nil {
			return nil, err
		}
		stats.Handlers++
	}

	edges, err := l.loadEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading version edges: %w", err)
	}
	for _, e := range edges {
		if err := store.StoreVersionEdge(e.method, e.path, e.edge); err != nil {
			return nil, err
		}
		stats.Edges++
	}

	return stats, nil
}

func (l *PostgresLoader) loadModules(ctx context.Context) ([]*Module, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, version, runtime_kind, methods, capabilities, resource_hints
		FROM module_manifests`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Module
	for rows.Next() {
		var (
			m            Module
			runtimeKind  string
			methodsJSON  []byte
			hintsJSON    []byte
		)
		if err := rows.Scan(&m.ID, &m.Version, &runtimeKind, &methodsJSON, &m.RequiredCapabilities, &hintsJSON); err != nil {
			return nil, err
		}
		m.Runtime = RuntimeKind(runtimeKind)
		if len(methodsJSON) > 0 {
			if err := json.Unmarshal(methodsJSON, &m.Methods); err != nil {
				return nil, fmt.Errorf("module %q methods: %w", m.ID, err)
			}
		}
		if len(hintsJSON) > 0 {
			if err := json.Unmarshal(hintsJSON, &m.ResourceHints); err != nil {
				return nil, fmt.Errorf("module %q resource hints: %w", m.ID, err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (l *PostgresLoader) loadHandlers(ctx context.Context) ([]*Handler, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, path, method, version, request_schema, response_schema,
		       hooks, module_deps, required_roles, rate_limit_key, weight,
		       content_hash, created_at
		FROM handler_manifests
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Handler
	for rows.Next() {
		var (
			h         Handler
			reqSchema []byte
			resSchema []byte
			hooksJSON []byte
			createdAt time.Time
		)
		if err := rows.Scan(&h.ID, &h.Path, &h.Method, &h.Version, &reqSchema, &resSchema,
			&hooksJSON, &h.ModuleDeps, &h.Policy.RequiredRoles, &h.Policy.RateLimitKey,
			&h.Policy.Weight, &h.ContentHash, &createdAt); err != nil {
			return nil, err
		}
		h.CreatedAt = createdAt
		h.Hooks = map[HookPhase][]string{}
		if len(hooksJSON) > 0 {
			if err := json.Unmarshal(hooksJSON, &h.Hooks); err != nil {
				return nil, fmt.Errorf("handler %q hooks: %w", h.ID, err)
			}
		}
		if len(reqSchema) > 0 {
			h.RequestSchema = new(gtype.GType)
			if err := json.Unmarshal(reqSchema, h.RequestSchema); err != nil {
				return nil, fmt.Errorf("handler %q request schema: %w", h.ID, err)
			}
		}
		if len(resSchema) > 0 {
			h.ResponseSchema = new(gtype.GType)
			if err := json.Unmarshal(resSchema, h.ResponseSchema); err != nil {
				return nil, fmt.Errorf("handler %q response schema: %w", h.ID, err)
			}
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// Saver is the write half of the durable store, used by deploy tooling to
// persist a manifest bundle. Each save is transactional: a handler and its
// version edges land together or not at all.
type Saver struct {
	db database.DB
}

// NewSaver creates a Saver over db.
func NewSaver(db database.DB) *Saver {
	return &Saver{db: db}
}

// SaveHandler upserts a handler manifest together with the version edges
// that attach it to the route's version graph.
func (s *Saver) SaveHandler(ctx context.Context, h *Handler, edges []*Edge) error {
	hooksJSON, err := json.Marshal(h.Hooks)
	if err != nil {
		return fmt.Errorf("encoding hooks for %q: %w", h.ID, err)
	}
	reqSchema, err := marshalSchema(h.RequestSchema)
	if err != nil {
		return fmt.Errorf("encoding request schema for %q: %w", h.ID, err)
	}
	resSchema, err := marshalSchema(h.ResponseSchema)
	if err != nil {
		return fmt.Errorf("encoding response schema for %q: %w", h.ID, err)
	}

	return database.WithTransaction(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO handler_manifests
				(id, path, method, version, request_schema, response_schema,
				 hooks, module_deps, required_roles, rate_limit_key, weight,
				 content_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				path = EXCLUDED.path,
				method = EXCLUDED.method,
				version = EXCLUDED.version,
				request_schema = EXCLUDED.request_schema,
				response_schema = EXCLUDED.response_schema,
				hooks = EXCLUDED.hooks,
				module_deps = EXCLUDED.module_deps,
				required_roles = EXCLUDED.required_roles,
				rate_limit_key = EXCLUDED.rate_limit_key,
				weight = EXCLUDED.weight,
				content_hash = EXCLUDED.content_hash`,
			h.ID, h.Path, h.Method, h.Version, reqSchema, resSchema,
			hooksJSON, h.ModuleDeps, h.Policy.RequiredRoles, h.Policy.RateLimitKey,
			h.Policy.Weight, h.ContentHash, h.CreatedAt,
		); err != nil {
			return err
		}
		for _, e := range edges {
			if _, err := tx.Exec(ctx, `
				INSERT INTO version_edges
					(method, path, from_version, to_version, transformer_ref, has_forward, has_backward)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (method, path, from_version, to_version) DO NOTHING`,
				h.Method, h.Path, e.From, e.To, e.TransformerRef, e.HasForward, e.HasBackward,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func marshalSchema(t *gtype.GType) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

type routedEdge struct {
	method string
	path   string
	edge   *Edge
}

func (l *PostgresLoader) loadEdges(ctx context.Context) ([]routedEdge, error) {
	rows, err := l.db.Query(ctx, `
		SELECT method, path, from_version, to_version, transformer_ref, has_forward, has_backward
		FROM version_edges`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []routedEdge
	for rows.Next() {
		var (
			method, path string
			e            Edge
		)
		if err := rows.Scan(&method, &path, &e.From, &e.To, &e.TransformerRef, &e.HasForward, &e.HasBackward); err != nil {
			return nil, err
		}
		out = append(out, routedEdge{method: method, path: path, edge: &e})
	}
	return out, rows.Err()
}
