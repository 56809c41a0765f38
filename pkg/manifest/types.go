// Package manifest implements the in-memory Manifest & Version Store: a
// read-mostly catalog of handler manifests, module manifests, schemas, and
// per-path version graphs.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gati-run/gati/pkg/gtype"
)

// HookPhase names one of the three LCC hook phases a manifest can register
// hook ids for.
type HookPhase string

const (
	PhaseBefore HookPhase = "before"
	PhaseAfter  HookPhase = "after"
	PhaseCatch  HookPhase = "catch"
)

// Policy is the manifest-declared role/rate-limit block the Route Manager
// consults before forwarding.
type Policy struct {
	RequiredRoles []string
	RateLimitKey  string // consulted via an external token bucket, not implemented here
	Weight        float64 // traffic-split weight among active versions sharing a path
}

// Handler is a handler manifest: stable id, route pattern, method, schemas,
// ordered hooks per phase, version, module dependencies, policy, and
// provenance.
type Handler struct {
	ID              string
	Path            string
	Method          string
	RequestSchema   *gtype.GType
	ResponseSchema  *gtype.GType
	Hooks           map[HookPhase][]string
	Version         string
	ModuleDeps      []string
	Policy          Policy
	ContentHash     string
	CreatedAt       time.Time
}

// ComputeHash returns the canonical content hash of the manifest: sha256
// over the JSON form of every field except the hash itself. The store
// rejects writes whose declared hash mismatches this.
func (h *Handler) ComputeHash() string {
	shadow := *h
	shadow.ContentHash = ""
	data, err := json.Marshal(&shadow)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// RuntimeKind is where a module's code actually executes.
type RuntimeKind string

const (
	RuntimeInProcess RuntimeKind = "in-process"
	RuntimeSandboxed RuntimeKind = "sandboxed-local-process"
	RuntimeRemote    RuntimeKind = "remote-service"
)

// MethodSignature is one exported RPC method of a module.
type MethodSignature struct {
	InputSchema  *gtype.GType
	OutputSchema *gtype.GType
}

// Module is a module manifest: the set of methods a module exposes to
// handlers via RPC, plus the capabilities/resources it requires.
type Module struct {
	ID                   string
	Version              string
	Runtime              RuntimeKind
	Methods              map[string]MethodSignature
	RequiredCapabilities []string
	ResourceHints        map[string]string
}

// VersionNode is one entry in a path's version graph.
type VersionNode struct {
	Version     string
	CreatedAt   time.Time
	HandlerID   string
	Active      bool
}

// Edge is the (possibly asymmetric) transformer pair available between two
// adjacent version nodes of the same path.
type Edge struct {
	From            string
	To              string
	TransformerRef  string
	HasForward      bool
	HasBackward     bool
}
