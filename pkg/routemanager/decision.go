// Package routemanager resolves request envelopes to handler versions: it
// matches routes, resolves version preferences against the version graph,
// enforces manifest policies, checks module health, and returns a routing
// decision. The contract is identical in local (queue fabric) and remote
// (RPC) modes.
package routemanager

import (
	"github.com/gati-run/gati/pkg/envelope"
)

// Kind discriminates the three routing decision variants.
type Kind string

const (
	// KindHandled means the Route Manager answered the request itself
	// (route errors, policy denials); ingress writes the embedded response.
	KindHandled Kind = "handled"
	// KindForward is the normal case: execute the resolved handler.
	KindForward Kind = "forward"
	// KindUnavailable maps to a 503-equivalent with a machine-readable reason.
	KindUnavailable Kind = "unavailable"
)

// Decision is a routing decision for one request envelope.
type Decision struct {
	Kind Kind

	// Handled fields.
	Status  int
	Body    []byte
	Headers envelope.Header

	// Forward fields.
	HandlerID        string
	VersionID        string
	Params           map[string]string
	ModuleEndpoints  map[string]string
	TransformerChain []string

	// Unavailable fields.
	Reason string
}

// Handled builds a Handled decision.
func Handled(status int, body []byte) *Decision {
	return &Decision{Kind: KindHandled, Status: status, Body: body, Headers: envelope.NewHeader()}
}

// Unavailable builds an Unavailable decision.
func Unavailable(reason string) *Decision {
	return &Decision{Kind: KindUnavailable, Reason: reason}
}
