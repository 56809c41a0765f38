package routemanager

import (
	"fmt"

	"github.com/gati-run/gati/pkg/gctx"
	"github.com/gati-run/gati/pkg/manifest"
)

// Resolver resolves a version preference to the concrete version id serving
// a path, for user code going through the Global Context.
type Resolver struct {
	store *manifest.Store
}

// NewResolver creates a Resolver over store.
func NewResolver(store *manifest.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve implements gctx.VersionResolver. Path-level resolution spans all
// methods: the newest manifest matching the preference wins.
func (r *Resolver) Resolve(path string, pref gctx.VersionPreference) (string, error) {
	list := r.store.ListVersions(path)
	if len(list) == 0 {
		return "", fmt.Errorf("routemanager: no versions registered for path %q", path)
	}

	if pref.Semantic == "" && pref.Timestamp == nil && pref.Direct == "" {
		return list[len(list)-1].Version, nil
	}

	if pref.Timestamp != nil {
		var version string
		for _, h := range list {
			if !h.CreatedAt.After(*pref.Timestamp) {
				version = h.Version
			}
		}
		if version == "" {
			version = list[0].Version
		}
		return version, nil
	}

	want := pref.Direct
	if want == "" {
		want = pref.Semantic
	}
	for _, h := range list {
		if h.Version == want {
			return h.Version, nil
		}
	}
	return "", fmt.Errorf("routemanager: version %q not registered for path %q", want, path)
}
