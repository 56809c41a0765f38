package routemanager

import (
	"sync"
	"time"
)

// canaryKey identifies one version of one route in the health tracker.
type canaryKey struct {
	method  string
	path    string
	version string
}

type sample struct {
	at time.Time
	ok bool
}

// HealthTracker keeps a sliding window of per-version request outcomes so a
// canary with declining health can be excluded from weighted selection.
type HealthTracker struct {
	mu      sync.Mutex
	window  time.Duration
	minObs  int
	samples map[canaryKey][]sample
}

// NewHealthTracker creates a tracker with the given observation window.
// minObservations guards against excluding a version on too little data.
func NewHealthTracker(window time.Duration, minObservations int) *HealthTracker {
	if window <= 0 {
		window = time.Minute
	}
	if minObservations <= 0 {
		minObservations = 10
	}
	return &HealthTracker{
		window:  window,
		minObs:  minObservations,
		samples: make(map[canaryKey][]sample),
	}
}

// Record notes one request outcome for (method, path, version).
func (t *HealthTracker) Record(method, path, version string, ok bool) {
	key := canaryKey{method: method, path: path, version: version}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.trimLocked(key, now)
	t.samples[key] = append(kept, sample{at: now, ok: ok})
}

// SuccessRate returns the fraction of successful outcomes within the window
// and how many observations back it. With no observations the rate is 1.
func (t *HealthTracker) SuccessRate(method, path, version string) (float64, int) {
	key := canaryKey{method: method, path: path, version: version}
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.trimLocked(key, time.Now())
	t.samples[key] = kept
	if len(kept) == 0 {
		return 1, 0
	}
	okCount := 0
	for _, s := range kept {
		if s.ok {
			okCount++
		}
	}
	return float64(okCount) / float64(len(kept)), len(kept)
}

// Unhealthy reports whether the version's success rate fell below floor over
// at least the minimum number of observations.
func (t *HealthTracker) Unhealthy(method, path, version string, floor float64) bool {
	rate, n := t.SuccessRate(method, path, version)
	return n >= t.minObs && rate < floor
}

func (t *HealthTracker) trimLocked(key canaryKey, now time.Time) []sample {
	all := t.samples[key]
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(all) && all[i].at.Before(cutoff) {
		i++
	}
	return all[i:]
}
