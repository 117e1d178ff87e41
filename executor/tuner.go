package executor

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/crossdb/config"
)

// tuningWindow is how many recent samples per (kind, weight) bucket feed the
// moving statistics.
const tuningWindow = 50

// Tuning thresholds: raise a kind's limit when it is reliably fast, lower it
// when it degrades.
const (
	raiseSuccessRate = 0.95
	lowerSuccessRate = 0.80
	slowFactor       = 3
)

type sample struct {
	ok       bool
	duration time.Duration
}

type bucketKey struct {
	kind   string
	weight int
}

// Tuner adjusts per-backend semaphore limits between plan executions based
// on recent success rates and durations. Adjustments never take effect
// mid-plan: the executor reads limits only when it starts a plan.
type Tuner struct {
	mu sync.Mutex

	defaults     map[string]int
	defaultLimit int
	current      map[string]int
	target       time.Duration
	buckets      map[bucketKey][]sample
}

// NewTuner seeds a tuner from the executor configuration. The duration
// target for "fast enough" is a fraction of the operation timeout.
func NewTuner(cfg config.ExecutorConfig) *Tuner {
	defaults := make(map[string]int, len(cfg.BackendLimits))
	current := make(map[string]int, len(cfg.BackendLimits))
	for kind, limit := range cfg.BackendLimits {
		defaults[kind] = limit
		current[kind] = limit
	}
	defaultLimit := cfg.DefaultBackendLimit
	if defaultLimit <= 0 {
		defaultLimit = 2
	}
	target := cfg.OperationTimeout / 12
	if target <= 0 {
		target = 5 * time.Second
	}
	return &Tuner{
		defaults:     defaults,
		defaultLimit: defaultLimit,
		current:      current,
		target:       target,
		buckets:      make(map[bucketKey][]sample),
	}
}

// Limit returns the current semaphore capacity for a backend kind.
func (t *Tuner) Limit(kind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit, ok := t.current[kind]; ok {
		return limit
	}
	return t.defaultLimit
}

// Record adds one operation outcome to the (kind, weight) bucket.
func (t *Tuner) Record(kind string, weight int, duration time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := bucketKey{kind: kind, weight: weight}
	window := append(t.buckets[key], sample{ok: ok, duration: duration})
	if len(window) > tuningWindow {
		window = window[len(window)-tuningWindow:]
	}
	t.buckets[key] = window
}

// Tune applies one adjustment round across all observed kinds: +1 when the
// moving success rate and durations look healthy (capped at twice the
// configured limit), -1 when failures or slowness accumulate (floor 1).
func (t *Tuner) Tune(logger *slog.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()

	perKind := make(map[string][]sample)
	for key, window := range t.buckets {
		perKind[key.kind] = append(perKind[key.kind], window...)
	}

	kinds := make([]string, 0, len(perKind))
	for kind := range perKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		window := perKind[kind]
		if len(window) == 0 {
			continue
		}
		successes := 0
		var total time.Duration
		for _, s := range window {
			if s.ok {
				successes++
			}
			total += s.duration
		}
		rate := float64(successes) / float64(len(window))
		avg := total / time.Duration(len(window))

		base, ok := t.defaults[kind]
		if !ok {
			base = t.defaultLimit
		}
		limit, ok := t.current[kind]
		if !ok {
			limit = t.defaultLimit
		}

		switch {
		case rate > raiseSuccessRate && avg < t.target && limit < 2*base:
			t.current[kind] = limit + 1
			logger.Info("Raising backend limit",
				"kind", kind, "limit", limit+1, "success_rate", rate, "avg_duration", avg)
		case (rate < lowerSuccessRate || avg > t.target*slowFactor) && limit > 1:
			t.current[kind] = limit - 1
			logger.Info("Lowering backend limit",
				"kind", kind, "limit", limit-1, "success_rate", rate, "avg_duration", avg)
		}
	}
}

// Limits returns a copy of the current per-kind limits.
func (t *Tuner) Limits() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.current))
	for kind, limit := range t.current {
		out[kind] = limit
	}
	return out
}
