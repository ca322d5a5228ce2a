// Package health aggregates per-zone DNSBL query outcomes into the
// end-of-run reliability report, and decides whether observed failures look
// like a local network outage rather than a DNSBL-specific problem.
//
// The aggregator is the only mutable structure shared across the checker's
// in-flight queries (see pkg/dnsbl). Concurrent updates to the same zone's
// counters are made safe with atomic per-zone state behind a map guarded by
// an RWMutex — the same shape the teacher's upstream health tracker uses
// for its circuit breakers, minus the breaker state machine: this job never
// retries a query within a run, so there is nothing to open or close, only
// counters to accumulate.
package health

import (
	"sort"
	"sync"
	"sync/atomic"
)

// FailureKind classifies why a zone query did not produce LISTED/NOT_LISTED.
type FailureKind string

const (
	FailureTimeout               FailureKind = "timeout"
	FailureResolverError         FailureKind = "resolver_error"
	FailureNXDomainZone          FailureKind = "nxdomain_zone"
	FailureInvalidResponseRange  FailureKind = "invalid_response_range"
	FailureInvalidResponseType   FailureKind = "invalid_response_type"
)

// zoneCounters is a monotonic counter set for one zone. The counters are
// atomics and the kinds map is guarded by kindsMu; increments from
// concurrent goroutines are commutative and order-independent.
type zoneCounters struct {
	checks    atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64

	kindsMu sync.Mutex
	kinds   map[FailureKind]*atomic.Int64
}

func newZoneCounters() *zoneCounters {
	return &zoneCounters{kinds: make(map[FailureKind]*atomic.Int64)}
}

func (z *zoneCounters) recordSuccess() {
	z.checks.Add(1)
	z.successes.Add(1)
}

func (z *zoneCounters) recordFailure(kind FailureKind) {
	z.checks.Add(1)
	z.failures.Add(1)

	z.kindsMu.Lock()
	counter, ok := z.kinds[kind]
	if !ok {
		counter = &atomic.Int64{}
		z.kinds[kind] = counter
	}
	z.kindsMu.Unlock()
	counter.Add(1)
}

func (z *zoneCounters) snapshot() ZoneStatus {
	checks := z.checks.Load()
	failures := z.failures.Load()

	var rate float64
	if checks > 0 {
		rate = float64(failures) / float64(checks)
	}

	z.kindsMu.Lock()
	kinds := make(map[FailureKind]int64, len(z.kinds))
	for k, v := range z.kinds {
		kinds[k] = v.Load()
	}
	z.kindsMu.Unlock()

	status := "healthy"
	if checks > 0 && rate == 1.0 {
		status = "broken"
	}

	return ZoneStatus{
		Checks:       checks,
		Successes:    z.successes.Load(),
		Failures:     failures,
		FailureRate:  rate,
		Status:       status,
		FailureKinds: kinds,
	}
}

// ZoneStatus is a read-only snapshot of one zone's counters.
type ZoneStatus struct {
	Checks       int64
	Successes    int64
	Failures     int64
	FailureRate  float64
	Status       string // "healthy" or "broken"
	FailureKinds map[FailureKind]int64
}

// Aggregator accumulates per-zone health events for one run.
type Aggregator struct {
	mu    sync.RWMutex
	zones map[string]*zoneCounters
	// configured preserves the full configured zone set so a zone with
	// zero checks (e.g. a run cut short by the deadline) still appears in
	// the summary rather than being silently absent.
	configured []string
}

// New creates an Aggregator for the given configured zone set.
func New(zones []string) *Aggregator {
	a := &Aggregator{
		zones:      make(map[string]*zoneCounters, len(zones)),
		configured: append([]string(nil), zones...),
	}
	for _, z := range zones {
		a.zones[z] = newZoneCounters()
	}
	return a
}

func (a *Aggregator) counters(zone string) *zoneCounters {
	a.mu.RLock()
	c, ok := a.zones[zone]
	a.mu.RUnlock()
	if ok {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.zones[zone]; ok {
		return c
	}
	c = newZoneCounters()
	a.zones[zone] = c
	a.configured = append(a.configured, zone)
	return c
}

// RecordSuccess records one successful (LISTED or NOT_LISTED) query for zone.
func (a *Aggregator) RecordSuccess(zone string) {
	a.counters(zone).recordSuccess()
}

// RecordFailure records one UNKNOWN query for zone with the given kind.
func (a *Aggregator) RecordFailure(zone string, kind FailureKind) {
	a.counters(zone).recordFailure(kind)
}

// Summary is the end-of-run report: per-zone status plus the run rollup.
type Summary struct {
	Zones map[string]ZoneStatus

	TotalDNSBLs     int
	BrokenDNSBLs    int
	TotalIPChecks   int64
	BrokenFraction  float64
}

// Summarize produces a point-in-time snapshot. It is called once, after the
// last per-IP record has been emitted.
func (a *Aggregator) Summarize() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	zones := make(map[string]ZoneStatus, len(a.zones))
	var broken int
	var totalChecks int64
	for name, c := range a.zones {
		status := c.snapshot()
		zones[name] = status
		if status.Status == "broken" {
			broken++
		}
		totalChecks += status.Checks
	}

	total := len(a.zones)
	var fraction float64
	if total > 0 {
		fraction = float64(broken) / float64(total)
	}

	return Summary{
		Zones:          zones,
		TotalDNSBLs:    total,
		BrokenDNSBLs:   broken,
		TotalIPChecks:  totalChecks,
		BrokenFraction: fraction,
	}
}

// PrunedZones returns the healthy zone names, sorted ascending. It is the
// empty slice (not nil) when every zone is broken — callers must check
// AllBroken separately to decide whether to treat that as "no suggestion"
// rather than "prune everything".
func (s Summary) PrunedZones() []string {
	healthy := make([]string, 0, len(s.Zones))
	for name, z := range s.Zones {
		if z.Status == "healthy" {
			healthy = append(healthy, name)
		}
	}
	sort.Strings(healthy)
	return healthy
}

// AllBroken reports whether every configured zone is broken. When true the
// pruned list must not be emitted as a replacement list (§4.D).
func (s Summary) AllBroken() bool {
	return s.TotalDNSBLs > 0 && s.BrokenDNSBLs == s.TotalDNSBLs
}

// NetworkOutage applies the §4.D heuristic: broken_fraction >= 0.5 and both
// supplemental public-resolver probes failed.
func (s Summary) NetworkOutage(bothProbesFailed bool) bool {
	return s.BrokenFraction >= 0.5 && bothProbesFailed
}
