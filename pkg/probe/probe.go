// Package probe implements the supplemental public-resolver probe
// (component I): two independent A-record lookups used to tell a DNSBL-side
// problem apart from a local/network-wide DNS outage.
package probe

import (
	"context"
	"time"

	"dnsbl-monitor/pkg/logging"
	"dnsbl-monitor/pkg/resolver"
)

// well-known public resolvers and a domain virtually guaranteed to resolve.
const (
	cloudflareResolver = "1.1.1.1:53"
	googleResolver     = "8.8.8.8:53"
	probeDomain        = "example.com"
)

// Result reports whether each public resolver answered the probe domain
// within its own (shorter) deadline.
type Result struct {
	Enabled             bool
	CloudflareReachable bool
	GoogleReachable     bool
}

// BothFailed is the signal the health aggregator consumes: true iff both
// resolvers failed to answer.
func (r Result) BothFailed() bool {
	return r.Enabled && !r.CloudflareReachable && !r.GoogleReachable
}

// Prober issues the two probes.
type Prober struct {
	logger  *logging.Logger
	timeout time.Duration
}

// New builds a Prober. timeout is the per-resolver probe deadline, shorter
// than the DNSBL query timeout since these are meant to fail fast.
func New(logger *logging.Logger, timeout time.Duration) *Prober {
	return &Prober{logger: logger, timeout: timeout}
}

// Probe queries both public resolvers concurrently and reports whether each
// returned at least one A record within the deadline.
func (p *Prober) Probe(ctx context.Context) Result {
	type outcome struct {
		name, addr string
		ok         bool
	}

	results := make(chan outcome, 2)
	check := func(name, addr string) {
		r := resolver.NewStrict([]string{addr}, p.logger)
		qCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		ips, err := r.LookupIP(qCtx, "ip4", probeDomain)
		results <- outcome{name: name, addr: addr, ok: err == nil && len(ips) > 0}
	}

	go check("cloudflare", cloudflareResolver)
	go check("google", googleResolver)

	res := Result{Enabled: true}
	for i := 0; i < 2; i++ {
		o := <-results
		switch o.name {
		case "cloudflare":
			res.CloudflareReachable = o.ok
		case "google":
			res.GoogleReachable = o.ok
		}
	}

	if !res.CloudflareReachable || !res.GoogleReachable {
		p.logger.Warn("supplemental_probe_failure",
			"cloudflare_reachable", res.CloudflareReachable,
			"google_reachable", res.GoogleReachable)
	}

	return res
}
