package dnsbl

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"dnsbl-monitor/pkg/health"
	"dnsbl-monitor/pkg/logging"
)

// Exchanger issues one DNS query and returns the response. It is the seam
// tests substitute a fake resolver at (see checker_test.go).
type Exchanger interface {
	Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error)
}

// clientExchanger adapts *dns.Client to Exchanger against a fixed upstream
// address, the way the teacher's forwarder pins a dns.Client to one of its
// configured upstreams rather than consulting the system resolver per call.
type clientExchanger struct {
	client   *dns.Client
	upstream string
}

func (c *clientExchanger) Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	resp, _, err := c.client.ExchangeContext(ctx, m, c.upstream)
	return resp, err
}

// NewSystemExchanger builds an Exchanger against the host's configured
// recursive resolver (/etc/resolv.conf, falling back to 127.0.0.1:53),
// matching the "recursive resolver reachable from the host" contract.
func NewSystemExchanger() Exchanger {
	upstream := "127.0.0.1:53"
	if cc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cc.Servers) > 0 {
		upstream = net.JoinHostPort(cc.Servers[0], cc.Port)
	}
	return &clientExchanger{client: &dns.Client{}, upstream: upstream}
}

// Checker runs the bounded-parallel DNS fan-out for component C: for one
// IP, obtain a Classification for every configured zone, publishing health
// events to the aggregator as each zone query completes.
type Checker struct {
	exchanger Exchanger
	sem       *semaphore.Weighted
	queryTTL  time.Duration
	agg       *health.Aggregator
	logger    *logging.Logger

	apexMu      sync.RWMutex
	apexHealthy map[string]bool
}

// NewChecker builds a Checker. concurrency is DNS_CONCURRENCY (the process-
// wide bound on in-flight queries); queryTimeout is DNS_TIMEOUT.
func NewChecker(exchanger Exchanger, concurrency int64, queryTimeout time.Duration, agg *health.Aggregator, logger *logging.Logger) *Checker {
	return &Checker{
		exchanger:   exchanger,
		sem:         semaphore.NewWeighted(concurrency),
		queryTTL:    queryTimeout,
		agg:         agg,
		logger:      logger,
		apexHealthy: make(map[string]bool),
	}
}

func (c *Checker) isApexHealthy(zone string) bool {
	c.apexMu.RLock()
	defer c.apexMu.RUnlock()
	healthy, known := c.apexHealthy[zone]
	if !known {
		return true // no self-test result yet: assume healthy, per §12 (informational only)
	}
	return healthy
}

func (c *Checker) setApexHealthy(zone string, healthy bool) {
	c.apexMu.Lock()
	c.apexHealthy[zone] = healthy
	c.apexMu.Unlock()
}

// queryOne acquires a semaphore slot, issues one A-record query, classifies
// the result, publishes it to the health aggregator, and releases the slot
// before returning — the checker never retries within a run.
func (c *Checker) queryOne(ctx context.Context, name, zone string) Classification {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Classification{Result: ResultUnknown, Kind: health.FailureResolverError}
	}
	defer c.sem.Release(1)

	qCtx, cancel := context.WithTimeout(ctx, c.queryTTL)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.RecursionDesired = true

	resp, err := c.exchanger.Exchange(qCtx, m)
	class := Classify(resp, err, c.isApexHealthy(zone))

	if class.Result == ResultUnknown {
		c.agg.RecordFailure(zone, class.Kind)
	} else {
		c.agg.RecordSuccess(zone)
	}

	return class
}

// Check queries every zone for ip and returns the per-zone classification
// map. Parallelism across zones (and across concurrent calls to Check for
// different IPs) is bounded by the single process-wide semaphore.
func (c *Checker) Check(ctx context.Context, ip string, zones []string) (map[string]Classification, error) {
	results := make(map[string]Classification, len(zones))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	for _, zone := range zones {
		zone := zone
		name, err := FormatQuery(ip, zone)
		if err != nil {
			return nil, fmt.Errorf("dnsbl: checking %s: %w", ip, err)
		}

		eg.Go(func() error {
			class := c.queryOne(egCtx, name, zone)
			mu.Lock()
			results[zone] = class
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// testEntryName builds the RFC 5782 §5 test-entry query name for a probe IP
// (127.0.0.2, the mandatory listing, or 127.0.0.1, the mandatory absence).
func testEntryName(probeIP, zone string) string {
	name, _ := FormatQuery(probeIP, zone) // probeIP is always well-formed
	return name
}

// SelfTest probes each zone's RFC 5782 §5 test entries once: 127.0.0.2 MUST
// be listed, 127.0.0.1 MUST NOT be listed. It is meant to run concurrently
// with normal checking, not gate it — a zone failing either check is only
// logged (dnsbl_test_record_missing / dnsbl_test_record_unexpected) and
// remains in use for the run. The 127.0.0.1 probe additionally seeds
// apexHealthy, since a NOT_LISTED answer there confirms this zone's
// NXDOMAIN responses can be trusted to mean "not listed" rather than
// "apex unreachable".
func (c *Checker) SelfTest(ctx context.Context, zones []string) {
	for _, zone := range zones {
		zone := zone
		go c.selfTestZone(ctx, zone)
	}
}

func (c *Checker) selfTestZone(ctx context.Context, zone string) {
	mustList := c.probe(ctx, testEntryName("127.0.0.2", zone))
	if mustList.Result != ResultListed {
		c.logger.Warn("dnsbl_test_record_missing", "zone", zone)
	}

	mustNotList := c.probe(ctx, testEntryName("127.0.0.1", zone))
	switch mustNotList.Result {
	case ResultNotListed:
		c.setApexHealthy(zone, true)
	case ResultListed:
		c.logger.Warn("dnsbl_test_record_unexpected", "zone", zone)
		c.setApexHealthy(zone, true) // zone answers authoritatively, just over-lists
	default:
		c.setApexHealthy(zone, false)
	}
}

func (c *Checker) probe(ctx context.Context, name string) Classification {
	qCtx, cancel := context.WithTimeout(ctx, c.queryTTL)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.RecursionDesired = true

	resp, err := c.exchanger.Exchange(qCtx, m)
	return Classify(resp, err, true)
}
