package dnsbl

import (
	"context"
	"errors"
	"net"

	"github.com/miekg/dns"

	"dnsbl-monitor/pkg/health"
)

// Result is the three-way RFC 5782 outcome of one zone query.
type Result string

const (
	ResultListed    Result = "LISTED"
	ResultNotListed Result = "NOT_LISTED"
	ResultUnknown   Result = "UNKNOWN"
)

// Classification is the tagged result of classifying one A-record query —
// a typed value in place of an error carrying control flow.
type Classification struct {
	Result  Result
	Kind    health.FailureKind // meaningful only when Result == ResultUnknown
	Records []net.IP           // meaningful only when Result == ResultListed
}

var loopback = &net.IPNet{IP: net.IPv4(127, 0, 0, 0).To4(), Mask: net.CIDRMask(8, 32)}

// Classify maps the outcome of one A-record query to a Classification. It
// is total over queryErr/msg: every observed outcome lands in LISTED,
// NOT_LISTED, or UNKNOWN, and any unrecognised error maps to
// UNKNOWN/resolver_error.
//
// apexHealthy is false when this zone's RFC 5782 negative test entry
// (127.0.0.1, which MUST NOT be listed) got neither a LISTED nor a
// NOT_LISTED answer during start-up self-test; the checker passes true for
// a zone whose self-test has not reported yet. When it is false an NXDOMAIN
// for the queried name cannot be distinguished from the zone apex itself
// being unreachable, so it is classified as UNKNOWN/nxdomain_zone instead
// of NOT_LISTED. The AA (authoritative) bit of the answer is not examined.
func Classify(msg *dns.Msg, queryErr error, apexHealthy bool) Classification {
	if errors.Is(queryErr, context.DeadlineExceeded) {
		return Classification{Result: ResultUnknown, Kind: health.FailureTimeout}
	}
	if queryErr != nil || msg == nil {
		return Classification{Result: ResultUnknown, Kind: health.FailureResolverError}
	}

	switch msg.Rcode {
	case dns.RcodeNameError:
		if !apexHealthy {
			return Classification{Result: ResultUnknown, Kind: health.FailureNXDomainZone}
		}
		return Classification{Result: ResultNotListed}
	case dns.RcodeSuccess:
		// fall through to record inspection below
	default:
		return Classification{Result: ResultUnknown, Kind: health.FailureResolverError}
	}

	if len(msg.Answer) == 0 {
		if !apexHealthy {
			return Classification{Result: ResultUnknown, Kind: health.FailureNXDomainZone}
		}
		return Classification{Result: ResultNotListed}
	}

	records := make([]net.IP, 0, len(msg.Answer))
	for _, rr := range msg.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			return Classification{Result: ResultUnknown, Kind: health.FailureInvalidResponseType}
		}
		records = append(records, a.A)
	}

	for _, ip := range records {
		if !loopback.Contains(ip) {
			return Classification{Result: ResultUnknown, Kind: health.FailureInvalidResponseRange}
		}
	}

	return Classification{Result: ResultListed, Records: records}
}
