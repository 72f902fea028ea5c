// Package builtin provides the example detector atoms anchored in spec.md
// §4.5: an IP analyser, a header consistency checker, an optional honeypot
// lookup, and a reverse-DNS verified-bot check.
package builtin

import (
	"context"
	"net"

	"github.com/greywing/botsentry/internal/detect"
)

// CIDRSource ranks in priority order per spec.md §4.5: ASN lookup overrides
// a prefix-hint guess. RangeProvider abstracts whichever concrete source
// (static prefix hints, a dynamic CIDR list, or an ASN lookup service) is
// wired in at startup.
type CIDRSource interface {
	// IsDatacenter reports whether ip falls in a known cloud/datacenter
	// range, and the source name that made the call ("prefix", "cidr-list",
	// or "asn").
	IsDatacenter(ip net.IP) (isDatacenter bool, source string)
}

// StaticRangeProvider is the simplest CIDRSource: a fixed list of CIDRs
// considered datacenter space (cloud provider published ranges).
type StaticRangeProvider struct {
	ranges []*net.IPNet
	source string
}

// NewStaticRangeProvider builds a StaticRangeProvider from CIDR strings.
// Malformed entries are skipped rather than failing registry construction
// (a ConfigurationError per spec.md §7 is logged by the caller, not here).
func NewStaticRangeProvider(source string, cidrs []string) *StaticRangeProvider {
	p := &StaticRangeProvider{source: source}
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			p.ranges = append(p.ranges, n)
		}
	}
	return p
}

func (p *StaticRangeProvider) IsDatacenter(ip net.IP) (bool, string) {
	for _, r := range p.ranges {
		if r.Contains(ip) {
			return true, p.source
		}
	}
	return false, ""
}

// ChainRangeProvider queries a sequence of CIDRSources in order, per spec.md
// §4.5's "prefix hints, ASN lookup, or dynamic CIDR list — in priority
// order; ASN result overrides prefix guess". Sources should be supplied
// highest-priority (e.g. ASN) first.
type ChainRangeProvider struct {
	sources []CIDRSource
}

// NewChainRangeProvider builds a ChainRangeProvider. sources[0] wins if
// multiple sources disagree.
func NewChainRangeProvider(sources ...CIDRSource) *ChainRangeProvider {
	return &ChainRangeProvider{sources: sources}
}

func (c *ChainRangeProvider) IsDatacenter(ip net.IP) (bool, string) {
	for _, s := range c.sources {
		if hit, src := s.IsDatacenter(ip); hit {
			return true, src
		}
	}
	return false, ""
}

// IPAnalyser is the "IP analyser" detector from spec.md §4.5.
type IPAnalyser struct {
	ranges               CIDRSource
	datacenterConfidence float64
	weight               float64
}

// NewIPAnalyser builds an IPAnalyser. datacenterConfidence is the
// confidence_delta applied when the request IP resolves to a known
// datacenter range; weight is the contribution's relative importance.
func NewIPAnalyser(ranges CIDRSource, datacenterConfidence, weight float64) *IPAnalyser {
	if datacenterConfidence == 0 {
		datacenterConfidence = 0.5
	}
	if weight == 0 {
		weight = 1.0
	}
	return &IPAnalyser{ranges: ranges, datacenterConfidence: datacenterConfidence, weight: weight}
}

func (a *IPAnalyser) Name() string     { return "ip_analyser" }
func (a *IPAnalyser) Category() string { return "Network" }

func (a *IPAnalyser) Detect(ctx context.Context, req detect.Request) ([]detect.Contribution, error) {
	events, err := req.Sink.Sense("ip.present")
	if err != nil || len(events) == 0 {
		return nil, nil
	}
	if req.PII == nil || req.PII.ClientIP == "" {
		return nil, nil
	}
	ip := net.ParseIP(req.PII.ClientIP)
	if ip == nil {
		return nil, nil
	}

	isDC, source := a.ranges.IsDatacenter(ip)
	if !isDC {
		return nil, nil
	}

	req.Sink.Raise("ip.is_datacenter", req.RequestID)
	return []detect.Contribution{{
		DetectorName:    a.Name(),
		Category:        a.Category(),
		ConfidenceDelta: a.datacenterConfidence,
		Weight:          a.weight,
		Reason:          "client IP resolves to a known datacenter range (" + source + ")",
		Signals:         []string{"ip.is_datacenter"},
	}}, nil
}
