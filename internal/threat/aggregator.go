// Package threat turns malicious classifications into scored threat events.
package threat

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"context"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Attack type labels, in rule priority order.
const (
	AttackKnownSource      = "Known Malicious Source"
	AttackSuspiciousPort   = "Suspicious Port"
	AttackAnomalousSize    = "Anomalous Packet Size"
	AttackSuspiciousTTL    = "Suspicious TTL"
	AttackPrivilegedPort   = "Privileged Port Access"
	AttackTCPFlagAnomaly   = "TCP Flag Anomaly"
	AttackMaliciousTraffic = "Malicious Traffic"
)

// SeverityFor bands a classifier confidence into a severity. Severity depends
// on confidence only, never on which heuristic fired.
func SeverityFor(confidence float64) model.Severity {
	switch {
	case confidence > 0.85:
		return model.SeverityHigh
	case confidence > 0.75:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

type rule struct {
	name  string
	match func(ctx context.Context, p *model.PacketRecord) bool
}

// Aggregator evaluates classified packets. It holds no mutable state and is
// safe for concurrent use.
type Aggregator struct {
	threshold float64
	rules     []rule
	intel     Intel
	internal  []netip.Prefix
	ports     map[uint16]struct{}
	minSize   int
	maxSize   int
	minTTL    uint8
	log       *logrus.Logger
	newID     func() string
}

// NewAggregator builds an aggregator from the threat config. threshold is the
// detection threshold applied to classifier confidence. intel may be nil.
func NewAggregator(cfg config.ThreatConfig, threshold float64, intel Intel, log *logrus.Logger) (*Aggregator, error) {
	a := &Aggregator{
		threshold: threshold,
		intel:     intel,
		ports:     make(map[uint16]struct{}, len(cfg.SuspiciousPorts)),
		minSize:   cfg.MinPacketSize,
		maxSize:   cfg.MaxPacketSize,
		minTTL:    cfg.SuspiciousTTLBelow,
		log:       log,
		newID:     uuid.NewString,
	}
	for _, p := range cfg.SuspiciousPorts {
		a.ports[p] = struct{}{}
	}
	for _, n := range cfg.InternalNetworks {
		p, err := netip.ParsePrefix(n)
		if err != nil {
			return nil, fmt.Errorf("invalid internal network %q: %w", n, err)
		}
		a.internal = append(a.internal, p.Masked())
	}

	a.rules = []rule{
		{AttackKnownSource, a.knownSource},
		{AttackSuspiciousPort, a.suspiciousPort},
		{AttackAnomalousSize, a.anomalousSize},
		{AttackSuspiciousTTL, a.suspiciousTTL},
		{AttackPrivilegedPort, a.privilegedPort},
		{AttackTCPFlagAnomaly, a.flagAnomaly},
	}
	return a, nil
}

// Threshold returns the detection threshold.
func (a *Aggregator) Threshold() float64 { return a.threshold }

// Evaluate returns a threat event for a malicious classification at or above
// the detection threshold, or nil. The first matching heuristic names the
// attack type.
func (a *Aggregator) Evaluate(ctx context.Context, p *model.PacketRecord, res model.ClassificationResult) *model.ThreatEvent {
	if res.Label != model.LabelMalicious || res.Confidence < a.threshold {
		return nil
	}

	attack := AttackMaliciousTraffic
	for _, r := range a.rules {
		if r.match(ctx, p) {
			attack = r.name
			break
		}
	}
	threatsDetected.WithLabelValues(attack).Inc()

	return &model.ThreatEvent{
		ID:         a.newID(),
		Timestamp:  p.Timestamp,
		SrcIP:      p.SrcIP,
		DstIP:      p.DstIP,
		SrcPort:    p.SrcPort,
		DstPort:    p.DstPort,
		Protocol:   p.Protocol,
		AttackType: attack,
		Severity:   SeverityFor(res.Confidence),
		Confidence: res.Confidence,
	}
}

func (a *Aggregator) knownSource(ctx context.Context, p *model.PacketRecord) bool {
	if a.intel == nil {
		return false
	}
	bad, err := a.intel.IsKnownBad(ctx, p.SrcIP)
	if err != nil {
		intelErrors.Inc()
		a.log.WithError(err).WithField("address", p.SrcIP.String()).Warn("Known-bad lookup failed, treating as unknown")
	}
	return bad
}

func (a *Aggregator) suspiciousPort(_ context.Context, p *model.PacketRecord) bool {
	if p.Protocol == model.ProtocolICMP {
		return false
	}
	_, src := a.ports[p.SrcPort]
	_, dst := a.ports[p.DstPort]
	return src || dst
}

func (a *Aggregator) anomalousSize(_ context.Context, p *model.PacketRecord) bool {
	return (a.minSize > 0 && p.Length < a.minSize) || (a.maxSize > 0 && p.Length > a.maxSize)
}

func (a *Aggregator) suspiciousTTL(_ context.Context, p *model.PacketRecord) bool {
	return p.TTL < a.minTTL
}

func (a *Aggregator) privilegedPort(_ context.Context, p *model.PacketRecord) bool {
	if p.Protocol == model.ProtocolICMP || p.DstPort >= 1024 {
		return false
	}
	return !a.isInternal(p.SrcIP)
}

func (a *Aggregator) flagAnomaly(_ context.Context, p *model.PacketRecord) bool {
	if p.Protocol != model.ProtocolTCP {
		return false
	}
	f := p.Flags
	switch {
	case f == 0:
		return true
	case f.Has(model.FlagFIN | model.FlagPSH | model.FlagURG):
		return true
	case f.Has(model.FlagSYN | model.FlagFIN):
		return true
	}
	return false
}

func (a *Aggregator) isInternal(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range a.internal {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
