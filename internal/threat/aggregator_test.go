package threat

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

func newTestAggregator(t *testing.T, intel Intel) *Aggregator {
	t.Helper()
	a, err := NewAggregator(config.Default().Threat, 0.7, intel, logging.Discard())
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	a.newID = func() string { return "evt-1" }
	return a
}

func packet(src string, dstPort uint16, length int, ttl uint8) *model.PacketRecord {
	return &model.PacketRecord{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		FiveTuple: model.FiveTuple{
			SrcIP:    netip.MustParseAddr(src),
			DstIP:    netip.MustParseAddr("10.0.0.5"),
			SrcPort:  40000,
			DstPort:  dstPort,
			Protocol: model.ProtocolTCP,
		},
		Length: length,
		TTL:    ttl,
		Flags:  model.FlagACK,
	}
}

func malicious(conf float64) model.ClassificationResult {
	return model.ClassificationResult{Label: model.LabelMalicious, Confidence: conf}
}

func TestEvaluateSuspiciousPortScenario(t *testing.T) {
	a := newTestAggregator(t, nil)
	ev := a.Evaluate(context.Background(), packet("203.0.113.7", 31337, 45, 48), malicious(0.81))
	if ev == nil {
		t.Fatal("expected a threat event")
	}
	if ev.Severity != model.SeverityMedium {
		t.Errorf("Severity = %q, want medium", ev.Severity)
	}
	if ev.AttackType != AttackSuspiciousPort {
		t.Errorf("AttackType = %q, want %q", ev.AttackType, AttackSuspiciousPort)
	}
	if ev.SrcIP != netip.MustParseAddr("203.0.113.7") || ev.DstPort != 31337 || ev.Confidence != 0.81 {
		t.Errorf("event fields not copied from packet: %+v", ev)
	}
	if ev.ID != "evt-1" || ev.Blocked {
		t.Errorf("unexpected ID/Blocked: %+v", ev)
	}
}

func TestEvaluateNoEvent(t *testing.T) {
	a := newTestAggregator(t, nil)
	p := packet("203.0.113.7", 31337, 45, 48)
	tests := []struct {
		name string
		res  model.ClassificationResult
	}{
		{"normal", model.ClassificationResult{Label: model.LabelNormal, Confidence: 0.99}},
		{"unknown", model.ClassificationResult{Label: model.LabelUnknown}},
		{"below threshold", malicious(0.69)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ev := a.Evaluate(context.Background(), p, tt.res); ev != nil {
				t.Errorf("Evaluate = %+v, want nil", ev)
			}
		})
	}
	if ev := a.Evaluate(context.Background(), p, malicious(0.7)); ev == nil {
		t.Error("confidence equal to the threshold should emit an event")
	}
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		conf float64
		want model.Severity
	}{
		{0.70, model.SeverityLow},
		{0.75, model.SeverityLow},
		{0.76, model.SeverityMedium},
		{0.85, model.SeverityMedium},
		{0.86, model.SeverityHigh},
		{1.00, model.SeverityHigh},
	}
	for _, tt := range tests {
		if got := SeverityFor(tt.conf); got != tt.want {
			t.Errorf("SeverityFor(%v) = %q, want %q", tt.conf, got, tt.want)
		}
	}
}

func TestRulePriority(t *testing.T) {
	known, err := NewStaticIntel([]string{"198.51.100.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	a := newTestAggregator(t, known)

	tests := []struct {
		name   string
		packet func() *model.PacketRecord
		want   string
	}{
		{"known source wins over port", func() *model.PacketRecord { return packet("198.51.100.9", 4444, 45, 5) }, AttackKnownSource},
		{"port wins over size", func() *model.PacketRecord { return packet("203.0.113.7", 4444, 45, 5) }, AttackSuspiciousPort},
		{"source port also counts", func() *model.PacketRecord {
			p := packet("203.0.113.7", 8080, 200, 64)
			p.SrcPort = 6667
			return p
		}, AttackSuspiciousPort},
		{"size wins over ttl", func() *model.PacketRecord { return packet("203.0.113.7", 8080, 2000, 5) }, AttackAnomalousSize},
		{"ttl", func() *model.PacketRecord { return packet("203.0.113.7", 8080, 200, 5) }, AttackSuspiciousTTL},
		{"privileged port from outside", func() *model.PacketRecord { return packet("203.0.113.7", 22, 200, 64) }, AttackPrivilegedPort},
		{"privileged port from inside is fine", func() *model.PacketRecord { return packet("192.168.1.10", 22, 200, 64) }, AttackMaliciousTraffic},
		{"xmas scan", func() *model.PacketRecord {
			p := packet("203.0.113.7", 8080, 200, 64)
			p.Flags = model.FlagFIN | model.FlagPSH | model.FlagURG
			return p
		}, AttackTCPFlagAnomaly},
		{"null scan", func() *model.PacketRecord {
			p := packet("203.0.113.7", 8080, 200, 64)
			p.Flags = 0
			return p
		}, AttackTCPFlagAnomaly},
		{"syn fin", func() *model.PacketRecord {
			p := packet("203.0.113.7", 8080, 200, 64)
			p.Flags = model.FlagSYN | model.FlagFIN
			return p
		}, AttackTCPFlagAnomaly},
		{"fallback", func() *model.PacketRecord { return packet("203.0.113.7", 8080, 200, 64) }, AttackMaliciousTraffic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := a.Evaluate(context.Background(), tt.packet(), malicious(0.9))
			if ev == nil {
				t.Fatal("expected event")
			}
			if ev.AttackType != tt.want {
				t.Errorf("AttackType = %q, want %q", ev.AttackType, tt.want)
			}
			if ev.Severity != model.SeverityHigh {
				t.Errorf("Severity = %q, heuristics must not change severity", ev.Severity)
			}
		})
	}
}

type failingIntel struct{}

func (failingIntel) IsKnownBad(context.Context, netip.Addr) (bool, error) {
	return false, errors.New("feed down")
}

func TestIntelErrorIsNotKnown(t *testing.T) {
	a := newTestAggregator(t, failingIntel{})
	ev := a.Evaluate(context.Background(), packet("203.0.113.7", 8080, 200, 64), malicious(0.9))
	if ev == nil || ev.AttackType != AttackMaliciousTraffic {
		t.Fatalf("Evaluate = %+v, want fallback attack type", ev)
	}
}

func TestNewAggregatorRejectsBadNetwork(t *testing.T) {
	cfg := config.Default().Threat
	cfg.InternalNetworks = []string{"not-a-cidr"}
	if _, err := NewAggregator(cfg, 0.7, nil, logging.Discard()); err == nil {
		t.Fatal("expected error for invalid internal network")
	}
}
