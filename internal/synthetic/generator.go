// Package synthetic generates labelled traffic: benign client sessions mixed
// with scans, floods, backdoor connections and crafted packets. It feeds the
// engine when no interface is available and produces training data.
package synthetic

import (
	"Go2NetGuard/internal/classifier"
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/features"
	"Go2NetGuard/internal/model"
	"context"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind names the traffic pattern a generated packet belongs to.
type Kind string

const (
	KindNormal   Kind = "normal"
	KindPortScan Kind = "port_scan"
	KindSYNFlood Kind = "syn_flood"
	KindBackdoor Kind = "backdoor"
	KindLowTTL   Kind = "low_ttl"
	KindXmasScan Kind = "xmas_scan"
)

// AttackKinds lists every malicious pattern.
var AttackKinds = []Kind{KindPortScan, KindSYNFlood, KindBackdoor, KindLowTTL, KindXmasScan}

var (
	servicePorts  = []uint16{22, 53, 80, 123, 443, 8080}
	backdoorPorts = []uint16{31337, 4444, 1337, 6666, 6667, 12345, 54321, 27374, 5554, 9996}
	internalNet   = netip.MustParsePrefix("10.0.0.0/24")
)

// Labeled is a generated packet with its ground truth.
type Labeled struct {
	Record    model.PacketRecord
	Kind      Kind
	Malicious bool
}

// Generator produces packets from a seeded source. It is not safe for
// concurrent use.
type Generator struct {
	rng         *rand.Rand
	attackRatio float64
	rate        int
	log         *logrus.Logger
	now         func() time.Time
}

// New returns a generator with the rate and attack mix from cfg.
func New(cfg config.CaptureConfig, seed uint64, log *logrus.Logger) *Generator {
	ratio := cfg.AttackRatio
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	rate := cfg.SyntheticRate
	if rate <= 0 {
		rate = 200
	}
	return &Generator{
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		attackRatio: ratio,
		rate:        rate,
		log:         log,
		now:         time.Now,
	}
}

// Next returns one packet. The attack ratio decides how often it is malicious.
func (g *Generator) Next() Labeled {
	if g.rng.Float64() < g.attackRatio {
		return g.Attack(AttackKinds[g.rng.IntN(len(AttackKinds))])
	}
	return g.Normal()
}

// Normal returns a benign client to server packet.
func (g *Generator) Normal() Labeled {
	port := servicePorts[g.rng.IntN(len(servicePorts))]
	rec := model.PacketRecord{
		Timestamp: g.now(),
		FiveTuple: model.FiveTuple{
			SrcIP:   g.internalAddr(),
			DstIP:   g.externalAddr(),
			SrcPort: g.ephemeralPort(),
			DstPort: port,
		},
		TTL: g.osTTL(),
	}
	if port == 53 || port == 123 {
		rec.Protocol = model.ProtocolUDP
		rec.Length = 74 + g.rng.IntN(400)
	} else {
		rec.Protocol = model.ProtocolTCP
		rec.Length = 60 + g.rng.IntN(1455)
		rec.Flags = []model.TCPFlags{model.FlagACK, model.FlagPSH | model.FlagACK, model.FlagSYN, model.FlagFIN | model.FlagACK}[g.rng.IntN(4)]
		rec.Window = uint16(8192 + g.rng.IntN(65535-8192))
		rec.HasWindow = true
	}
	return Labeled{Record: rec, Kind: KindNormal}
}

// Attack returns one packet of the given malicious pattern.
func (g *Generator) Attack(kind Kind) Labeled {
	rec := model.PacketRecord{
		Timestamp: g.now(),
		FiveTuple: model.FiveTuple{
			SrcIP:    g.externalAddr(),
			DstIP:    g.internalAddr(),
			SrcPort:  g.ephemeralPort(),
			Protocol: model.ProtocolTCP,
		},
		TTL:       g.osTTL(),
		Length:    60,
		HasWindow: true,
	}
	switch kind {
	case KindPortScan:
		rec.DstPort = uint16(1 + g.rng.IntN(1024))
		rec.Flags = model.FlagSYN
		rec.Window = 1024
	case KindSYNFlood:
		rec.DstPort = 80
		rec.Flags = model.FlagSYN
		rec.Window = 512
		rec.Length = 60 + g.rng.IntN(6)
	case KindBackdoor:
		rec.DstPort = backdoorPorts[g.rng.IntN(len(backdoorPorts))]
		rec.Flags = model.FlagPSH | model.FlagACK
		rec.Window = uint16(8192 + g.rng.IntN(65535-8192))
		rec.Length = 60 + g.rng.IntN(600)
	case KindLowTTL:
		rec.DstPort = servicePorts[g.rng.IntN(len(servicePorts))]
		rec.TTL = uint8(1 + g.rng.IntN(15))
		rec.Protocol = model.ProtocolUDP
		rec.Flags = 0
		rec.Window = 0
		rec.HasWindow = false
		rec.Length = 60 + g.rng.IntN(200)
	default:
		kind = KindXmasScan
		rec.DstPort = uint16(1 + g.rng.IntN(1024))
		rec.Flags = model.FlagFIN | model.FlagPSH | model.FlagURG
		rec.Window = 1024
	}
	return Labeled{Record: rec, Kind: kind, Malicious: true}
}

// Batch returns n packets from Next.
func (g *Generator) Batch(n int) []Labeled {
	out := make([]Labeled, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

// Samples converts labelled packets into training samples.
func Samples(packets []Labeled) ([]classifier.Sample, error) {
	out := make([]classifier.Sample, 0, len(packets))
	for i := range packets {
		v, err := features.Extract(&packets[i].Record)
		if err != nil {
			return nil, err
		}
		out = append(out, classifier.Sample{Vector: v, Malicious: packets[i].Malicious})
	}
	return out, nil
}

// Run emits packets at the configured rate until ctx is cancelled.
func (g *Generator) Run(ctx context.Context, emit func(model.PacketRecord)) error {
	interval := time.Second / time.Duration(g.rate)
	if interval <= 0 {
		interval = time.Microsecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	g.log.WithFields(logrus.Fields{"rate": g.rate, "attack_ratio": g.attackRatio}).Info("Synthetic traffic started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			emit(g.Next().Record)
		}
	}
}

func (g *Generator) internalAddr() netip.Addr {
	b := internalNet.Addr().As4()
	b[3] = byte(2 + g.rng.IntN(250))
	return netip.AddrFrom4(b)
}

// externalAddr draws from the documentation ranges.
func (g *Generator) externalAddr() netip.Addr {
	bases := [][3]byte{{192, 0, 2}, {198, 51, 100}, {203, 0, 113}}
	b := bases[g.rng.IntN(len(bases))]
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], byte(1 + g.rng.IntN(254))})
}

func (g *Generator) ephemeralPort() uint16 {
	return uint16(32768 + g.rng.IntN(28232))
}

func (g *Generator) osTTL() uint8 {
	if g.rng.IntN(2) == 0 {
		return uint8(44 + g.rng.IntN(21))
	}
	return uint8(108 + g.rng.IntN(21))
}
