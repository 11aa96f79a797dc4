package synthetic

import (
	"Go2NetGuard/internal/classifier"
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/engine/protocol"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newGen(seed uint64, ratio float64) *Generator {
	return New(config.CaptureConfig{AttackRatio: ratio, SyntheticRate: 1000}, seed, logging.Discard())
}

func TestGeneratorIsDeterministic(t *testing.T) {
	a, b := newGen(7, 0.3), newGen(7, 0.3)
	fixed := time.Unix(1700000000, 0)
	a.now = func() time.Time { return fixed }
	b.now = func() time.Time { return fixed }
	for i := 0; i < 200; i++ {
		if x, y := a.Next(), b.Next(); x != y {
			t.Fatalf("packet %d differs: %+v vs %+v", i, x, y)
		}
	}
}

func TestAttackRatio(t *testing.T) {
	for _, l := range newGen(1, 0).Batch(500) {
		if l.Malicious || l.Kind != KindNormal {
			t.Fatalf("ratio 0 produced %+v", l)
		}
	}
	for _, l := range newGen(1, 1).Batch(500) {
		if !l.Malicious || l.Kind == KindNormal {
			t.Fatalf("ratio 1 produced %+v", l)
		}
	}
}

func TestAttackShapes(t *testing.T) {
	g := newGen(3, 0)
	for i := 0; i < 50; i++ {
		if p := g.Attack(KindLowTTL).Record; p.TTL >= 20 || p.Protocol != model.ProtocolUDP {
			t.Fatalf("low ttl packet %+v", p)
		}
		if p := g.Attack(KindXmasScan).Record; !p.Flags.Has(model.FlagFIN | model.FlagPSH | model.FlagURG) {
			t.Fatalf("xmas packet flags %v", p.Flags)
		}
		if p := g.Attack(KindSYNFlood).Record; p.Flags != model.FlagSYN || p.DstPort != 80 {
			t.Fatalf("syn flood packet %+v", p)
		}
	}
}

func TestFrameDecodesToSameRecord(t *testing.T) {
	g := newGen(11, 0.5)
	for _, l := range g.Batch(300) {
		want := l.Record
		data, err := Frame(want)
		if err != nil {
			t.Fatalf("Frame(%v): %v", want.FiveTuple, err)
		}
		got, err := protocol.Decode(data, want.Timestamp)
		if err != nil {
			t.Fatalf("Decode(%v): %v", want.FiveTuple, err)
		}
		if got.FiveTuple != want.FiveTuple || got.TTL != want.TTL || got.Flags != want.Flags ||
			got.Window != want.Window || got.HasWindow != want.HasWindow || got.Length != want.Length {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
		}
	}
}

func TestWritePcap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synthetic.pcap")
	n, err := WritePcap(path, newGen(5, 0.2).Batch(25))
	if err != nil {
		t.Fatalf("WritePcap: %v", err)
	}
	if n != 25 {
		t.Errorf("wrote %d frames, want 25", n)
	}
}

func TestForestLearnsSyntheticTraffic(t *testing.T) {
	train, err := Samples(newGen(21, 0.4).Batch(3000))
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	holdout, err := Samples(newGen(99, 0.4).Batch(1000))
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	a, err := classifier.Train(train, classifier.TrainOptions{Version: "synthetic-test", Trees: 15, Seed: 1})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	m, err := classifier.NewModel(a)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	if got := classifier.Evaluate(m, holdout); got.Accuracy < 0.9 {
		t.Errorf("holdout accuracy = %.3f, want >= 0.9 (%+v)", got.Accuracy, got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	g := newGen(1, 0.1)
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int64
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx, func(model.PacketRecord) {
			if n.Add(1) == 5 {
				cancel()
			}
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if n.Load() < 5 {
		t.Errorf("emitted %d packets, want at least 5", n.Load())
	}
}
