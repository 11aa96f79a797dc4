package block

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

type fakeFirewall struct {
	mu          sync.Mutex
	denied      map[netip.Addr]bool
	denyErr     error
	removeErr   error
	denyCalls   int
	removeCalls int
	gate        chan struct{}
	entered     chan struct{}

	removeGate    chan struct{}
	removeEntered chan struct{}
}

func newFakeFirewall() *fakeFirewall {
	return &fakeFirewall{denied: make(map[netip.Addr]bool)}
}

func (f *fakeFirewall) Name() string { return "fake" }

func (f *fakeFirewall) Deny(_ context.Context, addr netip.Addr) error {
	f.mu.Lock()
	f.denyCalls++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyErr != nil {
		return f.denyErr
	}
	f.denied[addr] = true
	return nil
}

func (f *fakeFirewall) RemoveDeny(_ context.Context, addr netip.Addr) error {
	f.mu.Lock()
	f.removeCalls++
	gate, entered := f.removeGate, f.removeEntered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.denied, addr)
	return nil
}

func (f *fakeFirewall) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.denyCalls, f.removeCalls
}

type eventLog struct {
	mu     sync.Mutex
	events []model.SystemEvent
}

func (l *eventLog) RecordEvent(ev model.SystemEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []model.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.EventKind
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *eventLog) find(kind model.EventKind) (model.SystemEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return model.SystemEvent{}, false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	c     *Controller
	fw    *fakeFirewall
	log   *eventLog
	clock *fakeClock
}

func newHarness(t *testing.T, mutate func(*config.BlockConfig)) *harness {
	t.Helper()
	cfg := config.Default().Block
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{fw: newFakeFirewall(), log: &eventLog{}, clock: &fakeClock{now: t0}}
	c, err := NewController(OptionsFromConfig(cfg), h.fw, h.log, logging.Discard())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	c.now = h.clock.Now
	c.sleep = func(context.Context, time.Duration) error { return nil }
	h.c = c
	return h
}

func threat(addr string, conf float64) *model.ThreatEvent {
	return &model.ThreatEvent{
		ID:         "t",
		Timestamp:  t0,
		SrcIP:      netip.MustParseAddr(addr),
		DstIP:      netip.MustParseAddr("10.0.0.5"),
		DstPort:    31337,
		Protocol:   model.ProtocolTCP,
		AttackType: "Suspicious Port",
		Severity:   model.SeverityMedium,
		Confidence: conf,
	}
}

var attacker = netip.MustParseAddr("203.0.113.7")

func TestConsiderBlocksSuspiciousSource(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.c.Consider(context.Background(), threat("203.0.113.7", 0.81))
	if err != nil || out != OutcomeBlocked {
		t.Fatalf("Consider = %v, %v; want blocked", out, err)
	}
	if !h.c.IsBlocked(attacker) {
		t.Fatal("address should be blocked")
	}
	blocks := h.c.ActiveBlocks()
	if len(blocks) != 1 {
		t.Fatalf("ActiveBlocks = %d entries, want 1", len(blocks))
	}
	b := blocks[0]
	if !b.AutoExpire || !b.UnblockAt.After(t0) {
		t.Errorf("entry should expire in the future: %+v", b)
	}
	if got := b.UnblockAt.Sub(b.BlockedAt); got != 10*time.Minute {
		t.Errorf("duration = %v, want 10m for confidence 0.81", got)
	}
	if !h.fw.denied[attacker] {
		t.Error("firewall rule not applied")
	}
	if ev, ok := h.log.find(model.EventBlock); !ok || ev.Block == nil || ev.Level != model.LevelInfo {
		t.Errorf("missing block event: %+v", h.log.kinds())
	}
}

func TestConsiderThresholdIsStrict(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.c.Consider(context.Background(), threat("203.0.113.7", 0.7))
	if err != nil || out != OutcomeBelowThreshold {
		t.Fatalf("Consider(0.7) = %v, %v; want below_threshold", out, err)
	}
	if out, _ := h.c.Consider(context.Background(), nil); out != OutcomeBelowThreshold {
		t.Errorf("Consider(nil) = %v", out)
	}
	if h.c.IsBlocked(attacker) {
		t.Error("address must not be blocked")
	}
}

func TestWhitelistIsAbsoluteVeto(t *testing.T) {
	h := newHarness(t, func(c *config.BlockConfig) {
		c.Whitelist = append(c.Whitelist, "203.0.113.7", "192.0.2.0/24")
	})
	for _, conf := range []float64{0.71, 0.9, 0.99, 1.0} {
		out, err := h.c.Consider(context.Background(), threat("203.0.113.7", conf))
		if err != nil || out != OutcomeWhitelisted {
			t.Fatalf("Consider(%v) = %v, %v; want whitelisted", conf, out, err)
		}
	}
	if _, err := h.c.Consider(context.Background(), threat("::ffff:192.0.2.44", 0.99)); err != nil {
		t.Fatal(err)
	}
	if h.c.IsBlocked(attacker) || h.c.IsBlocked(netip.MustParseAddr("192.0.2.44")) {
		t.Fatal("whitelisted address was blocked")
	}
	if deny, _ := h.fw.calls(); deny != 0 {
		t.Errorf("firewall called %d times for whitelisted addresses", deny)
	}
	ev, ok := h.log.find(model.EventBlockSuppressed)
	if !ok {
		t.Fatalf("no block_suppressed event, got %v", h.log.kinds())
	}
	if ev.Level != model.LevelWarning || ev.Address != attacker {
		t.Errorf("suppressed event = %+v", ev)
	}
	if _, err := h.c.Block(context.Background(), attacker, "operator", 0); !errors.Is(err, ErrWhitelisted) {
		t.Errorf("manual Block error = %v, want ErrWhitelisted", err)
	}
}

func TestRepeatDetectionsKeepOneEntry(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 10; i++ {
		out, err := h.c.Consider(context.Background(), threat("203.0.113.7", 0.9))
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 && out != OutcomeAlreadyBlocked {
			t.Errorf("repeat %d outcome = %v, want already_blocked", i, out)
		}
	}
	if n := len(h.c.ActiveBlocks()); n != 1 {
		t.Errorf("ActiveBlocks = %d, want 1", n)
	}
	if deny, _ := h.fw.calls(); deny != 1 {
		t.Errorf("Deny called %d times, want 1", deny)
	}
}

func TestConcurrentDetectionsKeepOneEntry(t *testing.T) {
	h := newHarness(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.c.Consider(context.Background(), threat("203.0.113.7", 0.95))
		}()
	}
	wg.Wait()
	if n := len(h.c.ActiveBlocks()); n != 1 {
		t.Errorf("ActiveBlocks = %d, want 1", n)
	}
	if deny, _ := h.fw.calls(); deny != 1 {
		t.Errorf("Deny called %d times, want 1", deny)
	}
}

func TestIgnorePolicyKeepsExpiry(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Consider(context.Background(), threat("203.0.113.7", 0.81))
	before, _ := h.c.Lookup(attacker)
	h.clock.Advance(5 * time.Minute)
	out, _ := h.c.Consider(context.Background(), threat("203.0.113.7", 0.99))
	if out != OutcomeAlreadyBlocked {
		t.Fatalf("outcome = %v, want already_blocked", out)
	}
	after, _ := h.c.Lookup(attacker)
	if !after.UnblockAt.Equal(before.UnblockAt) {
		t.Errorf("ignore policy changed UnblockAt from %v to %v", before.UnblockAt, after.UnblockAt)
	}
}

func TestExtendPolicyPushesExpiry(t *testing.T) {
	h := newHarness(t, func(c *config.BlockConfig) { c.RepeatPolicy = "extend" })
	h.c.Consider(context.Background(), threat("203.0.113.7", 0.81))
	h.clock.Advance(5 * time.Minute)

	out, err := h.c.Consider(context.Background(), threat("203.0.113.7", 0.9))
	if err != nil || out != OutcomeExtended {
		t.Fatalf("Consider = %v, %v; want extended", out, err)
	}
	entry, _ := h.c.Lookup(attacker)
	if want := t0.Add(35 * time.Minute); !entry.UnblockAt.Equal(want) {
		t.Errorf("UnblockAt = %v, want %v", entry.UnblockAt, want)
	}
	if !entry.BlockedAt.Equal(t0) {
		t.Errorf("BlockedAt changed to %v", entry.BlockedAt)
	}
	if _, ok := h.log.find(model.EventBlockExtended); !ok {
		t.Errorf("no block_extended event: %v", h.log.kinds())
	}

	// A weaker detection never shortens a block.
	out, _ = h.c.Consider(context.Background(), threat("203.0.113.7", 0.71))
	if out != OutcomeAlreadyBlocked {
		t.Errorf("shorter extension outcome = %v, want already_blocked", out)
	}
}

func TestDurationTiers(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		conf float64
		want time.Duration
	}{
		{0.99, time.Hour},
		{0.95, time.Hour},
		{0.9, 30 * time.Minute},
		{0.85, 30 * time.Minute},
		{0.81, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := h.c.DurationFor(tt.conf); got != tt.want {
			t.Errorf("DurationFor(%v) = %v, want %v", tt.conf, got, tt.want)
		}
	}
}

func TestSweepExpiresAtUnblockTime(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.c.Block(context.Background(), attacker, "test", 10*time.Minute); err != nil {
		t.Fatal(err)
	}

	n, err := h.c.SweepAt(context.Background(), t0.Add(9*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("sweep at 9m = %d, %v", n, err)
	}
	if !h.c.IsBlocked(attacker) {
		t.Fatal("block removed before its unblock time")
	}

	n, err = h.c.SweepAt(context.Background(), t0.Add(11*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("sweep at 11m = %d, %v", n, err)
	}
	if h.c.IsBlocked(attacker) {
		t.Fatal("block survived a sweep after its unblock time")
	}
	if h.fw.denied[attacker] {
		t.Error("firewall rule not revoked")
	}
	if _, ok := h.log.find(model.EventUnblock); !ok {
		t.Errorf("no unblock event: %v", h.log.kinds())
	}
}

func TestSweepAtExactUnblockTime(t *testing.T) {
	h := newHarness(t, nil)
	entry, err := h.c.Block(context.Background(), attacker, "test", 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := h.c.SweepAt(context.Background(), entry.UnblockAt.Add(-time.Nanosecond)); n != 0 {
		t.Fatal("sweep strictly before unblock time removed the block")
	}
	if n, _ := h.c.SweepAt(context.Background(), entry.UnblockAt); n != 1 {
		t.Fatal("sweep at unblock time did not remove the block")
	}
}

func TestPermanentBlockSurvivesSweep(t *testing.T) {
	h := newHarness(t, nil)
	entry, err := h.c.Block(context.Background(), attacker, "operator", 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.AutoExpire || !entry.UnblockAt.IsZero() {
		t.Fatalf("manual permanent entry = %+v", entry)
	}
	if n, _ := h.c.SweepAt(context.Background(), t0.Add(365*24*time.Hour)); n != 0 {
		t.Fatal("permanent block was swept")
	}
	if err := h.c.Unblock(context.Background(), attacker); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if h.c.IsBlocked(attacker) {
		t.Fatal("still blocked after Unblock")
	}
	if err := h.c.Unblock(context.Background(), attacker); !errors.Is(err, ErrNotBlocked) {
		t.Errorf("second Unblock = %v, want ErrNotBlocked", err)
	}
}

func TestManualBlockUpdatesExistingEntry(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Consider(context.Background(), threat("203.0.113.7", 0.81))
	entry, err := h.c.Block(context.Background(), attacker, "make permanent", 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.AutoExpire || entry.Reason != "make permanent" {
		t.Errorf("updated entry = %+v", entry)
	}
	if deny, _ := h.fw.calls(); deny != 1 {
		t.Errorf("Deny called %d times, want 1", deny)
	}
	if n := h.c.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestFailedDenyIsNotMarkedBlocked(t *testing.T) {
	h := newHarness(t, nil)
	h.fw.denyErr = errors.New("permission denied")

	out, err := h.c.Consider(context.Background(), threat("203.0.113.7", 0.9))
	if out != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", out)
	}
	var fe *FirewallError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *FirewallError", err)
	}
	if fe.Op != "deny" || fe.Attempts != 3 || fe.Addr != attacker {
		t.Errorf("FirewallError = %+v", fe)
	}
	if deny, _ := h.fw.calls(); deny != 3 {
		t.Errorf("Deny called %d times, want 3", deny)
	}
	if h.c.IsBlocked(attacker) || h.c.Len() != 0 {
		t.Fatal("failed apply left an entry behind")
	}
	if ev, ok := h.log.find(model.EventFirewallError); !ok || ev.Level != model.LevelError {
		t.Errorf("missing firewall_error event: %v", h.log.kinds())
	}

	// The reservation is released, so a later detection can try again.
	h.fw.denyErr = nil
	if out, _ := h.c.Consider(context.Background(), threat("203.0.113.7", 0.9)); out != OutcomeBlocked {
		t.Errorf("retry outcome = %v, want blocked", out)
	}
}

func TestFailedRevokeKeepsEntry(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Block(context.Background(), attacker, "test", 10*time.Minute)
	h.fw.removeErr = errors.New("xtables lock")

	n, err := h.c.SweepAt(context.Background(), t0.Add(11*time.Minute))
	if n != 0 || err == nil {
		t.Fatalf("sweep = %d, %v; want 0 and an error", n, err)
	}
	if !h.c.IsBlocked(attacker) {
		t.Fatal("entry dropped although revoke failed")
	}
	if _, ok := h.log.find(model.EventFirewallError); !ok {
		t.Errorf("missing firewall_error event: %v", h.log.kinds())
	}
	if err := h.c.Unblock(context.Background(), attacker); err == nil {
		t.Error("manual unblock should surface the revoke failure")
	}

	h.fw.removeErr = nil
	n, err = h.c.SweepAt(context.Background(), t0.Add(12*time.Minute))
	if n != 1 || err != nil {
		t.Fatalf("retry sweep = %d, %v; want 1, nil", n, err)
	}
	if h.c.IsBlocked(attacker) {
		t.Error("entry survived a successful revoke")
	}
}

func TestPendingBlockIsReserved(t *testing.T) {
	h := newHarness(t, nil)
	h.fw.gate = make(chan struct{})
	h.fw.entered = make(chan struct{}, 1)

	done := make(chan Outcome)
	go func() {
		out, _ := h.c.Consider(context.Background(), threat("203.0.113.7", 0.9))
		done <- out
	}()
	<-h.fw.entered

	if h.c.IsBlocked(attacker) {
		t.Error("pending block reported as active")
	}
	if err := h.c.Unblock(context.Background(), attacker); !errors.Is(err, ErrPending) {
		t.Errorf("Unblock during apply = %v, want ErrPending", err)
	}
	out, _ := h.c.Consider(context.Background(), threat("203.0.113.7", 0.9))
	if out != OutcomePending || out.Blocked() {
		t.Errorf("second Consider during apply = %v (blocked=%v), want pending and not blocked", out, out.Blocked())
	}

	close(h.fw.gate)
	if out := <-done; out != OutcomeBlocked {
		t.Fatalf("first Consider = %v, want blocked", out)
	}
	if deny, _ := h.fw.calls(); deny != 1 {
		t.Errorf("Deny called %d times, want 1", deny)
	}
}

func TestDetectionDuringFailingApplyIsNotBlocked(t *testing.T) {
	h := newHarness(t, func(cfg *config.BlockConfig) { cfg.Firewall.MaxAttempts = 1 })
	h.fw.denyErr = errors.New("permission denied")
	h.fw.gate = make(chan struct{})
	h.fw.entered = make(chan struct{}, 1)

	done := make(chan Outcome)
	go func() {
		out, _ := h.c.Consider(context.Background(), threat("203.0.113.7", 0.9))
		done <- out
	}()
	<-h.fw.entered

	second, err := h.c.Consider(context.Background(), threat("203.0.113.7", 0.92))
	if err != nil {
		t.Fatalf("second Consider error = %v", err)
	}
	close(h.fw.gate)
	first := <-done

	if first != OutcomeFailed {
		t.Fatalf("first Consider = %v, want failed", first)
	}
	if second.Blocked() {
		t.Errorf("second Consider = %v reads as blocked while the apply was unconfirmed", second)
	}
	if h.c.IsBlocked(attacker) {
		t.Error("address blocked after a failed apply")
	}
	if deny, _ := h.fw.calls(); deny != 1 {
		t.Errorf("Deny called %d times, want 1", deny)
	}
}

func TestDetectionDuringRevokeBlocksAgain(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if out, _ := h.c.Consider(ctx, threat("203.0.113.7", 0.9)); out != OutcomeBlocked {
		t.Fatalf("initial Consider = %v, want blocked", out)
	}
	h.clock.Advance(31 * time.Minute)

	h.fw.removeGate = make(chan struct{})
	h.fw.removeEntered = make(chan struct{}, 1)
	type sweepResult struct {
		n   int
		err error
	}
	swept := make(chan sweepResult)
	go func() {
		n, err := h.c.Sweep(ctx)
		swept <- sweepResult{n, err}
	}()
	<-h.fw.removeEntered

	out, err := h.c.Consider(ctx, threat("203.0.113.7", 0.95))
	if err != nil || out != OutcomePending || out.Blocked() {
		t.Fatalf("Consider during revoke = %v, %v; want pending and not blocked", out, err)
	}

	close(h.fw.removeGate)
	if res := <-swept; res.n != 1 || res.err != nil {
		t.Fatalf("Sweep = %d, %v; want 1, nil", res.n, res.err)
	}

	if !h.c.IsBlocked(attacker) {
		t.Fatal("fresh detection was lost: address unblocked after the revoke")
	}
	entry, ok := h.c.Lookup(attacker)
	if !ok || entry.Confidence != 0.95 || !entry.UnblockAt.Equal(h.clock.Now().Add(time.Hour)) {
		t.Errorf("re-block entry = %+v, want confidence 0.95 expiring in 1h", entry)
	}
	if deny, remove := h.fw.calls(); deny != 2 || remove != 1 {
		t.Errorf("firewall calls deny=%d remove=%d, want 2 and 1", deny, remove)
	}
	kinds := h.log.kinds()
	if len(kinds) != 3 || kinds[0] != model.EventBlock || kinds[1] != model.EventUnblock || kinds[2] != model.EventBlock {
		t.Errorf("events = %v, want [block unblock block]", kinds)
	}
}

func TestActiveBlocksOrder(t *testing.T) {
	h := newHarness(t, nil)
	addrs := []string{"198.51.100.9", "198.51.100.3", "203.0.113.1"}
	h.c.Block(context.Background(), netip.MustParseAddr(addrs[0]), "a", time.Hour)
	h.c.Block(context.Background(), netip.MustParseAddr(addrs[1]), "b", time.Hour)
	h.clock.Advance(time.Second)
	h.c.Block(context.Background(), netip.MustParseAddr(addrs[2]), "c", time.Hour)

	got := h.c.ActiveBlocks()
	want := []string{"198.51.100.3", "198.51.100.9", "203.0.113.1"}
	if len(got) != len(want) {
		t.Fatalf("ActiveBlocks = %v", got)
	}
	for i := range want {
		if got[i].Address.String() != want[i] {
			t.Errorf("ActiveBlocks[%d] = %s, want %s", i, got[i].Address, want[i])
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, func(c *config.BlockConfig) { c.SweepInterval = "5ms" })
	h.c.now = time.Now
	if _, err := h.c.Block(context.Background(), attacker, "short", time.Millisecond); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.c.Run(ctx)
		close(stopped)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.c.IsBlocked(attacker) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.c.IsBlocked(attacker) {
		t.Error("sweeper did not expire the block")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewControllerRejectsBadConfig(t *testing.T) {
	opts := OptionsFromConfig(config.Default().Block)
	opts.Whitelist = []string{"not-an-ip"}
	if _, err := NewController(opts, newFakeFirewall(), nil, logging.Discard()); err == nil {
		t.Error("expected whitelist parse error")
	}
	opts = OptionsFromConfig(config.Default().Block)
	opts.Repeat = "double"
	if _, err := NewController(opts, newFakeFirewall(), nil, logging.Discard()); err == nil {
		t.Error("expected repeat policy error")
	}
}
