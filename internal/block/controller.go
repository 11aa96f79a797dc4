// Package block owns the set of blocked source addresses. It decides whether
// a threat warrants a block, enforces the whitelist, drives the firewall and
// expires blocks on a fixed cadence.
package block

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotBlocked is returned by Unblock for an address with no entry.
	ErrNotBlocked = errors.New("address is not blocked")
	// ErrWhitelisted is returned by Block for a whitelisted address.
	ErrWhitelisted = errors.New("address is whitelisted")
	// ErrPending is returned while a firewall call for the address is in flight.
	ErrPending = errors.New("firewall action pending for address")
)

// FirewallError reports a deny or revoke that failed after all retries.
type FirewallError struct {
	Op       string
	Addr     netip.Addr
	Attempts int
	Err      error
}

func (e *FirewallError) Error() string {
	return fmt.Sprintf("firewall %s %s failed after %d attempt(s): %v", e.Op, e.Addr, e.Attempts, e.Err)
}

func (e *FirewallError) Unwrap() error { return e.Err }

// RepeatPolicy decides what a new qualifying threat does to an existing block.
type RepeatPolicy string

const (
	RepeatIgnore RepeatPolicy = "ignore"
	RepeatExtend RepeatPolicy = "extend"
)

// Tier maps a minimum confidence to a block duration.
type Tier struct {
	MinConfidence float64
	Duration      time.Duration
}

// Outcome is the result of Consider.
type Outcome int

const (
	OutcomeBelowThreshold Outcome = iota
	OutcomeWhitelisted
	OutcomeBlocked
	OutcomeAlreadyBlocked
	OutcomeExtended
	OutcomeFailed
	OutcomePending
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBelowThreshold:
		return "below_threshold"
	case OutcomeWhitelisted:
		return "whitelisted"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeAlreadyBlocked:
		return "already_blocked"
	case OutcomeExtended:
		return "extended"
	case OutcomeFailed:
		return "failed"
	case OutcomePending:
		return "pending"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Blocked reports whether the address is confirmed blocked after this
// outcome. OutcomePending is not: the firewall has not confirmed a rule yet.
func (o Outcome) Blocked() bool {
	return o == OutcomeBlocked || o == OutcomeAlreadyBlocked || o == OutcomeExtended
}

// Options configures a Controller.
type Options struct {
	Threshold     float64
	BaseDuration  time.Duration
	Tiers         []Tier
	Repeat        RepeatPolicy
	SweepInterval time.Duration
	Whitelist     []string
	MaxAttempts   int
	RetryBackoff  time.Duration
}

// OptionsFromConfig converts the block section of the config.
func OptionsFromConfig(cfg config.BlockConfig) Options {
	opts := Options{
		Threshold:     cfg.Threshold,
		BaseDuration:  config.Duration(cfg.BaseDuration, 10*time.Minute),
		Repeat:        RepeatPolicy(cfg.RepeatPolicy),
		SweepInterval: config.Duration(cfg.SweepInterval, 30*time.Second),
		Whitelist:     cfg.Whitelist,
		MaxAttempts:   cfg.Firewall.MaxAttempts,
		RetryBackoff:  config.Duration(cfg.Firewall.RetryBackoff, 200*time.Millisecond),
	}
	for _, t := range cfg.DurationTiers {
		dur := config.Duration(t.Duration, 0)
		if dur <= 0 {
			continue
		}
		opts.Tiers = append(opts.Tiers, Tier{MinConfidence: t.MinConfidence, Duration: dur})
	}
	return opts
}

type entryState int

const (
	statePending entryState = iota
	stateActive
	stateRevoking
)

type record struct {
	entry model.BlockEntry
	state entryState
	// reblock is set when a qualifying threat arrives while the record is
	// being revoked; the address is blocked again once the revoke completes.
	reblock *reblock
}

type reblock struct {
	entry model.BlockEntry
	dur   time.Duration
}

// Controller is the single writer of the block set. The mutex guards the set
// only; firewall calls are made with it released, with the address reserved
// in a pending or revoking state so no second entry can appear meanwhile.
type Controller struct {
	mu      sync.Mutex
	entries map[netip.Addr]*record

	whitelist     map[netip.Addr]struct{}
	whitelistNets []netip.Prefix
	threshold     float64
	baseDuration  time.Duration
	tiers         []Tier
	repeat        RepeatPolicy
	sweepInterval time.Duration
	maxAttempts   int
	retryBackoff  time.Duration
	firewall      Firewall
	sink          model.EventSink
	log           *logrus.Logger
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewController builds a controller. sink may be nil.
func NewController(opts Options, fw Firewall, sink model.EventSink, log *logrus.Logger) (*Controller, error) {
	c := &Controller{
		entries:       make(map[netip.Addr]*record),
		whitelist:     make(map[netip.Addr]struct{}),
		threshold:     opts.Threshold,
		baseDuration:  opts.BaseDuration,
		tiers:         append([]Tier(nil), opts.Tiers...),
		repeat:        opts.Repeat,
		sweepInterval: opts.SweepInterval,
		maxAttempts:   opts.MaxAttempts,
		retryBackoff:  opts.RetryBackoff,
		firewall:      fw,
		sink:          sink,
		log:           log,
		now:           time.Now,
		sleep:         sleepCtx,
	}
	if c.threshold <= 0 {
		c.threshold = 0.7
	}
	if c.baseDuration <= 0 {
		c.baseDuration = 10 * time.Minute
	}
	if c.repeat == "" {
		c.repeat = RepeatIgnore
	}
	if c.repeat != RepeatIgnore && c.repeat != RepeatExtend {
		return nil, fmt.Errorf("unknown repeat policy: '%s'", c.repeat)
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = 30 * time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 1
	}
	sort.SliceStable(c.tiers, func(i, j int) bool { return c.tiers[i].MinConfidence > c.tiers[j].MinConfidence })

	for _, w := range opts.Whitelist {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if strings.Contains(w, "/") {
			p, err := netip.ParsePrefix(w)
			if err != nil {
				return nil, fmt.Errorf("invalid whitelist prefix %q: %w", w, err)
			}
			c.whitelistNets = append(c.whitelistNets, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(w)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist address %q: %w", w, err)
		}
		c.whitelist[a.Unmap()] = struct{}{}
	}
	return c, nil
}

// SetEventSink replaces the event sink. It must be called before use.
func (c *Controller) SetEventSink(sink model.EventSink) {
	c.sink = sink
}

// Threshold returns the block-decision threshold.
func (c *Controller) Threshold() float64 { return c.threshold }

// DurationFor returns the block duration for a confidence: the first tier the
// confidence reaches, else the base duration.
func (c *Controller) DurationFor(confidence float64) time.Duration {
	for _, t := range c.tiers {
		if confidence >= t.MinConfidence {
			return t.Duration
		}
	}
	return c.baseDuration
}

// IsWhitelisted reports whether addr can never be blocked.
func (c *Controller) IsWhitelisted(addr netip.Addr) bool {
	addr = addr.Unmap()
	if _, ok := c.whitelist[addr]; ok {
		return true
	}
	for _, p := range c.whitelistNets {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsBlocked reports whether addr has a confirmed firewall block.
func (c *Controller) IsBlocked(addr netip.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[addr.Unmap()]
	return ok && r.state != statePending
}

// ActiveBlocks returns the confirmed blocks ordered by BlockedAt, then address.
func (c *Controller) ActiveBlocks() []model.BlockEntry {
	c.mu.Lock()
	out := make([]model.BlockEntry, 0, len(c.entries))
	for _, r := range c.entries {
		if r.state != statePending {
			out = append(out, r.entry)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].BlockedAt.Before(out[j].BlockedAt)
		}
		return out[i].Address.Less(out[j].Address)
	})
	return out
}

// Lookup returns the confirmed block for addr, if any.
func (c *Controller) Lookup(addr netip.Addr) (model.BlockEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[addr.Unmap()]
	if !ok || r.state == statePending {
		return model.BlockEntry{}, false
	}
	return r.entry, true
}

// Len returns the number of confirmed blocks.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.entries {
		if r.state != statePending {
			n++
		}
	}
	return n
}

// Consider decides whether ev warrants a block of its source address and
// applies it. A non-nil error is always a *FirewallError.
func (c *Controller) Consider(ctx context.Context, ev *model.ThreatEvent) (Outcome, error) {
	if ev == nil || ev.Confidence <= c.threshold {
		return OutcomeBelowThreshold, nil
	}
	addr := ev.SrcIP.Unmap()
	if c.IsWhitelisted(addr) {
		blockDecisions.WithLabelValues(OutcomeWhitelisted.String()).Inc()
		c.emit(model.SystemEvent{
			Level:   model.LevelWarning,
			Kind:    model.EventBlockSuppressed,
			Message: fmt.Sprintf("Block of whitelisted address %s suppressed (%s, confidence %.2f)", addr, ev.AttackType, ev.Confidence),
			Address: addr,
		})
		return OutcomeWhitelisted, nil
	}

	dur := c.DurationFor(ev.Confidence)
	reason := fmt.Sprintf("%s (%s severity, confidence %.2f)", ev.AttackType, ev.Severity, ev.Confidence)
	now := c.now()

	fresh := model.BlockEntry{
		Address:    addr,
		BlockedAt:  now,
		Reason:     reason,
		AutoExpire: true,
		UnblockAt:  now.Add(dur),
		Confidence: ev.Confidence,
	}

	c.mu.Lock()
	if r, ok := c.entries[addr]; ok {
		switch r.state {
		case statePending:
			c.mu.Unlock()
			blockDecisions.WithLabelValues(OutcomePending.String()).Inc()
			return OutcomePending, nil
		case stateRevoking:
			r.reblock = &reblock{entry: fresh, dur: dur}
			c.mu.Unlock()
			blockDecisions.WithLabelValues(OutcomePending.String()).Inc()
			c.log.WithField("address", addr.String()).Info("Block queued until the current revoke completes")
			return OutcomePending, nil
		}
		outcome := OutcomeAlreadyBlocked
		var extended model.BlockEntry
		if c.repeat == RepeatExtend && r.entry.AutoExpire {
			if until := now.Add(dur); until.After(r.entry.UnblockAt) {
				r.entry.UnblockAt = until
				r.entry.Reason = reason
				if ev.Confidence > r.entry.Confidence {
					r.entry.Confidence = ev.Confidence
				}
				extended = r.entry
				outcome = OutcomeExtended
			}
		}
		c.mu.Unlock()
		blockDecisions.WithLabelValues(outcome.String()).Inc()
		if outcome == OutcomeExtended {
			c.emit(model.SystemEvent{
				Level:   model.LevelInfo,
				Kind:    model.EventBlockExtended,
				Message: fmt.Sprintf("Extended block of %s until %s: %s", addr, extended.UnblockAt.Format(time.RFC3339), reason),
				Address: addr,
				Block:   &extended,
			})
		}
		return outcome, nil
	}
	r := &record{state: statePending, entry: fresh}
	c.entries[addr] = r
	c.mu.Unlock()

	entry, err := c.activate(ctx, r, dur)
	if err != nil {
		blockDecisions.WithLabelValues(OutcomeFailed.String()).Inc()
		return OutcomeFailed, err
	}
	blockDecisions.WithLabelValues(OutcomeBlocked.String()).Inc()
	c.log.WithFields(logrus.Fields{
		"address":    addr.String(),
		"attack":     ev.AttackType,
		"confidence": ev.Confidence,
		"until":      entry.UnblockAt,
	}).Warn("Blocked source address")
	return OutcomeBlocked, nil
}

// Block blocks addr on operator request. A zero duration blocks permanently.
// An existing confirmed block is updated in place.
func (c *Controller) Block(ctx context.Context, addr netip.Addr, reason string, dur time.Duration) (model.BlockEntry, error) {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return model.BlockEntry{}, errors.New("invalid address")
	}
	if c.IsWhitelisted(addr) {
		c.emit(model.SystemEvent{
			Level:   model.LevelWarning,
			Kind:    model.EventBlockSuppressed,
			Message: fmt.Sprintf("Manual block of whitelisted address %s refused", addr),
			Address: addr,
		})
		return model.BlockEntry{}, ErrWhitelisted
	}
	if reason == "" {
		reason = "manual"
	}
	now := c.now()
	entry := model.BlockEntry{Address: addr, BlockedAt: now, Reason: reason, Confidence: 1}
	if dur > 0 {
		entry.AutoExpire = true
		entry.UnblockAt = now.Add(dur)
	}

	c.mu.Lock()
	if r, ok := c.entries[addr]; ok {
		if r.state != stateActive {
			c.mu.Unlock()
			return model.BlockEntry{}, ErrPending
		}
		r.entry.Reason = entry.Reason
		r.entry.AutoExpire = entry.AutoExpire
		r.entry.UnblockAt = entry.UnblockAt
		updated := r.entry
		c.mu.Unlock()
		c.emit(model.SystemEvent{
			Level:   model.LevelInfo,
			Kind:    model.EventBlockExtended,
			Message: fmt.Sprintf("Block of %s updated by operator: %s", addr, reason),
			Address: addr,
			Block:   &updated,
		})
		return updated, nil
	}
	r := &record{state: statePending, entry: entry}
	c.entries[addr] = r
	c.mu.Unlock()

	return c.activate(ctx, r, dur)
}

// activate applies the firewall rule for a pending record and either confirms
// it or removes the reservation.
func (c *Controller) activate(ctx context.Context, r *record, dur time.Duration) (model.BlockEntry, error) {
	addr := r.entry.Address
	err := c.withRetry(ctx, "deny", addr, c.firewall.Deny)

	c.mu.Lock()
	if err != nil {
		if cur, ok := c.entries[addr]; ok && cur == r {
			delete(c.entries, addr)
		}
		c.mu.Unlock()
		firewallErrors.WithLabelValues("deny").Inc()
		c.emit(model.SystemEvent{
			Level:   model.LevelError,
			Kind:    model.EventFirewallError,
			Message: err.Error(),
			Address: addr,
		})
		return model.BlockEntry{}, err
	}
	now := c.now()
	r.entry.BlockedAt = now
	if r.entry.AutoExpire {
		r.entry.UnblockAt = now.Add(dur)
	}
	r.state = stateActive
	entry := r.entry
	c.mu.Unlock()

	activeBlocks.Inc()
	msg := fmt.Sprintf("Blocked %s permanently: %s", addr, entry.Reason)
	if entry.AutoExpire {
		msg = fmt.Sprintf("Blocked %s until %s: %s", addr, entry.UnblockAt.Format(time.RFC3339), entry.Reason)
	}
	c.emit(model.SystemEvent{
		Level:   model.LevelInfo,
		Kind:    model.EventBlock,
		Message: msg,
		Address: addr,
		Block:   &entry,
	})
	return entry, nil
}

// Unblock removes the block on addr regardless of its remaining duration.
func (c *Controller) Unblock(ctx context.Context, addr netip.Addr) error {
	addr = addr.Unmap()
	c.mu.Lock()
	r, ok := c.entries[addr]
	if !ok {
		c.mu.Unlock()
		return ErrNotBlocked
	}
	if r.state != stateActive {
		c.mu.Unlock()
		return ErrPending
	}
	r.state = stateRevoking
	c.mu.Unlock()

	return c.revoke(ctx, r, "manual unblock")
}

// Sweep expires due blocks as of the current time.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	return c.SweepAt(ctx, c.now())
}

// SweepAt removes every auto-expiring block with now >= UnblockAt. A block
// whose revoke fails stays active and is retried on the next sweep.
func (c *Controller) SweepAt(ctx context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	var due []*record
	for _, r := range c.entries {
		if r.state == stateActive && r.entry.Expired(now) {
			r.state = stateRevoking
			due = append(due, r)
		}
	}
	c.mu.Unlock()

	removed := 0
	var errs []error
	for _, r := range due {
		if err := c.revoke(ctx, r, "expired"); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	sweeps.Inc()
	return removed, errors.Join(errs...)
}

// revoke removes the firewall rule for a record in the revoking state.
func (c *Controller) revoke(ctx context.Context, r *record, why string) error {
	addr := r.entry.Address
	err := c.withRetry(ctx, "revoke", addr, c.firewall.RemoveDeny)

	c.mu.Lock()
	if err != nil {
		// The rule is still in place, so a queued re-block is already satisfied.
		r.state = stateActive
		r.reblock = nil
		c.mu.Unlock()
		firewallErrors.WithLabelValues("revoke").Inc()
		c.emit(model.SystemEvent{
			Level:   model.LevelError,
			Kind:    model.EventFirewallError,
			Message: err.Error() + "; block kept",
			Address: addr,
		})
		return err
	}
	delete(c.entries, addr)
	entry := r.entry
	var next *record
	queued := r.reblock
	if queued != nil {
		next = &record{state: statePending, entry: queued.entry}
		c.entries[addr] = next
	}
	c.mu.Unlock()

	activeBlocks.Dec()
	c.emit(model.SystemEvent{
		Level:   model.LevelInfo,
		Kind:    model.EventUnblock,
		Message: fmt.Sprintf("Unblocked %s (%s)", addr, why),
		Address: addr,
		Block:   &entry,
	})

	if next != nil {
		if _, err := c.activate(ctx, next, queued.dur); err != nil {
			blockDecisions.WithLabelValues(OutcomeFailed.String()).Inc()
			c.log.WithError(err).WithField("address", addr.String()).Error("Queued re-block failed")
		} else {
			blockDecisions.WithLabelValues(OutcomeBlocked.String()).Inc()
		}
	}
	return nil
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	c.log.WithField("interval", c.sweepInterval).Info("Block expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Block expiry sweeper stopped")
			return
		case <-ticker.C:
			n, err := c.Sweep(ctx)
			if err != nil {
				c.log.WithError(err).Error("Sweep could not revoke every expired block")
			}
			if n > 0 {
				c.log.WithField("removed", n).Info("Expired blocks removed")
			}
		}
	}
}

func (c *Controller) withRetry(ctx context.Context, op string, addr netip.Addr, fn func(context.Context, netip.Addr) error) error {
	var err error
	attempt := 0
	for attempt < c.maxAttempts {
		attempt++
		if err = fn(ctx, addr); err == nil {
			return nil
		}
		c.log.WithError(err).WithFields(logrus.Fields{"op": op, "address": addr.String(), "attempt": attempt}).Warn("Firewall call failed")
		if attempt == c.maxAttempts {
			break
		}
		if serr := c.sleep(ctx, c.retryBackoff<<(attempt-1)); serr != nil {
			break
		}
	}
	return &FirewallError{Op: op, Addr: addr, Attempts: attempt, Err: err}
}

func (c *Controller) emit(ev model.SystemEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}
	ev.Component = "block"
	if c.sink != nil {
		c.sink.RecordEvent(ev)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
