package model

import (
	"net/netip"
	"time"
)

// Severity is the urgency band of a threat event.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ThreatEvent is derived from a malicious classification of one packet.
type ThreatEvent struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	SrcIP      netip.Addr `json:"src_ip"`
	DstIP      netip.Addr `json:"dst_ip"`
	SrcPort    uint16     `json:"src_port"`
	DstPort    uint16     `json:"dst_port"`
	Protocol   Protocol   `json:"protocol"`
	AttackType string     `json:"attack_type"`
	Severity   Severity   `json:"severity"`
	Confidence float64    `json:"confidence"`
	Blocked    bool       `json:"blocked"`
}

// BlockEntry is one active block held by the block controller. UnblockAt is
// zero for permanent blocks.
type BlockEntry struct {
	Address    netip.Addr `json:"address"`
	BlockedAt  time.Time  `json:"blocked_at"`
	Reason     string     `json:"reason"`
	AutoExpire bool       `json:"auto_expire"`
	UnblockAt  time.Time  `json:"unblock_at,omitzero"`
	Confidence float64    `json:"confidence,omitempty"`
}

// Expired reports whether an auto-expiring entry is due at now.
func (b BlockEntry) Expired(now time.Time) bool {
	return b.AutoExpire && !now.Before(b.UnblockAt)
}

// Remaining returns the time left before expiry, or zero for permanent or due entries.
func (b BlockEntry) Remaining(now time.Time) time.Duration {
	if !b.AutoExpire || !now.Before(b.UnblockAt) {
		return 0
	}
	return b.UnblockAt.Sub(now)
}

// EventLevel is the severity of a system event.
type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// EventKind names the state change a system event reports.
type EventKind string

const (
	EventBlock            EventKind = "block"
	EventBlockExtended    EventKind = "block_extended"
	EventUnblock          EventKind = "unblock"
	EventBlockSuppressed  EventKind = "block_suppressed"
	EventFirewallError    EventKind = "firewall_error"
	EventModelUnavailable EventKind = "model_unavailable"
	EventModelLoaded      EventKind = "model_loaded"
	EventSchemaError      EventKind = "schema_error"
	EventPersistenceError EventKind = "persistence_error"
)

// SystemEvent records a state change in the engine.
type SystemEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	Level     EventLevel  `json:"level"`
	Kind      EventKind   `json:"kind"`
	Component string      `json:"component"`
	Message   string      `json:"message"`
	Address   netip.Addr  `json:"address,omitzero"`
	Block     *BlockEntry `json:"block,omitempty"`
}

// EventSink receives system events. Implementations must not block.
type EventSink interface {
	RecordEvent(ev SystemEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev SystemEvent)

func (f EventSinkFunc) RecordEvent(ev SystemEvent) { f(ev) }
