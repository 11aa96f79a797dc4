package model

import "time"

// AuditKind identifies the payload of an AuditRecord.
type AuditKind string

const (
	AuditPacket AuditKind = "packet"
	AuditThreat AuditKind = "threat"
	AuditEvent  AuditKind = "event"
)

// AuditRecord is the envelope appended to durable storage. Exactly one of the
// payload pointers is set, matching Kind.
type AuditRecord struct {
	Kind      AuditKind
	Timestamp time.Time
	Packet    *ClassifiedPacket
	Threat    *ThreatEvent
	Event     *SystemEvent
}

// Writer defines a generic interface for appending audit records to a persistent store.
type Writer interface {
	// Write persists a batch of records. The batch slice is reused by the
	// caller once Write returns and must not be retained.
	Write(batch []AuditRecord) error

	// Close flushes buffered data and releases the underlying store.
	Close() error
}

// PacketAudit wraps a classified packet for persistence.
func PacketAudit(cp ClassifiedPacket) AuditRecord {
	return AuditRecord{Kind: AuditPacket, Timestamp: cp.Packet.Timestamp, Packet: &cp}
}

// ThreatAudit wraps a threat event for persistence.
func ThreatAudit(ev ThreatEvent) AuditRecord {
	return AuditRecord{Kind: AuditThreat, Timestamp: ev.Timestamp, Threat: &ev}
}

// EventAudit wraps a system event for persistence.
func EventAudit(ev SystemEvent) AuditRecord {
	return AuditRecord{Kind: AuditEvent, Timestamp: ev.Timestamp, Event: &ev}
}
