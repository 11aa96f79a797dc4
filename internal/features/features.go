// Package features encodes packet records into the fixed-order numeric
// vectors consumed by the classifier.
package features

import (
	"Go2NetGuard/internal/model"
	"fmt"
	"slices"
)

// SchemaVersion identifies the encoding below. Bump it whenever Names or the
// meaning of a slot changes so that stale model artifacts are rejected.
const SchemaVersion = "packet-v1"

// Size is the number of features in a Vector.
const Size = 10

// Slot indexes into a Vector.
const (
	SlotProtocol = iota
	SlotLength
	SlotTTL
	SlotSrcPort
	SlotDstPort
	SlotTCPFlags
	SlotWindow
	SlotIsTCP
	SlotIsUDP
	SlotIsICMP
)

// Names lists the feature names in encoding order.
var Names = [Size]string{
	"protocol",
	"length",
	"ttl",
	"src_port",
	"dst_port",
	"tcp_flags",
	"window",
	"is_tcp",
	"is_udp",
	"is_icmp",
}

// Vector is the encoded form of one packet. Its length is fixed by its type.
type Vector [Size]float64

// SchemaError reports a packet record that cannot be encoded, or a model
// artifact whose recorded schema differs from this package.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error: %s: %s", e.Field, e.Reason)
}

// Extract encodes a packet record. Fields that do not apply to the packet's
// protocol are set to zero. It fails only when a required field is missing or
// the protocol is not TCP, UDP or ICMP.
func Extract(p *model.PacketRecord) (Vector, error) {
	var v Vector
	if p == nil {
		return v, &SchemaError{Field: "packet", Reason: "nil record"}
	}
	if p.Timestamp.IsZero() {
		return v, &SchemaError{Field: "timestamp", Reason: "missing"}
	}
	if !p.SrcIP.IsValid() {
		return v, &SchemaError{Field: "src_ip", Reason: "missing"}
	}
	if !p.DstIP.IsValid() {
		return v, &SchemaError{Field: "dst_ip", Reason: "missing"}
	}
	if p.Length <= 0 {
		return v, &SchemaError{Field: "length", Reason: fmt.Sprintf("must be positive, got %d", p.Length)}
	}

	v[SlotProtocol] = float64(p.Protocol)
	v[SlotLength] = float64(p.Length)
	v[SlotTTL] = float64(p.TTL)

	switch p.Protocol {
	case model.ProtocolTCP:
		v[SlotSrcPort] = float64(p.SrcPort)
		v[SlotDstPort] = float64(p.DstPort)
		v[SlotTCPFlags] = float64(p.Flags)
		if p.HasWindow {
			v[SlotWindow] = float64(p.Window)
		}
		v[SlotIsTCP] = 1
	case model.ProtocolUDP:
		v[SlotSrcPort] = float64(p.SrcPort)
		v[SlotDstPort] = float64(p.DstPort)
		v[SlotIsUDP] = 1
	case model.ProtocolICMP:
		v[SlotIsICMP] = 1
	default:
		return Vector{}, &SchemaError{Field: "protocol", Reason: fmt.Sprintf("unsupported protocol %s", p.Protocol)}
	}
	return v, nil
}

// ValidateSchema checks that a model artifact was trained against this
// encoding.
func ValidateSchema(version string, names []string) error {
	if version != SchemaVersion {
		return &SchemaError{Field: "feature_schema", Reason: fmt.Sprintf("artifact has %q, extractor has %q", version, SchemaVersion)}
	}
	if !slices.Equal(names, Names[:]) {
		return &SchemaError{Field: "feature_names", Reason: fmt.Sprintf("artifact has %v, extractor has %v", names, Names)}
	}
	return nil
}
