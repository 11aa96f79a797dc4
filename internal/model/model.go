package model

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Protocol is the transport protocol of a packet. Only the three values below
// are understood by the pipeline; anything else is rejected at extraction.
type Protocol uint8

const (
	ProtocolUnknown Protocol = 0
	ProtocolICMP    Protocol = 1
	ProtocolTCP     Protocol = 6
	ProtocolUDP     Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	case ProtocolICMP:
		return "ICMP"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// ParseProtocol maps a protocol name (case-insensitive) to a Protocol.
func ParseProtocol(s string) Protocol {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TCP":
		return ProtocolTCP
	case "UDP":
		return ProtocolUDP
	case "ICMP", "ICMPV6":
		return ProtocolICMP
	default:
		return ProtocolUnknown
	}
}

// MarshalText encodes the protocol by name.
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a protocol name produced by MarshalText.
func (p *Protocol) UnmarshalText(b []byte) error {
	parsed := ParseProtocol(string(b))
	if parsed == ProtocolUnknown {
		return fmt.Errorf("unknown protocol %q", string(b))
	}
	*p = parsed
	return nil
}

// TCPFlags holds the TCP control bits in header order.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

// Has reports whether every bit in f is set.
func (t TCPFlags) Has(f TCPFlags) bool {
	return t&f == f
}

func (t TCPFlags) String() string {
	names := []struct {
		flag TCPFlags
		name string
	}{
		{FlagFIN, "FIN"}, {FlagSYN, "SYN"}, {FlagRST, "RST"}, {FlagPSH, "PSH"},
		{FlagACK, "ACK"}, {FlagURG, "URG"}, {FlagECE, "ECE"}, {FlagCWR, "CWR"},
	}
	var parts []string
	for _, n := range names {
		if t.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// FiveTuple represents the 5-tuple of a network packet.
type FiveTuple struct {
	SrcIP    netip.Addr `json:"src_ip"`
	DstIP    netip.Addr `json:"dst_ip"`
	SrcPort  uint16     `json:"src_port"`
	DstPort  uint16     `json:"dst_port"`
	Protocol Protocol   `json:"protocol"`
}

func (ft FiveTuple) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%s", ft.SrcIP, ft.SrcPort, ft.DstIP, ft.DstPort, ft.Protocol)
}

// PacketRecord holds the metadata of a single observed packet. It is passed by
// value through the pipeline and never modified after capture.
type PacketRecord struct {
	FiveTuple
	Timestamp time.Time `json:"timestamp"`
	Length    int       `json:"length"`
	TTL       uint8     `json:"ttl"`
	Flags     TCPFlags  `json:"flags"`
	Window    uint16    `json:"window,omitempty"`
	HasWindow bool      `json:"has_window,omitempty"`
}

// Label is the verdict attached to a packet by the classifier. LabelUnknown
// marks packets seen while no model was available.
type Label string

const (
	LabelNormal    Label = "normal"
	LabelMalicious Label = "malicious"
	LabelUnknown   Label = "unknown"
)

// ClassificationResult is the classifier output for one packet. Confidence is
// the fraction of ensemble members that voted for Label.
type ClassificationResult struct {
	Label        Label   `json:"label"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version,omitempty"`
}

// ClassifiedPacket is a packet together with its verdict.
type ClassifiedPacket struct {
	Packet PacketRecord         `json:"packet"`
	Result ClassificationResult `json:"result"`
}
