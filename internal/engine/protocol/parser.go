// Package protocol decodes captured frames into packet records.
package protocol

import (
	"Go2NetGuard/internal/model"
	"errors"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	// ErrNoNetworkLayer is returned for frames without an IPv4 or IPv6 header.
	ErrNoNetworkLayer = errors.New("not an IP packet")
	// ErrUnsupportedTransport is returned for IP packets that are not TCP, UDP or ICMP.
	ErrUnsupportedTransport = errors.New("not a TCP, UDP or ICMP packet")
)

// ParsePacket extracts a PacketRecord from a decoded gopacket.Packet. The
// capture timestamp is used when present, otherwise the current time.
func ParsePacket(packet gopacket.Packet) (model.PacketRecord, error) {
	rec := model.PacketRecord{Timestamp: time.Now()}
	if meta := packet.Metadata(); meta != nil {
		if !meta.Timestamp.IsZero() {
			rec.Timestamp = meta.Timestamp
		}
		rec.Length = meta.Length
	}
	if rec.Length <= 0 {
		rec.Length = len(packet.Data())
	}

	var next gopacket.LayerType
	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
		ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		rec.SrcIP = addrFrom(ip.SrcIP)
		rec.DstIP = addrFrom(ip.DstIP)
		rec.TTL = ip.TTL
		next = ip.NextLayerType()
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		ip := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		rec.SrcIP = addrFrom(ip.SrcIP)
		rec.DstIP = addrFrom(ip.DstIP)
		rec.TTL = ip.HopLimit
		next = ip.NextLayerType()
	default:
		return model.PacketRecord{}, ErrNoNetworkLayer
	}
	if !rec.SrcIP.IsValid() || !rec.DstIP.IsValid() {
		return model.PacketRecord{}, ErrNoNetworkLayer
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		rec.Protocol = model.ProtocolTCP
		rec.SrcPort = uint16(tcp.SrcPort)
		rec.DstPort = uint16(tcp.DstPort)
		rec.Flags = tcpFlags(tcp)
		rec.Window = tcp.Window
		rec.HasWindow = true
		return rec, nil
	}
	if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		rec.Protocol = model.ProtocolUDP
		rec.SrcPort = uint16(udp.SrcPort)
		rec.DstPort = uint16(udp.DstPort)
		return rec, nil
	}
	if packet.Layer(layers.LayerTypeICMPv4) != nil || packet.Layer(layers.LayerTypeICMPv6) != nil ||
		next == layers.LayerTypeICMPv4 || next == layers.LayerTypeICMPv6 {
		rec.Protocol = model.ProtocolICMP
		return rec, nil
	}
	return model.PacketRecord{}, ErrUnsupportedTransport
}

// Decode parses a raw Ethernet frame captured at ts.
func Decode(data []byte, ts time.Time) (model.PacketRecord, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	md := packet.Metadata()
	md.Timestamp = ts
	md.CaptureLength = len(data)
	md.Length = len(data)
	return ParsePacket(packet)
}

func addrFrom(ip []byte) netip.Addr {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func tcpFlags(tcp *layers.TCP) model.TCPFlags {
	var f model.TCPFlags
	set := func(on bool, flag model.TCPFlags) {
		if on {
			f |= flag
		}
	}
	set(tcp.FIN, model.FlagFIN)
	set(tcp.SYN, model.FlagSYN)
	set(tcp.RST, model.FlagRST)
	set(tcp.PSH, model.FlagPSH)
	set(tcp.ACK, model.FlagACK)
	set(tcp.URG, model.FlagURG)
	set(tcp.ECE, model.FlagECE)
	set(tcp.CWR, model.FlagCWR)
	return f
}
