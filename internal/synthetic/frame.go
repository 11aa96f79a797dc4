package synthetic

import (
	"Go2NetGuard/internal/model"
	"Go2NetGuard/pkg/pcap"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01}
	routerMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0xfe}
)

// Frame serializes rec as an Ethernet frame padded to rec.Length bytes.
// Records shorter than their headers produce a frame of header size.
func Frame(rec model.PacketRecord) ([]byte, error) {
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: routerMAC}
	var network gopacket.NetworkLayer
	var ls []gopacket.SerializableLayer

	headerLen := 14
	if rec.SrcIP.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version: 4,
			TTL:     rec.TTL,
			SrcIP:   net.IP(rec.SrcIP.AsSlice()),
			DstIP:   net.IP(rec.DstIP.AsSlice()),
		}
		switch rec.Protocol {
		case model.ProtocolTCP:
			ip.Protocol = layers.IPProtocolTCP
		case model.ProtocolUDP:
			ip.Protocol = layers.IPProtocolUDP
		case model.ProtocolICMP:
			ip.Protocol = layers.IPProtocolICMPv4
		}
		network = ip
		ls = append(ls, eth, ip)
		headerLen += 20
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:  6,
			HopLimit: rec.TTL,
			SrcIP:    net.IP(rec.SrcIP.AsSlice()),
			DstIP:    net.IP(rec.DstIP.AsSlice()),
		}
		switch rec.Protocol {
		case model.ProtocolTCP:
			ip.NextHeader = layers.IPProtocolTCP
		case model.ProtocolUDP:
			ip.NextHeader = layers.IPProtocolUDP
		case model.ProtocolICMP:
			ip.NextHeader = layers.IPProtocolICMPv6
		}
		network = ip
		ls = append(ls, eth, ip)
		headerLen += 40
	}

	switch rec.Protocol {
	case model.ProtocolTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(rec.SrcPort),
			DstPort: layers.TCPPort(rec.DstPort),
			Window:  rec.Window,
			FIN:     rec.Flags.Has(model.FlagFIN),
			SYN:     rec.Flags.Has(model.FlagSYN),
			RST:     rec.Flags.Has(model.FlagRST),
			PSH:     rec.Flags.Has(model.FlagPSH),
			ACK:     rec.Flags.Has(model.FlagACK),
			URG:     rec.Flags.Has(model.FlagURG),
			ECE:     rec.Flags.Has(model.FlagECE),
			CWR:     rec.Flags.Has(model.FlagCWR),
		}
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		ls = append(ls, tcp)
		headerLen += 20
	case model.ProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(rec.SrcPort), DstPort: layers.UDPPort(rec.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		ls = append(ls, udp)
		headerLen += 8
	case model.ProtocolICMP:
		if rec.SrcIP.Is4() {
			ls = append(ls, &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)})
		} else {
			icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
			if err := icmp.SetNetworkLayerForChecksum(network); err != nil {
				return nil, err
			}
			ls = append(ls, icmp)
		}
		headerLen += 8
	default:
		return nil, fmt.Errorf("cannot build a frame for protocol %s", rec.Protocol)
	}

	if pad := rec.Length - headerLen; pad > 0 {
		ls = append(ls, gopacket.Payload(make([]byte, pad)))
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

// WritePcap writes packets as Ethernet frames to a new pcap file at path.
func WritePcap(path string, packets []Labeled) (int, error) {
	w, err := pcap.CreateWriter(path, 65535)
	if err != nil {
		return 0, err
	}
	for i := range packets {
		rec := packets[i].Record
		data, err := Frame(rec)
		if err != nil {
			w.Close()
			return w.Count(), err
		}
		ci := gopacket.CaptureInfo{Timestamp: rec.Timestamp, CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			w.Close()
			return w.Count(), err
		}
	}
	return w.Count(), w.Close()
}
