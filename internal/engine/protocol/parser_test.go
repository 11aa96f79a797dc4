package protocol

import (
	"Go2NetGuard/internal/model"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func ipv4(proto layers.IPProtocol, ttl uint8) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      ttl,
		Protocol: proto,
		SrcIP:    net.ParseIP("203.0.113.7").To4(),
		DstIP:    net.ParseIP("10.0.0.5").To4(),
	}
}

func TestDecodeTCP(t *testing.T) {
	ip := ipv4(layers.IPProtocolTCP, 48)
	tcp := &layers.TCP{SrcPort: 51000, DstPort: 31337, SYN: true, Window: 1024}
	tcp.SetNetworkLayerForChecksum(ip)
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	data := serialize(t, eth, ip, tcp)

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec, err := Decode(data, ts)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := model.FiveTuple{
		SrcIP:    netip.MustParseAddr("203.0.113.7"),
		DstIP:    netip.MustParseAddr("10.0.0.5"),
		SrcPort:  51000,
		DstPort:  31337,
		Protocol: model.ProtocolTCP,
	}
	if rec.FiveTuple != want {
		t.Errorf("FiveTuple = %v, want %v", rec.FiveTuple, want)
	}
	if !rec.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", rec.Timestamp, ts)
	}
	if rec.TTL != 48 || rec.Flags != model.FlagSYN || rec.Window != 1024 || !rec.HasWindow {
		t.Errorf("ttl=%d flags=%v window=%d hasWindow=%t", rec.TTL, rec.Flags, rec.Window, rec.HasWindow)
	}
	if rec.Length != len(data) {
		t.Errorf("Length = %d, want %d", rec.Length, len(data))
	}
}

func TestDecodeUDPAndICMP(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}

	ip := ipv4(layers.IPProtocolUDP, 64)
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	udp.SetNetworkLayerForChecksum(ip)
	rec, err := Decode(serialize(t, eth, ip, udp, gopacket.Payload([]byte("query"))), time.Now())
	if err != nil {
		t.Fatalf("Decode udp: %v", err)
	}
	if rec.Protocol != model.ProtocolUDP || rec.SrcPort != 5353 || rec.DstPort != 53 || rec.HasWindow {
		t.Errorf("udp record = %+v", rec)
	}

	ip = ipv4(layers.IPProtocolICMPv4, 10)
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1}
	rec, err = Decode(serialize(t, eth, ip, icmp), time.Now())
	if err != nil {
		t.Fatalf("Decode icmp: %v", err)
	}
	if rec.Protocol != model.ProtocolICMP || rec.SrcPort != 0 || rec.DstPort != 0 || rec.TTL != 10 {
		t.Errorf("icmp record = %+v", rec)
	}
}

func TestDecodeIPv6(t *testing.T) {
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   33,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	udp := &layers.UDP{SrcPort: 4000, DstPort: 4444}
	udp.SetNetworkLayerForChecksum(ip)
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv6}

	rec, err := Decode(serialize(t, eth, ip, udp), time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec.SrcIP != netip.MustParseAddr("2001:db8::1") || rec.TTL != 33 || rec.DstPort != 4444 {
		t.Errorf("record = %+v", rec)
	}
}

func TestDecodeRejectsNonIP(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	if _, err := Decode(serialize(t, eth, arp), time.Now()); !errors.Is(err, ErrNoNetworkLayer) {
		t.Errorf("err = %v, want ErrNoNetworkLayer", err)
	}
}
