package probe

import (
	"Go2NetGuard/internal/model"
	"net/netip"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestPacketCodec(t *testing.T) {
	rec := model.PacketRecord{
		FiveTuple: model.FiveTuple{
			SrcIP:    netip.MustParseAddr("2001:db8::7"),
			DstIP:    netip.MustParseAddr("2001:db8::5"),
			SrcPort:  51000,
			DstPort:  31337,
			Protocol: model.ProtocolTCP,
		},
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC),
		Length:    1514,
		TTL:       255,
		Flags:     model.FlagSYN | model.FlagFIN,
		Window:    65535,
		HasWindow: true,
	}
	data, err := EncodePacket(rec)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	got, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, rec.Timestamp)
	}
	got.Timestamp = rec.Timestamp
	if got != rec {
		t.Errorf("decoded %+v, want %+v", got, rec)
	}
}

func TestDecodePacketRejectsBadAddress(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]any{fieldSrcIP: "not-an-ip", fieldDstIP: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodePacket(data); err == nil {
		t.Error("expected an error for an invalid source address")
	}
	if _, err := DecodePacket([]byte{0xff, 0xff}); err == nil {
		t.Error("expected an error for garbage input")
	}
}
