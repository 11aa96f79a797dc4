package probe

import (
	"Go2NetGuard/internal/model"
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Field names of the packet wire message.
const (
	fieldSeconds   = "ts_seconds"
	fieldNanos     = "ts_nanos"
	fieldSrcIP     = "src_ip"
	fieldDstIP     = "dst_ip"
	fieldSrcPort   = "src_port"
	fieldDstPort   = "dst_port"
	fieldProtocol  = "protocol"
	fieldLength    = "length"
	fieldTTL       = "ttl"
	fieldFlags     = "flags"
	fieldWindow    = "window"
	fieldHasWindow = "has_window"
)

// EncodePacket serializes rec as a protobuf Struct.
func EncodePacket(rec model.PacketRecord) ([]byte, error) {
	ts := timestamppb.New(rec.Timestamp)
	msg, err := structpb.NewStruct(map[string]any{
		fieldSeconds:   ts.Seconds,
		fieldNanos:     ts.Nanos,
		fieldSrcIP:     rec.SrcIP.String(),
		fieldDstIP:     rec.DstIP.String(),
		fieldSrcPort:   uint32(rec.SrcPort),
		fieldDstPort:   uint32(rec.DstPort),
		fieldProtocol:  uint32(rec.Protocol),
		fieldLength:    rec.Length,
		fieldTTL:       uint32(rec.TTL),
		fieldFlags:     uint32(rec.Flags),
		fieldWindow:    uint32(rec.Window),
		fieldHasWindow: rec.HasWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build packet message: %w", err)
	}
	return proto.Marshal(msg)
}

// DecodePacket parses a message produced by EncodePacket.
func DecodePacket(data []byte) (model.PacketRecord, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return model.PacketRecord{}, fmt.Errorf("failed to unmarshal packet message: %w", err)
	}
	f := msg.GetFields()
	num := func(name string) float64 { return f[name].GetNumberValue() }

	src, err := netip.ParseAddr(f[fieldSrcIP].GetStringValue())
	if err != nil {
		return model.PacketRecord{}, fmt.Errorf("invalid source address: %w", err)
	}
	dst, err := netip.ParseAddr(f[fieldDstIP].GetStringValue())
	if err != nil {
		return model.PacketRecord{}, fmt.Errorf("invalid destination address: %w", err)
	}
	ts := &timestamppb.Timestamp{Seconds: int64(num(fieldSeconds)), Nanos: int32(num(fieldNanos))}

	return model.PacketRecord{
		FiveTuple: model.FiveTuple{
			SrcIP:    src,
			DstIP:    dst,
			SrcPort:  uint16(num(fieldSrcPort)),
			DstPort:  uint16(num(fieldDstPort)),
			Protocol: model.Protocol(num(fieldProtocol)),
		},
		Timestamp: ts.AsTime(),
		Length:    int(num(fieldLength)),
		TTL:       uint8(num(fieldTTL)),
		Flags:     model.TCPFlags(num(fieldFlags)),
		Window:    uint16(num(fieldWindow)),
		HasWindow: f[fieldHasWindow].GetBoolValue(),
	}, nil
}
