package persistent

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/factory"
	"Go2NetGuard/internal/model"
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

func init() {
	factory.RegisterWriter("clickhouse", func(cfg config.PersistenceConfig, log *logrus.Logger) (model.Writer, error) {
		return NewClickHouseWriter(cfg.ClickHouse, log)
	})
}

// Table names, shared with the audit querier.
const (
	PacketsTable = "nidps_packets"
	ThreatsTable = "nidps_threats"
	EventsTable  = "nidps_events"
)

var createTableStatements = []string{`
CREATE TABLE IF NOT EXISTS nidps_packets (
    Timestamp    DateTime64(3),
    SrcIP        String,
    DstIP        String,
    SrcPort      UInt16,
    DstPort      UInt16,
    Protocol     LowCardinality(String),
    Length       UInt32,
    TTL          UInt8,
    Flags        UInt8,
    Window       UInt16,
    Label        LowCardinality(String),
    Confidence   Float64,
    ModelVersion LowCardinality(String)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Timestamp, SrcIP);
`, `
CREATE TABLE IF NOT EXISTS nidps_threats (
    Timestamp  DateTime64(3),
    ID         String,
    SrcIP      String,
    DstIP      String,
    SrcPort    UInt16,
    DstPort    UInt16,
    Protocol   LowCardinality(String),
    AttackType LowCardinality(String),
    Severity   LowCardinality(String),
    Confidence Float64,
    Blocked    Bool
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Timestamp, SrcIP);
`, `
CREATE TABLE IF NOT EXISTS nidps_events (
    Timestamp DateTime64(3),
    Level     LowCardinality(String),
    Kind      LowCardinality(String),
    Component LowCardinality(String),
    Message   String,
    Address   String,
    UnblockAt Nullable(DateTime64(3))
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Timestamp, Kind);
`}

// ClickHouseWriter inserts audit records into the nidps_* tables.
type ClickHouseWriter struct {
	conn driver.Conn
	log  *logrus.Logger
}

// NewClickHouseWriter connects to ClickHouse and ensures the tables exist.
func NewClickHouseWriter(cfg config.ClickHouseConfig, log *logrus.Logger) (*ClickHouseWriter, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	for _, stmt := range createTableStatements {
		if err := conn.Exec(context.Background(), stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	log.Info("Successfully connected to ClickHouse and ensured audit tables exist.")
	return &ClickHouseWriter{conn: conn, log: log}, nil
}

// Connect opens and pings a ClickHouse connection.
func Connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Write splits the batch by kind and sends one insert per table.
func (w *ClickHouseWriter) Write(batch []model.AuditRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var packets, threats, events []model.AuditRecord
	for _, rec := range batch {
		switch {
		case rec.Kind == model.AuditPacket && rec.Packet != nil:
			packets = append(packets, rec)
		case rec.Kind == model.AuditThreat && rec.Threat != nil:
			threats = append(threats, rec)
		case rec.Kind == model.AuditEvent && rec.Event != nil:
			events = append(events, rec)
		}
	}

	if err := w.insert(ctx, PacketsTable, packets, packetRow); err != nil {
		return err
	}
	if err := w.insert(ctx, ThreatsTable, threats, threatRow); err != nil {
		return err
	}
	return w.insert(ctx, EventsTable, events, eventRow)
}

func (w *ClickHouseWriter) insert(ctx context.Context, table string, recs []model.AuditRecord, row func(model.AuditRecord) []any) error {
	if len(recs) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch for %s: %w", table, err)
	}
	for _, rec := range recs {
		if err := batch.Append(row(rec)...); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append to %s batch: %w", table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send %s batch: %w", table, err)
	}
	w.log.WithFields(logrus.Fields{"table": table, "rows": len(recs)}).Debug("Wrote audit rows to ClickHouse")
	return nil
}

func packetRow(rec model.AuditRecord) []any {
	p, r := rec.Packet.Packet, rec.Packet.Result
	return []any{
		p.Timestamp,
		p.SrcIP.String(),
		p.DstIP.String(),
		p.SrcPort,
		p.DstPort,
		p.Protocol.String(),
		uint32(p.Length),
		p.TTL,
		uint8(p.Flags),
		p.Window,
		string(r.Label),
		r.Confidence,
		r.ModelVersion,
	}
}

func threatRow(rec model.AuditRecord) []any {
	t := rec.Threat
	return []any{
		t.Timestamp,
		t.ID,
		t.SrcIP.String(),
		t.DstIP.String(),
		t.SrcPort,
		t.DstPort,
		t.Protocol.String(),
		t.AttackType,
		string(t.Severity),
		t.Confidence,
		t.Blocked,
	}
}

func eventRow(rec model.AuditRecord) []any {
	e := rec.Event
	var addr string
	if e.Address.IsValid() {
		addr = e.Address.String()
	}
	var unblockAt *time.Time
	if e.Block != nil && e.Block.AutoExpire {
		at := e.Block.UnblockAt
		unblockAt = &at
	}
	return []any{
		e.Timestamp,
		string(e.Level),
		string(e.Kind),
		e.Component,
		e.Message,
		addr,
		unblockAt,
	}
}

func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
