// Package query answers historical questions from the ClickHouse audit trail.
package query

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/persistent"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ThreatFilter narrows a threat summary. Zero values are ignored.
type ThreatFilter struct {
	Since  time.Time
	Until  time.Time
	Source netip.Addr
}

// AttackCount summarises threats of one attack type.
type AttackCount struct {
	AttackType    string    `json:"attack_type"`
	Count         uint64    `json:"count"`
	Blocked       uint64    `json:"blocked"`
	MaxConfidence float64   `json:"max_confidence"`
	LastSeen      time.Time `json:"last_seen"`
}

// BlockRecord is one block lifecycle event for an address.
type BlockRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      model.EventKind `json:"kind"`
	Message   string          `json:"message"`
	UnblockAt *time.Time      `json:"unblock_at,omitempty"`
}

// Querier defines the historical queries served by the API.
type Querier interface {
	ThreatCounts(ctx context.Context, f ThreatFilter) ([]AttackCount, error)
	BlockHistory(ctx context.Context, addr netip.Addr, since time.Time, limit int) ([]BlockRecord, error)
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := persistent.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

func buildThreatCountsQuery(f ThreatFilter) (string, []any) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT
			AttackType,
			count() AS Total,
			countIf(Blocked) AS BlockedTotal,
			max(Confidence) AS MaxConfidence,
			max(Timestamp) AS LastSeen
		FROM ` + persistent.ThreatsTable)

	var whereClauses []string
	args := []any{}

	if !f.Since.IsZero() {
		whereClauses = append(whereClauses, "Timestamp >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		whereClauses = append(whereClauses, "Timestamp <= ?")
		args = append(args, f.Until)
	}
	if f.Source.IsValid() {
		whereClauses = append(whereClauses, "SrcIP = ?")
		args = append(args, f.Source.Unmap().String())
	}

	if len(whereClauses) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}
	queryBuilder.WriteString(`
		GROUP BY AttackType
		ORDER BY Total DESC, AttackType`)
	return queryBuilder.String(), args
}

// ThreatCounts groups persisted threats by attack type.
func (q *clickhouseQuerier) ThreatCounts(ctx context.Context, f ThreatFilter) ([]AttackCount, error) {
	query, args := buildThreatCountsQuery(f)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var counts []AttackCount
	for rows.Next() {
		var c AttackCount
		if err := rows.Scan(&c.AttackType, &c.Count, &c.Blocked, &c.MaxConfidence, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan threat count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

var blockKinds = []string{
	string(model.EventBlock),
	string(model.EventBlockExtended),
	string(model.EventUnblock),
	string(model.EventBlockSuppressed),
	string(model.EventFirewallError),
}

func buildBlockHistoryQuery(addr netip.Addr, since time.Time, limit int) (string, []any, error) {
	if !addr.IsValid() {
		return "", nil, errors.New("an address is required")
	}
	if limit <= 0 || limit > 10000 {
		limit = 100
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT Timestamp, Kind, Message, UnblockAt
		FROM ` + persistent.EventsTable)

	whereClauses := []string{"Address = ?", "Kind IN (?)"}
	args := []any{addr.Unmap().String(), blockKinds}
	if !since.IsZero() {
		whereClauses = append(whereClauses, "Timestamp >= ?")
		args = append(args, since)
	}
	queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	fmt.Fprintf(&queryBuilder, `
		ORDER BY Timestamp DESC
		LIMIT %d`, limit)
	return queryBuilder.String(), args, nil
}

// BlockHistory returns the block lifecycle of addr, newest first.
func (q *clickhouseQuerier) BlockHistory(ctx context.Context, addr netip.Addr, since time.Time, limit int) ([]BlockRecord, error) {
	query, args, err := buildBlockHistoryQuery(addr, since, limit)
	if err != nil {
		return nil, err
	}
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var history []BlockRecord
	for rows.Next() {
		var (
			r    BlockRecord
			kind string
		)
		if err := rows.Scan(&r.Timestamp, &kind, &r.Message, &r.UnblockAt); err != nil {
			return nil, fmt.Errorf("failed to scan block history: %w", err)
		}
		r.Kind = model.EventKind(kind)
		history = append(history, r)
	}
	return history, rows.Err()
}
