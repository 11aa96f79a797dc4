package persistent

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/factory"
	"Go2NetGuard/internal/model"
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

func init() {
	factory.RegisterWriter("text", func(cfg config.PersistenceConfig, _ *logrus.Logger) (model.Writer, error) {
		return NewTextWriter(cfg.Path)
	})
}

const textTimeLayout = "2006-01-02 15:04:05.000"

// TextWriter appends one human-readable line per record.
type TextWriter struct {
	file *os.File
	buf  *bufio.Writer
}

// NewTextWriter creates a timestamped .log file under dir.
func NewTextWriter(dir string) (*TextWriter, error) {
	file, err := createOutputFile(dir, ".log")
	if err != nil {
		return nil, err
	}
	return &TextWriter{file: file, buf: bufio.NewWriter(file)}, nil
}

// Path returns the file being written.
func (w *TextWriter) Path() string { return w.file.Name() }

func (w *TextWriter) Write(batch []model.AuditRecord) error {
	for _, rec := range batch {
		if _, err := w.buf.WriteString(FormatRecord(rec)); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		if err := w.buf.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	return w.buf.Flush()
}

func (w *TextWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// FormatRecord renders rec as a single line.
func FormatRecord(rec model.AuditRecord) string {
	ts := rec.Timestamp.Format(textTimeLayout)
	switch rec.Kind {
	case model.AuditPacket:
		if rec.Packet == nil {
			break
		}
		p, r := rec.Packet.Packet, rec.Packet.Result
		return fmt.Sprintf("%s PACKET %s len=%d ttl=%d flags=%s label=%s confidence=%.3f",
			ts, p.FiveTuple, p.Length, p.TTL, p.Flags, r.Label, r.Confidence)
	case model.AuditThreat:
		if rec.Threat == nil {
			break
		}
		t := rec.Threat
		return fmt.Sprintf("%s THREAT id=%s %s:%d->%s:%d/%s attack=%q severity=%s confidence=%.3f blocked=%t",
			ts, t.ID, t.SrcIP, t.SrcPort, t.DstIP, t.DstPort, t.Protocol, t.AttackType, t.Severity, t.Confidence, t.Blocked)
	case model.AuditEvent:
		if rec.Event == nil {
			break
		}
		e := rec.Event
		return fmt.Sprintf("%s EVENT level=%s kind=%s component=%s %s", ts, e.Level, e.Kind, e.Component, e.Message)
	}
	return fmt.Sprintf("%s %s (empty)", ts, rec.Kind)
}

func createOutputFile(dir, ext string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create persistence directory: %w", err)
	}
	fileName := fmt.Sprintf("audit_%s%s", time.Now().Format("2006-01-02_15-04-05.000000"), ext)
	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return file, nil
}
