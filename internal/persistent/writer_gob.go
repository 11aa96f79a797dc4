package persistent

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/factory"
	"Go2NetGuard/internal/model"
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

func init() {
	factory.RegisterWriter("gob", func(cfg config.PersistenceConfig, _ *logrus.Logger) (model.Writer, error) {
		return NewGobWriter(cfg.Path)
	})
}

// GobWriter streams records as a sequence of gob values.
type GobWriter struct {
	file *os.File
	buf  *bufio.Writer
	enc  *gob.Encoder
}

// NewGobWriter creates a timestamped .gob file under dir.
func NewGobWriter(dir string) (*GobWriter, error) {
	file, err := createOutputFile(dir, ".gob")
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(file)
	return &GobWriter{file: file, buf: buf, enc: gob.NewEncoder(buf)}, nil
}

// Path returns the file being written.
func (w *GobWriter) Path() string { return w.file.Name() }

func (w *GobWriter) Write(batch []model.AuditRecord) error {
	for i := range batch {
		if err := w.enc.Encode(&batch[i]); err != nil {
			return fmt.Errorf("failed to encode record to gob: %w", err)
		}
	}
	return w.buf.Flush()
}

func (w *GobWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// ReadGob decodes every record from a file produced by GobWriter.
func ReadGob(path string) ([]model.AuditRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dec := gob.NewDecoder(bufio.NewReader(file))
	var out []model.AuditRecord
	for {
		var rec model.AuditRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("failed to decode gob record: %w", err)
		}
		out = append(out, rec)
	}
}
