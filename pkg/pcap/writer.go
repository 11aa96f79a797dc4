package pcap

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Writer appends Ethernet frames to a pcap file. It is safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	file  *os.File
	w     *pcapgo.Writer
	count int
}

// CreateWriter creates path, including parent directories, and writes the
// file header.
func CreateWriter(path string, snaplen uint32) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if snaplen == 0 {
		snaplen = 65535
	}
	w := pcapgo.NewWriter(file)
	if err := w.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write file header: %w", err)
	}
	return &Writer{file: file, w: w}, nil
}

// WritePacket appends one frame.
func (w *Writer) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ci.CaptureLength == 0 {
		ci.CaptureLength = len(data)
	}
	if ci.Length == 0 {
		ci.Length = len(data)
	}
	if err := w.w.WritePacket(ci, data); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of frames written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Path returns the file being written.
func (w *Writer) Path() string { return w.file.Name() }
