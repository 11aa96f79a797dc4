// Package pcap reads packets from live interfaces and capture files and
// writes capture files.
package pcap

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/engine/protocol"
	"Go2NetGuard/internal/model"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"
)

// liveReadTimeout bounds each blocking read so cancellation is noticed.
const liveReadTimeout = 500 * time.Millisecond

type dataSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// Source decodes packets from a live handle or a capture file into
// PacketRecords. It is a model.PacketSource.
type Source struct {
	name    string
	data    dataSource
	live    bool
	closeFn func()
	log     *logrus.Logger

	parsed  atomic.Uint64
	skipped atomic.Uint64
}

// OpenLive opens the interface named in cfg and applies its BPF filter.
func OpenLive(cfg config.CaptureConfig, log *logrus.Logger) (*Source, error) {
	if cfg.Interface == "" {
		return nil, errors.New("no capture interface configured")
	}
	snaplen := cfg.SnapshotLen
	if snaplen <= 0 {
		snaplen = 1600
	}
	handle, err := pcap.OpenLive(cfg.Interface, snaplen, cfg.Promiscuous, liveReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("error opening device %s: %w", cfg.Interface, err)
	}
	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("invalid BPF filter %q: %w", cfg.BPFFilter, err)
		}
	}
	log.WithFields(logrus.Fields{
		"interface": cfg.Interface,
		"snaplen":   snaplen,
		"filter":    cfg.BPFFilter,
	}).Info("Live capture opened")
	return &Source{name: cfg.Interface, data: handle, live: true, closeFn: handle.Close, log: log}, nil
}

// OpenFile opens a pcap or pcapng capture file.
func OpenFile(path string, log *logrus.Logger) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	closeFn := func() { f.Close() }

	var data dataSource
	if r, err := pcapgo.NewReader(f); err == nil {
		data = r
	} else {
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			f.Close()
			return nil, serr
		}
		ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
		if ngErr != nil {
			f.Close()
			return nil, fmt.Errorf("%s is neither pcap nor pcapng: %w", path, err)
		}
		data = ng
	}
	return &Source{name: path, data: data, closeFn: closeFn, log: log}, nil
}

// Run decodes packets and emits every one the protocol parser accepts. It
// returns nil at the end of a file or when ctx is cancelled.
func (s *Source) Run(ctx context.Context, emit func(model.PacketRecord)) error {
	ps := gopacket.NewPacketSource(s.data, s.data.LinkType())
	ps.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	for {
		if ctx.Err() != nil {
			return nil
		}
		packet, err := ps.NextPacket()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			s.log.WithFields(logrus.Fields{
				"source":  s.name,
				"parsed":  s.parsed.Load(),
				"skipped": s.skipped.Load(),
			}).Info("Capture source exhausted")
			return nil
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case s.live:
			s.log.WithError(err).Debug("Transient capture error")
			continue
		default:
			return fmt.Errorf("failed to read %s: %w", s.name, err)
		}

		rec, err := protocol.ParsePacket(packet)
		if err != nil {
			s.skipped.Add(1)
			continue
		}
		s.parsed.Add(1)
		emit(rec)
	}
}

// Stats returns the number of packets emitted and skipped.
func (s *Source) Stats() (parsed, skipped uint64) {
	return s.parsed.Load(), s.skipped.Load()
}

// Close releases the handle or file.
func (s *Source) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}
