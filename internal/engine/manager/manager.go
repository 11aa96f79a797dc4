// Package manager runs the ingestion loop: every submitted packet is
// extracted, classified, aggregated into threats and handed to the block
// controller by a pool of workers.
package manager

import (
	"Go2NetGuard/internal/block"
	"Go2NetGuard/internal/classifier"
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/features"
	"Go2NetGuard/internal/history"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/persistent"
	"Go2NetGuard/internal/threat"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by Submit once the manager has been stopped.
var ErrStopped = errors.New("manager stopped")

// Observer receives threats and system events as they are recorded. Calls are
// made from worker goroutines and must not block.
type Observer interface {
	PublishThreat(ev model.ThreatEvent)
	PublishEvent(ev model.SystemEvent)
}

// Components are the collaborators the pipeline drives. Observer and
// Persistence are optional.
type Components struct {
	Classifier     *classifier.Classifier
	Aggregator     *threat.Aggregator
	Blocker        *block.Controller
	Observer       Observer
	Persistence    *persistent.Worker
	PersistPackets bool
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	Processed    uint64 `json:"processed"`
	Malicious    uint64 `json:"malicious"`
	Unknown      uint64 `json:"unknown"`
	Threats      uint64 `json:"threats"`
	SchemaErrors uint64 `json:"schema_errors"`
	Dropped      uint64 `json:"dropped"`
	QueueDepth   int    `json:"queue_depth"`
	ActiveBlocks int    `json:"active_blocks"`
	ModelVersion string `json:"model_version"`
	ModelReady   bool   `json:"model_ready"`
}

// Manager owns the input queue, the worker pool, the expiry sweeper and the
// bounded histories.
type Manager struct {
	classifier     *classifier.Classifier
	aggregator     *threat.Aggregator
	blocker        *block.Controller
	observer       Observer
	persistence    *persistent.Worker
	persistPackets bool

	packetChannel chan model.PacketRecord
	numWorkers    int
	done          chan struct{}
	startOnce     sync.Once
	stopOnce      sync.Once
	cancel        context.CancelFunc
	workerWg      sync.WaitGroup
	sweeperWg     sync.WaitGroup

	packets *history.Ring[model.ClassifiedPacket]
	threats *history.Ring[model.ThreatEvent]
	events  *history.Ring[model.SystemEvent]

	processed    atomic.Uint64
	malicious    atomic.Uint64
	unknown      atomic.Uint64
	threatCount  atomic.Uint64
	schemaErrors atomic.Uint64
	dropped      atomic.Uint64
	modelDown    atomic.Bool

	log *logrus.Logger
	now func() time.Time
}

// NewManager wires the pipeline. The manager becomes the event sink of the
// block controller and the error handler of the persistence worker.
func NewManager(cfg config.EngineConfig, c Components, log *logrus.Logger) (*Manager, error) {
	if c.Classifier == nil || c.Aggregator == nil || c.Blocker == nil {
		return nil, errors.New("manager requires a classifier, an aggregator and a block controller")
	}
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	queue := cfg.SizeOfPacketChannel
	if queue <= 0 {
		queue = 4096
	}

	m := &Manager{
		classifier:     c.Classifier,
		aggregator:     c.Aggregator,
		blocker:        c.Blocker,
		observer:       c.Observer,
		persistence:    c.Persistence,
		persistPackets: c.PersistPackets,
		packetChannel:  make(chan model.PacketRecord, queue),
		numWorkers:     numWorkers,
		done:           make(chan struct{}),
		packets:        history.NewRing[model.ClassifiedPacket](cfg.PacketHistory),
		threats:        history.NewRing[model.ThreatEvent](cfg.ThreatHistory),
		events:         history.NewRing[model.SystemEvent](cfg.EventHistory),
		log:            log,
		now:            time.Now,
	}
	m.blocker.SetEventSink(m)
	if m.persistence != nil {
		m.persistence.OnError(m.persistenceFailed)
	}
	return m, nil
}

// Start launches the worker pool and the block expiry sweeper. Both stop when
// ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		// In-flight packets finish their firewall calls even after a stop.
		procCtx := context.WithoutCancel(ctx)

		m.sweeperWg.Add(1)
		go func() {
			defer m.sweeperWg.Done()
			m.blocker.Run(ctx)
		}()

		m.workerWg.Add(m.numWorkers)
		for i := 0; i < m.numWorkers; i++ {
			go m.worker(ctx, procCtx)
		}
		m.log.WithFields(logrus.Fields{
			"workers": m.numWorkers,
			"queue":   cap(m.packetChannel),
		}).Info("Manager started")
	})
}

// Stop halts the workers between packets, leaving queued input unprocessed,
// stops the sweeper and flushes persistence.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.log.Info("Manager stopping...")
		close(m.done)
		if m.cancel != nil {
			m.cancel()
		}
		m.workerWg.Wait()
		m.sweeperWg.Wait()
		if m.persistence != nil {
			m.persistence.Stop()
		}
		m.log.WithField("unprocessed", len(m.packetChannel)).Info("Manager stopped")
	})
}

// Submit queues rec, waiting for room until ctx is done or the manager stops.
func (m *Manager) Submit(ctx context.Context, rec model.PacketRecord) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.packetChannel <- rec:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume runs src until it ends or ctx is cancelled. With wait set every
// packet goes through Submit, and a manager that stops accepting packets ends
// the run with that error instead of silently discarding the rest of the
// source. Without wait packets are offered with TrySubmit.
func (m *Manager) Consume(ctx context.Context, src model.PacketSource, wait bool) error {
	if !wait {
		return src.Run(ctx, func(rec model.PacketRecord) { m.TrySubmit(rec) })
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		once      sync.Once
		submitErr error
	)
	err := src.Run(runCtx, func(rec model.PacketRecord) {
		if runCtx.Err() != nil {
			return
		}
		if err := m.Submit(runCtx, rec); err != nil {
			once.Do(func() {
				submitErr = err
				cancel()
			})
		}
	})
	if err != nil {
		return err
	}
	if submitErr != nil && ctx.Err() == nil {
		m.log.WithError(submitErr).Warn("Packet source stopped: manager no longer accepts packets")
		return submitErr
	}
	return nil
}

// TrySubmit queues rec without waiting. A full queue or a stopped manager
// drops the packet and counts it.
func (m *Manager) TrySubmit(rec model.PacketRecord) bool {
	select {
	case <-m.done:
		m.drop()
		return false
	default:
	}
	select {
	case m.packetChannel <- rec:
		return true
	default:
		m.drop()
		return false
	}
}

func (m *Manager) drop() {
	m.dropped.Add(1)
	packetsDropped.Inc()
}

func (m *Manager) worker(ctx, procCtx context.Context) {
	defer m.workerWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-m.packetChannel:
			if ctx.Err() != nil {
				return
			}
			m.Process(procCtx, rec)
		}
	}
}

// Process runs one packet through the pipeline synchronously. It returns the
// threat raised for the packet, if any.
func (m *Manager) Process(ctx context.Context, rec model.PacketRecord) *model.ThreatEvent {
	vec, err := features.Extract(&rec)
	if err != nil {
		m.schemaErrors.Add(1)
		schemaErrors.Inc()
		m.log.WithError(err).WithField("packet", rec.FiveTuple.String()).Warn("Dropping packet that does not fit the feature schema")
		return nil
	}

	res, err := m.classifier.Predict(vec)
	switch {
	case errors.Is(err, classifier.ErrModelUnavailable):
		m.unknown.Add(1)
		if m.modelDown.CompareAndSwap(false, true) {
			m.RecordEvent(model.SystemEvent{
				Level:     model.LevelError,
				Kind:      model.EventModelUnavailable,
				Component: "classifier",
				Message:   "No model is loaded; packets are labelled unknown and nothing is blocked",
			})
		}
	case err != nil:
		m.log.WithError(err).Error("Classification failed")
		return nil
	default:
		if m.modelDown.CompareAndSwap(true, false) {
			m.RecordEvent(model.SystemEvent{
				Level:     model.LevelInfo,
				Kind:      model.EventModelLoaded,
				Component: "classifier",
				Message:   fmt.Sprintf("Model %s is serving again", res.ModelVersion),
			})
		}
	}
	m.processed.Add(1)
	packetsProcessed.WithLabelValues(string(res.Label)).Inc()
	if res.Label == model.LabelMalicious {
		m.malicious.Add(1)
	}

	cp := model.ClassifiedPacket{Packet: rec, Result: res}
	m.packets.Push(cp)
	if m.persistence != nil && m.persistPackets {
		m.persistence.Enqueue(model.PacketAudit(cp))
	}

	ev := m.aggregator.Evaluate(ctx, &rec, res)
	if ev == nil {
		return nil
	}
	outcome, err := m.blocker.Consider(ctx, ev)
	if err != nil {
		m.log.WithError(err).WithField("address", ev.SrcIP.String()).Error("Block could not be applied")
	}
	ev.Blocked = outcome.Blocked() && m.blocker.IsBlocked(ev.SrcIP)

	m.threatCount.Add(1)
	m.threats.Push(*ev)
	if m.observer != nil {
		m.observer.PublishThreat(*ev)
	}
	if m.persistence != nil {
		m.persistence.Enqueue(model.ThreatAudit(*ev))
	}
	m.log.WithFields(logrus.Fields{
		"id":         ev.ID,
		"source":     ev.SrcIP.String(),
		"attack":     ev.AttackType,
		"severity":   ev.Severity,
		"confidence": ev.Confidence,
		"blocked":    ev.Blocked,
		"outcome":    outcome.String(),
	}).Warn("Threat detected")
	return ev
}

// RecordEvent appends ev to the event history and forwards it to the observer
// and persistence.
func (m *Manager) RecordEvent(ev model.SystemEvent) {
	m.recordEvent(ev, true)
}

func (m *Manager) recordEvent(ev model.SystemEvent, persist bool) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	m.events.Push(ev)
	systemEvents.WithLabelValues(string(ev.Kind)).Inc()

	entry := m.log.WithFields(logrus.Fields{"kind": ev.Kind, "component": ev.Component})
	if ev.Address.IsValid() {
		entry = entry.WithField("address", ev.Address.String())
	}
	switch ev.Level {
	case model.LevelError:
		entry.Error(ev.Message)
	case model.LevelWarning:
		entry.Warn(ev.Message)
	default:
		entry.Info(ev.Message)
	}

	if m.observer != nil {
		m.observer.PublishEvent(ev)
	}
	if persist && m.persistence != nil {
		m.persistence.Enqueue(model.EventAudit(ev))
	}
}

// persistenceFailed runs on the persistence goroutine, so the resulting event
// is never enqueued back into persistence.
func (m *Manager) persistenceFailed(err error) {
	m.recordEvent(model.SystemEvent{
		Level:     model.LevelError,
		Kind:      model.EventPersistenceError,
		Component: "persistence",
		Message:   fmt.Sprintf("Failed to persist audit records: %v", err),
	}, false)
}

// RecentPackets returns up to n of the most recent classified packets, oldest
// first. A negative n returns the whole history.
func (m *Manager) RecentPackets(n int) []model.ClassifiedPacket { return m.packets.Last(n) }

// RecentThreats returns up to n of the most recent threat events, oldest first.
func (m *Manager) RecentThreats(n int) []model.ThreatEvent { return m.threats.Last(n) }

// RecentEvents returns up to n of the most recent system events, oldest first.
func (m *Manager) RecentEvents(n int) []model.SystemEvent { return m.events.Last(n) }

// ActiveBlocks returns the confirmed blocks ordered by BlockedAt.
func (m *Manager) ActiveBlocks() []model.BlockEntry { return m.blocker.ActiveBlocks() }

// Blocker exposes the block controller for operator actions.
func (m *Manager) Blocker() *block.Controller { return m.blocker }

// Classifier exposes the classifier for readiness checks and reloads.
func (m *Manager) Classifier() *classifier.Classifier { return m.classifier }

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Processed:    m.processed.Load(),
		Malicious:    m.malicious.Load(),
		Unknown:      m.unknown.Load(),
		Threats:      m.threatCount.Load(),
		SchemaErrors: m.schemaErrors.Load(),
		Dropped:      m.dropped.Load(),
		QueueDepth:   len(m.packetChannel),
		ActiveBlocks: m.blocker.Len(),
		ModelVersion: m.classifier.Version(),
		ModelReady:   m.classifier.Ready(),
	}
}
