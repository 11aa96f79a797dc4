// Package persistent appends packets, threats and system events to durable
// storage off the ingestion path.
package persistent

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Worker batches audit records and hands them to a Writer from a single
// goroutine. Enqueue never blocks; a full buffer drops the record.
type Worker struct {
	records       chan model.AuditRecord
	writer        model.Writer
	batchSize     int
	flushInterval time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	log           *logrus.Logger
	onError       func(error)

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewWorker creates a worker around writer. Call Start before Enqueue.
func NewWorker(cfg config.PersistenceConfig, writer model.Writer, log *logrus.Logger) *Worker {
	bufferSize := cfg.ChannelBufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Worker{
		records:       make(chan model.AuditRecord, bufferSize),
		writer:        writer,
		batchSize:     batchSize,
		flushInterval: config.Duration(cfg.FlushInterval, 2*time.Second),
		stopChan:      make(chan struct{}),
		log:           log,
	}
}

// OnError registers a callback for failed writes. It runs on the worker
// goroutine and must not call Enqueue.
func (w *Worker) OnError(fn func(error)) {
	w.onError = fn
}

// Start launches the writer goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.WithFields(logrus.Fields{
		"batch_size":     w.batchSize,
		"flush_interval": w.flushInterval,
		"buffer":         cap(w.records),
	}).Info("Persistent worker started")
}

func (w *Worker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]model.AuditRecord, 0, w.batchSize)
	for {
		select {
		case rec := <-w.records:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				batch = w.flush(batch)
			}
		case <-ticker.C:
			batch = w.flush(batch)
		case <-w.stopChan:
			// Everything enqueued before Stop is still written.
			for {
				select {
				case rec := <-w.records:
					batch = append(batch, rec)
					if len(batch) >= w.batchSize {
						batch = w.flush(batch)
					}
				default:
					w.flush(batch)
					return
				}
			}
		}
	}
}

func (w *Worker) flush(batch []model.AuditRecord) []model.AuditRecord {
	if len(batch) == 0 {
		return batch
	}
	if err := w.writer.Write(batch); err != nil {
		w.failed.Add(uint64(len(batch)))
		persistenceErrors.Inc()
		w.log.WithError(err).WithField("records", len(batch)).Error("Persistent worker: failed to write batch")
		if w.onError != nil {
			w.onError(err)
		}
	} else {
		w.written.Add(uint64(len(batch)))
		recordsWritten.Add(float64(len(batch)))
	}
	clear(batch)
	return batch[:0]
}

// Enqueue offers rec to the worker and reports whether it was accepted.
func (w *Worker) Enqueue(rec model.AuditRecord) bool {
	select {
	case w.records <- rec:
		return true
	default:
		w.dropped.Add(1)
		recordsDropped.Inc()
		return false
	}
}

// Stop writes what is buffered, then closes the writer.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.wg.Wait()
		if err := w.writer.Close(); err != nil {
			w.log.WithError(err).Error("Persistent worker: error closing writer")
		}
		w.log.WithFields(logrus.Fields{
			"written": w.written.Load(),
			"failed":  w.failed.Load(),
			"dropped": w.dropped.Load(),
		}).Info("Persistent worker stopped")
	})
}

// Stats returns the number of records written, failed and dropped.
func (w *Worker) Stats() (written, failed, dropped uint64) {
	return w.written.Load(), w.failed.Load(), w.dropped.Load()
}
