package probe

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Subscriber receives packet records published by probes. It is a
// model.PacketSource.
type Subscriber struct {
	nc      *nats.Conn
	subject string
	log     *logrus.Logger
}

// NewSubscriber creates a new NATS subscriber.
func NewSubscriber(cfg config.ProbeConfig, log *logrus.Logger) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("go2netguard-engine"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.WithField("url", cfg.NATSURL).Info("Connected to NATS server")
	return &Subscriber{nc: nc, subject: cfg.Subject, log: log}, nil
}

// Run subscribes to the packet subject and emits every decodable record until
// ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, emit func(model.PacketRecord)) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		rec, err := DecodePacket(msg.Data)
		if err != nil {
			s.log.WithError(err).Warn("Dropping undecodable packet message")
			return
		}
		emit(rec)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.log.WithField("subject", s.subject).Info("Subscribed. Waiting for packets...")

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		s.log.WithError(err).Warn("Failed to unsubscribe")
	}
	return nil
}

// Close closes the NATS connection.
func (s *Subscriber) Close() {
	if s.nc != nil {
		s.nc.Close()
		s.log.Info("NATS connection closed.")
	}
}
