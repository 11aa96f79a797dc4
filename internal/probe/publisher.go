// Package probe carries packet records between a capture-only probe and the
// engine over NATS.
package probe

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Publisher is responsible for publishing packet data to a NATS topic.
type Publisher struct {
	nc      *nats.Conn
	subject string
	log     *logrus.Logger
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.ProbeConfig, log *logrus.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("go2netguard-probe"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.WithFields(logrus.Fields{"url": cfg.NATSURL, "subject": cfg.Subject}).Info("Connected to NATS server")
	return &Publisher{nc: nc, subject: cfg.Subject, log: log}, nil
}

// Publish serializes rec and publishes it to the configured NATS subject.
func (p *Publisher) Publish(rec model.PacketRecord) error {
	data, err := EncodePacket(rec)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.log.Info("NATS connection drained and closed.")
	}
}
