// Package notification publishes threat and system events to NATS so that
// external consumers can follow the engine without polling the API.
package notification

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Subject suffixes appended to the configured prefix.
const (
	ThreatsSubject = "threats"
	EventsSubject  = "events"
)

type msgPublisher interface {
	Publish(subject string, data []byte) error
}

// Publisher sends JSON encoded ThreatEvents to <prefix>.threats and
// SystemEvents to <prefix>.events. Publish errors are logged and dropped.
type Publisher struct {
	conn    msgPublisher
	nc      *nats.Conn
	threats string
	events  string
	log     *logrus.Logger
}

// NewPublisher connects to the NATS server named in cfg.
func NewPublisher(cfg config.EventsConfig, log *logrus.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("go2netguard-events"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("Event publisher disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("Event publisher reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.WithField("url", cfg.NATSURL).Info("Connected to NATS server for event publishing")
	p := newPublisher(nc, cfg.SubjectPrefix, log)
	p.nc = nc
	return p, nil
}

func newPublisher(conn msgPublisher, prefix string, log *logrus.Logger) *Publisher {
	if prefix == "" {
		prefix = "nidps"
	}
	return &Publisher{
		conn:    conn,
		threats: prefix + "." + ThreatsSubject,
		events:  prefix + "." + EventsSubject,
		log:     log,
	}
}

// PublishThreat publishes ev on the threats subject.
func (p *Publisher) PublishThreat(ev model.ThreatEvent) {
	p.publish(p.threats, ev)
}

// PublishEvent publishes ev on the events subject.
func (p *Publisher) PublishEvent(ev model.SystemEvent) {
	p.publish(p.events, ev)
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.WithError(err).WithField("subject", subject).Error("Failed to encode event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.WithError(err).WithField("subject", subject).Warn("Failed to publish event")
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.log.WithError(err).Warn("Failed to drain NATS connection")
		}
		p.log.Info("NATS event publisher closed.")
	}
}
