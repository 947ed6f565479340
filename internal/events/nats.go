// Package events forwards memory store events to a NATS subject tree.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PiGrieco/mcp-memory-server/internal/memory"
	"github.com/PiGrieco/mcp-memory-server/internal/metrics"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	DefaultSubject = "memsrv.events"
	bufferSize     = 256
	connectTimeout = 5 * time.Second
	flushTimeout   = 2 * time.Second
)

// PublishFunc sends one message to subject.
type PublishFunc func(subject string, data []byte) error

// Publisher is a memory.Observer that publishes events asynchronously to
// <subject>.<event type>. Events are dropped when the buffer is full.
type Publisher struct {
	publish PublishFunc
	subject string
	conn    *nats.Conn
	metrics *metrics.Metrics
	logger  *zap.Logger

	events    chan memory.Event
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// Connect dials the NATS server at url and returns a publisher bound to it.
func Connect(url, subject string, m *metrics.Metrics, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("mcp-memory"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := NewPublisher(nc.Publish, subject, m, logger)
	p.conn = nc
	logger.Info("Publishing store events to NATS", zap.String("url", url), zap.String("subject", p.subject))
	return p, nil
}

// NewPublisher creates a publisher that sends through publish.
func NewPublisher(publish PublishFunc, subject string, m *metrics.Metrics, logger *zap.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		publish: publish,
		subject: subject,
		metrics: m,
		logger:  logger,
		events:  make(chan memory.Event, bufferSize),
		done:    make(chan struct{}),
	}

	p.wg.Add(1)
	go p.writeLoop()

	return p
}

// Subject returns the subject an event of type t is published to.
func (p *Publisher) Subject(t memory.EventType) string {
	return p.subject + "." + string(t)
}

// Observe implements memory.Observer. It never blocks.
func (p *Publisher) Observe(ev memory.Event) {
	if p == nil || p.closed.Load() {
		return
	}

	select {
	case p.events <- ev:
	default:
		p.record(ev.Type, "dropped")
		p.logger.Debug("Event buffer full, dropping event",
			zap.String("type", string(ev.Type)),
			zap.String("id", ev.ID))
	}
}

// Close stops accepting events, publishes what is queued and closes the
// NATS connection if the publisher owns one.
func (p *Publisher) Close() {
	if p == nil {
		return
	}

	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
	p.wg.Wait()

	if p.conn != nil {
		if err := p.conn.FlushTimeout(flushTimeout); err != nil {
			p.logger.Warn("Failed to flush NATS connection", zap.Error(err))
		}
		p.conn.Close()
	}
}

func (p *Publisher) writeLoop() {
	defer p.wg.Done()

	for {
		select {
		case ev := <-p.events:
			p.send(ev)
		case <-p.done:
			for {
				select {
				case ev := <-p.events:
					p.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(ev memory.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.record(ev.Type, "error")
		p.logger.Error("Failed to encode event", zap.Error(err), zap.String("id", ev.ID))
		return
	}
	if err := p.publish(p.Subject(ev.Type), data); err != nil {
		p.record(ev.Type, "error")
		p.logger.Warn("Failed to publish event",
			zap.Error(err),
			zap.String("type", string(ev.Type)),
			zap.String("id", ev.ID))
		return
	}
	p.record(ev.Type, "ok")
}

func (p *Publisher) record(t memory.EventType, result string) {
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(string(t), result).Inc()
	}
}
