package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Publisher is the subset of *nats.Conn the forwarder needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Forwarder relays bus events to NATS subjects "<prefix>.<event type>".
// Publishing goes through a circuit breaker so a broken connection does not
// slow the engine down; dropped events are logged.
type Forwarder struct {
	pub     Publisher
	prefix  string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewForwarder creates a forwarder publishing through pub
func NewForwarder(pub Publisher, prefix string, logger *zap.SugaredLogger) *Forwarder {
	if prefix == "" {
		prefix = "crmflow.events"
	}
	settings := gobreaker.Settings{
		Name:        "nats-forwarder",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Forwarder{
		pub:     pub,
		prefix:  strings.TrimSuffix(prefix, "."),
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Attach subscribes the forwarder to every event on bus
func (f *Forwarder) Attach(bus *Bus) {
	bus.Subscribe("*", f.Forward)
}

// Subject returns the NATS subject for an event type
func (f *Forwarder) Subject(eventType string) string {
	return f.prefix + "." + eventType
}

// Forward publishes one event
func (f *Forwarder) Forward(evt *Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		f.logger.Errorw("Failed to encode event", "type", evt.Type, "error", err)
		return
	}
	_, err = f.breaker.Execute(func() (any, error) {
		return nil, f.pub.Publish(f.Subject(evt.Type), data)
	})
	if err != nil {
		f.logger.Warnw("Dropped event", "type", evt.Type, "instance_id", evt.InstanceID, "error", err)
	}
}

// State reports the breaker state
func (f *Forwarder) State() gobreaker.State {
	return f.breaker.State()
}

// Connect opens a NATS connection with unlimited reconnects
func Connect(url string, logger *zap.SugaredLogger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("crmflow"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Infow("Connected to NATS", "url", url)
	return nc, nil
}
