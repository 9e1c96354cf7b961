package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/haasonsaas/orion/internal/devices"
)

// Config selects the broker. An empty URL disables publishing.
type Config struct {
	NATSURL       string `yaml:"nats_url" json:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
}

// NATSPublisher publishes CloudEvents on core NATS subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var _ Publisher = (*NATSPublisher)(nil)

// Connect returns a NATSPublisher for config, or Nop when no URL is set.
func Connect(config Config, logger *slog.Logger, opts ...nats.Option) (Publisher, error) {
	if strings.TrimSpace(config.NATSURL) == "" {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events.nats")

	opts = append([]nats.Option{
		nats.Name("orion-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("nats error", "error", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}, opts...)

	nc, err := nats.Connect(config.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("connected to nats", "url", nc.ConnectedUrl())
	return NewNATSPublisher(nc, config.SubjectPrefix, logger), nil
}

// NewNATSPublisher wraps an existing connection. The publisher owns nc and
// drains it on Close.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{
		nc:     nc,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
		now:    time.Now,
	}
}

func (p *NATSPublisher) publish(deviceID, kind string, at time.Time, data any) error {
	subject := Subject(p.prefix, deviceID, kind)
	payload, err := json.Marshal(newCloudEvent(subject, kind, at, data))
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", kind, err)
	}
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", kind, err)
	}
	p.logger.Debug("published event", "subject", subject)
	return nil
}

// DeviceRegistered implements Publisher.
func (p *NATSPublisher) DeviceRegistered(_ context.Context, dev devices.Device, replaced bool) error {
	return p.publish(dev.ID, KindRegistered, p.now(), RegisteredData{
		DeviceID:  dev.ID,
		Hostname:  dev.Hostname,
		OS:        dev.OS,
		OSVersion: dev.OSVersion,
		Replaced:  replaced,
	})
}

// DeviceDisconnected implements Publisher.
func (p *NATSPublisher) DeviceDisconnected(_ context.Context, deviceID, reason string) error {
	return p.publish(deviceID, KindDisconnected, p.now(), DisconnectedData{DeviceID: deviceID, Reason: reason})
}

// LivenessChanged implements Publisher.
func (p *NATSPublisher) LivenessChanged(_ context.Context, t devices.Transition) error {
	at := t.At
	if at.IsZero() {
		at = p.now()
	}
	return p.publish(t.DeviceID, KindLiveness, at, LivenessData{
		DeviceID:      t.DeviceID,
		PreviousState: string(t.From),
		CurrentState:  string(t.To),
		LastHeartbeat: t.LastHeartbeat,
	})
}

// DeviceEvent implements Publisher.
func (p *NATSPublisher) DeviceEvent(_ context.Context, deviceID, eventType, severity string, data map[string]any) error {
	return p.publish(deviceID, KindEvent, p.now(), DeviceEventData{
		DeviceID:  deviceID,
		EventType: eventType,
		Severity:  severity,
		Data:      data,
	})
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p == nil || p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	return p.nc.Drain()
}
