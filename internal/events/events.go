// Package events fans device lifecycle activity out to external subscribers.
//
// Events are CloudEvents 1.0 envelopes published on subjects of the form
//
//	<prefix>.device.<device_id>.<kind>
//
// where kind is registered, disconnected, liveness or event. Publishing is
// best effort: the core never blocks a session on a slow or absent broker.
package events

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/orion/internal/devices"
)

// Event kinds, used as the last subject token.
const (
	KindRegistered   = "registered"
	KindDisconnected = "disconnected"
	KindLiveness     = "liveness"
	KindEvent        = "event"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "orion"

const (
	cloudEventsVersion = "1.0"
	eventSource        = "orion/core"
	typePrefix         = "io.orion.device."
)

// CloudEvent is the envelope written to the broker.
type CloudEvent struct {
	SpecVersion     string     `json:"specversion"`
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	Type            string     `json:"type"`
	DataContentType string     `json:"datacontenttype"`
	Subject         string     `json:"subject,omitempty"`
	Time            *time.Time `json:"time,omitempty"`
	Data            any        `json:"data,omitempty"`
}

// RegisteredData is the payload of a registered event.
type RegisteredData struct {
	DeviceID  string `json:"device_id"`
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	OSVersion string `json:"os_version,omitempty"`
	Replaced  bool   `json:"replaced"`
}

// DisconnectedData is the payload of a disconnected event.
type DisconnectedData struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
}

// LivenessData is the payload of a liveness event.
type LivenessData struct {
	DeviceID      string    `json:"device_id"`
	PreviousState string    `json:"previous_state"`
	CurrentState  string    `json:"current_state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// DeviceEventData is the payload of an event frame forwarded from a device.
type DeviceEventData struct {
	DeviceID  string         `json:"device_id"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher publishes device activity. Implementations must be safe for
// concurrent use.
type Publisher interface {
	DeviceRegistered(ctx context.Context, dev devices.Device, replaced bool) error
	DeviceDisconnected(ctx context.Context, deviceID, reason string) error
	LivenessChanged(ctx context.Context, t devices.Transition) error
	DeviceEvent(ctx context.Context, deviceID, eventType, severity string, data map[string]any) error
	Close() error
}

// Nop discards everything. It is used when no broker is configured.
type Nop struct{}

var _ Publisher = Nop{}

func (Nop) DeviceRegistered(context.Context, devices.Device, bool) error { return nil }
func (Nop) DeviceDisconnected(context.Context, string, string) error     { return nil }
func (Nop) LivenessChanged(context.Context, devices.Transition) error    { return nil }
func (Nop) DeviceEvent(context.Context, string, string, string, map[string]any) error {
	return nil
}
func (Nop) Close() error { return nil }

// Subject builds the subject for a device and kind.
func Subject(prefix, deviceID, kind string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + ".device." + subjectToken(deviceID) + "." + kind
}

// subjectToken makes s usable as a single subject token. Separators,
// wildcards and whitespace are replaced with underscores.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func newCloudEvent(subject, kind string, at time.Time, data any) CloudEvent {
	return CloudEvent{
		SpecVersion:     cloudEventsVersion,
		ID:              uuid.NewString(),
		Source:          eventSource,
		Type:            typePrefix + kind,
		DataContentType: "application/json",
		Subject:         subject,
		Time:            &at,
		Data:            data,
	}
}
