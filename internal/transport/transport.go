// Package transport defines the GATT link the PMD engine runs on.
//
// A Transport owns one BLE connection to a sensor and exposes just the
// characteristics the engine needs: the PMD control point and data stream, the
// Heart Rate Measurement and the Battery Level.
package transport

import (
	"context"
	"time"
)

// Notification is one characteristic value pushed by the peripheral.
type Notification struct {
	Data       []byte
	ReceivedAt time.Time
}

// Handler receives notifications in arrival order on the transport's
// notification goroutine. It must not block.
type Handler func(Notification)

// Transport is a connected GATT client for one sensor.
type Transport interface {
	// Connect dials the sensor and resolves its characteristics.
	Connect(ctx context.Context) error
	// Disconnect tears down subscriptions and the link. It is idempotent.
	Disconnect() error

	// WriteControl writes a command to the PMD control point with response.
	WriteControl(ctx context.Context, data []byte) error
	// ReadControl reads the PMD control point value (the feature set).
	ReadControl(ctx context.Context) ([]byte, error)
	// ReadBattery reads the battery level in percent.
	ReadBattery(ctx context.Context) (uint8, error)

	SubscribeControl(h Handler) error
	SubscribeData(h Handler) error
	SubscribeHeartRate(h Handler) error
	UnsubscribeHeartRate() error

	// Disconnected is closed when the link drops or Disconnect is called.
	Disconnected() <-chan struct{}
}
