// Package goble implements transport.Transport on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/pmdctl/internal/groutine"
	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/transport"
)

// ----------------------------
// Configuration Constants
// ----------------------------

const (
	// DefaultConnectTimeout bounds dialing plus profile discovery.
	DefaultConnectTimeout = 20 * time.Second

	// DefaultIOTimeout applies to reads and writes whose context has no deadline.
	DefaultIOTimeout = 5 * time.Second
)

// ----------------------------
// Client and Device Factory
// ----------------------------

// Client is the subset of ble.Client the transport uses.
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
var DeviceFactory = newPlatformDevice

// Dial connects to the peripheral at address (can be overridden in tests)
var Dial = func(ctx context.Context, address string) (Client, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	return ble.Dial(ctx, ble.NewAddr(address))
}

// ----------------------------
// Transport
// ----------------------------

// Options configures a Transport.
type Options struct {
	Address        string
	ConnectTimeout time.Duration
	Logger         *logrus.Logger
}

type characteristics struct {
	control   *ble.Characteristic
	data      *ble.Characteristic
	heartRate *ble.Characteristic
	battery   *ble.Characteristic
}

// Transport is a go-ble backed transport.Transport.
type Transport struct {
	address        string
	connectTimeout time.Duration
	logger         *logrus.Logger

	writeMutex sync.Mutex
	connMutex  sync.RWMutex
	client     Client
	chars      characteristics
	subscribed []*ble.Characteristic

	done      chan struct{}
	closeOnce *sync.Once
	cancel    context.CancelFunc
}

var _ transport.Transport = (*Transport)(nil)

// New returns an unconnected transport for the peripheral at opts.Address.
func New(opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	done := make(chan struct{})
	close(done)
	return &Transport{
		address:        opts.Address,
		connectTimeout: timeout,
		logger:         logger,
		done:           done,
		closeOnce:      &sync.Once{},
	}
}

// Connect dials the peripheral, discovers its profile and resolves the PMD,
// heart rate and battery characteristics.
func (t *Transport) Connect(ctx context.Context) error {
	t.connMutex.Lock()
	defer t.connMutex.Unlock()

	if strings.TrimSpace(t.address) == "" {
		return fmt.Errorf("device address is empty")
	}
	if t.client != nil {
		t.logger.WithField("address", t.address).Warn("Connection attempt while already connected")
		return transport.ErrAlreadyConnected
	}

	t.logger.WithFields(logrus.Fields{
		"address": t.address,
		"timeout": t.connectTimeout,
	}).Info("Connecting to sensor...")

	connCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	client, err := Dial(connCtx, t.address)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": t.address,
			"error":   err,
		}).Error("Failed to dial sensor")
		return fmt.Errorf("failed to connect to device with address %q: %w", t.address, transport.NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", transport.NormalizeError(err))
	}

	chars, err := resolveCharacteristics(profile)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after characteristic lookup failure")
		}
		return err
	}

	t.client = client
	t.chars = chars
	t.subscribed = nil
	t.done = make(chan struct{})
	t.closeOnce = &sync.Once{}

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	t.cancel = monitorCancel

	// go-ble clients (darwin and linux) report link loss through Disconnected().
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(monitorCtx, "ble-disconnect-monitor", func(ctx context.Context) {
			select {
			case <-dc.Disconnected():
				t.logger.WithField("address", t.address).Warn("Sensor reported disconnection")
				t.release(client)
			case <-ctx.Done():
			}
		})
	} else {
		t.logger.Debug("Client does not support Disconnected() channel")
	}

	t.logger.WithFields(logrus.Fields{
		"address":    t.address,
		"services":   len(profile.Services),
		"heart_rate": chars.heartRate != nil,
		"battery":    chars.battery != nil,
	}).Info("Sensor connected")
	return nil
}

// Disconnect unsubscribes every characteristic and cancels the connection.
func (t *Transport) Disconnect() error {
	t.connMutex.Lock()
	client := t.client
	subscribed := t.subscribed
	cancel := t.cancel
	done, once := t.done, t.closeOnce
	t.client = nil
	t.subscribed = nil
	t.cancel = nil
	t.chars = characteristics{}
	t.connMutex.Unlock()

	if client == nil {
		t.logger.Debug("Disconnect called but already disconnected")
		return nil
	}

	t.logger.WithField("address", t.address).Info("Disconnecting sensor...")
	if cancel != nil {
		cancel()
	}

	for _, c := range subscribed {
		if err := transport.NormalizeError(client.Unsubscribe(c, useIndication(c))); err != nil {
			t.logger.WithFields(logrus.Fields{
				"char_uuid": c.UUID.String(),
				"error":     err,
			}).Warn("Failed to unsubscribe during disconnect")
		}
	}

	err := client.CancelConnection()
	once.Do(func() { close(done) })

	if err != nil {
		t.logger.WithField("error", err).Warn("Sensor disconnected with errors")
		return transport.NormalizeError(err)
	}
	t.logger.Info("Sensor disconnected")
	return nil
}

// release forgets client after the link dropped on its own, so a later
// Connect can dial again. It is a no-op if Disconnect got there first.
func (t *Transport) release(client Client) {
	t.connMutex.Lock()
	if t.client != client {
		t.connMutex.Unlock()
		return
	}
	done, once := t.done, t.closeOnce
	cancel := t.cancel
	t.client = nil
	t.subscribed = nil
	t.cancel = nil
	t.chars = characteristics{}
	t.connMutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := client.CancelConnection(); err != nil {
		t.logger.WithField("error", err).Debug("Cancel connection after link loss failed")
	}
	once.Do(func() { close(done) })
}

// Disconnected is closed when the link drops or Disconnect is called.
func (t *Transport) Disconnected() <-chan struct{} {
	t.connMutex.RLock()
	defer t.connMutex.RUnlock()
	return t.done
}

// WriteControl writes a command to the PMD control point with response.
func (t *Transport) WriteControl(ctx context.Context, data []byte) error {
	client, c, err := t.characteristic(func(cs characteristics) *ble.Characteristic { return cs.control }, pmd.ServiceUUID, pmd.ControlCharUUID)
	if err != nil {
		return err
	}

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	t.logger.WithField("data", fmt.Sprintf("% x", data)).Debug("Writing control point")
	_, err = withTimeout(ctx, func() ([]byte, error) {
		return nil, client.WriteCharacteristic(c, data, false)
	})
	if err != nil {
		return fmt.Errorf("failed to write control point: %w", err)
	}
	return nil
}

// ReadControl reads the PMD control point value.
func (t *Transport) ReadControl(ctx context.Context) ([]byte, error) {
	client, c, err := t.characteristic(func(cs characteristics) *ble.Characteristic { return cs.control }, pmd.ServiceUUID, pmd.ControlCharUUID)
	if err != nil {
		return nil, err
	}
	data, err := withTimeout(ctx, func() ([]byte, error) { return client.ReadCharacteristic(c) })
	if err != nil {
		return nil, fmt.Errorf("failed to read control point: %w", err)
	}
	return data, nil
}

// ReadBattery reads the Battery Level characteristic.
func (t *Transport) ReadBattery(ctx context.Context) (uint8, error) {
	client, c, err := t.characteristic(func(cs characteristics) *ble.Characteristic { return cs.battery }, pmd.BatteryServiceUUID, pmd.BatteryLevelCharUUID)
	if err != nil {
		return 0, err
	}
	data, err := withTimeout(ctx, func() ([]byte, error) { return client.ReadCharacteristic(c) })
	if err != nil {
		return 0, fmt.Errorf("failed to read battery level: %w", err)
	}
	if len(data) < 1 {
		return 0, fmt.Errorf("empty battery level value")
	}
	return data[0], nil
}

// SubscribeControl enables control point replies.
func (t *Transport) SubscribeControl(h transport.Handler) error {
	return t.subscribe(func(cs characteristics) *ble.Characteristic { return cs.control }, pmd.ServiceUUID, pmd.ControlCharUUID, h)
}

// SubscribeData enables the PMD data stream.
func (t *Transport) SubscribeData(h transport.Handler) error {
	return t.subscribe(func(cs characteristics) *ble.Characteristic { return cs.data }, pmd.ServiceUUID, pmd.DataCharUUID, h)
}

// SubscribeHeartRate enables Heart Rate Measurement notifications.
func (t *Transport) SubscribeHeartRate(h transport.Handler) error {
	return t.subscribe(func(cs characteristics) *ble.Characteristic { return cs.heartRate }, pmd.HeartRateServiceUUID, pmd.HeartRateMeasurementUUID, h)
}

// UnsubscribeHeartRate disables Heart Rate Measurement notifications.
func (t *Transport) UnsubscribeHeartRate() error {
	client, c, err := t.characteristic(func(cs characteristics) *ble.Characteristic { return cs.heartRate }, pmd.HeartRateServiceUUID, pmd.HeartRateMeasurementUUID)
	if err != nil {
		return err
	}
	if err := transport.NormalizeError(client.Unsubscribe(c, useIndication(c))); err != nil {
		return fmt.Errorf("failed to unsubscribe heart rate: %w", err)
	}

	t.connMutex.Lock()
	for i, s := range t.subscribed {
		if s == c {
			t.subscribed = append(t.subscribed[:i], t.subscribed[i+1:]...)
			break
		}
	}
	t.connMutex.Unlock()

	t.logger.Debug("Unsubscribed from heart rate notifications")
	return nil
}

func (t *Transport) subscribe(pick func(characteristics) *ble.Characteristic, svcUUID, charUUID string, h transport.Handler) error {
	if h == nil {
		return fmt.Errorf("no handler specified for %s", charUUID)
	}
	client, c, err := t.characteristic(pick, svcUUID, charUUID)
	if err != nil {
		return err
	}
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s does not support notifications: %w", charUUID, transport.ErrUnsupported)
	}

	err = client.Subscribe(c, useIndication(c), func(data []byte) {
		received := time.Now()
		buf := make([]byte, len(data))
		copy(buf, data)
		h(transport.Notification{Data: buf, ReceivedAt: received})
	})
	if err = transport.NormalizeError(err); err != nil {
		t.logger.WithFields(logrus.Fields{
			"service_uuid": svcUUID,
			"char_uuid":    charUUID,
			"error":        err,
		}).Error("Failed to subscribe to characteristic notifications")
		return fmt.Errorf("failed to subscribe to %s: %w", charUUID, err)
	}

	t.connMutex.Lock()
	t.subscribed = append(t.subscribed, c)
	t.connMutex.Unlock()

	t.logger.WithFields(logrus.Fields{
		"service_uuid": svcUUID,
		"char_uuid":    charUUID,
	}).Debug("Subscribed to characteristic notifications")
	return nil
}

func (t *Transport) characteristic(pick func(characteristics) *ble.Characteristic, svcUUID, charUUID string) (Client, *ble.Characteristic, error) {
	t.connMutex.RLock()
	defer t.connMutex.RUnlock()
	if t.client == nil {
		return nil, nil, transport.ErrNotConnected
	}
	c := pick(t.chars)
	if c == nil {
		return nil, nil, &transport.NotFoundError{Resource: "characteristic", UUIDs: []string{svcUUID, charUUID}}
	}
	return t.client, c, nil
}

// useIndication selects indications only for characteristics that cannot notify.
func useIndication(c *ble.Characteristic) bool {
	return c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
}

// withTimeout runs op and gives up when ctx is done or, for contexts without a
// deadline, after DefaultIOTimeout. The goroutine running op is left to finish
// on its own.
func withTimeout(ctx context.Context, op func() ([]byte, error)) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultIOTimeout)
		defer cancel()
	}

	type ioResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan ioResult, 1)
	go func() {
		data, err := op()
		resultCh <- ioResult{data: data, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.data, transport.NormalizeError(res.err)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", transport.ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}
