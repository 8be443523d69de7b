package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/transport"
)

// FakeTransport is an in-memory transport.Transport for facade tests.
//
// Control writes are recorded and, when Responder is set, answered
// asynchronously on the control point handler. Tests push data and heart rate
// notifications with PushData and PushHeartRate, and simulate link loss with
// DropLink. Like a platform BLE link, a dropped connection stays allocated
// until Disconnect releases it; Connect fails with ErrAlreadyConnected until
// then.
type FakeTransport struct {
	Features  []byte
	Battery   uint8
	Responder ControlResponder
	WriteErr  error
	ReadErr   error

	// UnsubscribeErr makes UnsubscribeHeartRate fail while set.
	UnsubscribeErr error
	// HeartRateGate, when set, blocks SubscribeHeartRate until it is closed.
	HeartRateGate chan struct{}

	mu          sync.Mutex
	connected   bool
	lost        bool
	done        chan struct{}
	control     transport.Handler
	data        transport.Handler
	heartRate   transport.Handler
	written     [][]byte
	connects    int
	disconnects int
}

var _ transport.Transport = (*FakeTransport)(nil)

// NewFakeTransport returns a sensor supporting ECG and ACC that answers every
// command with SUCCESS.
func NewFakeTransport() *FakeTransport {
	done := make(chan struct{})
	close(done)
	return &FakeTransport{
		Features: FeaturesValue(pmd.ECG, pmd.ACC),
		Battery:  87,
		Responder: func(cmd []byte) []byte {
			return ReplyTo(cmd, pmd.Success)
		},
		done: done,
	}
}

func (f *FakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return transport.ErrAlreadyConnected
	}
	f.connected = true
	f.lost = false
	f.connects++
	f.done = make(chan struct{})
	return nil
}

func (f *FakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	if !f.connected {
		return nil
	}
	if !f.lost {
		close(f.done)
	}
	f.connected = false
	f.lost = false
	f.control, f.data, f.heartRate = nil, nil, nil
	return nil
}

// DropLink closes the link as if the sensor went out of range. The link is
// unusable afterwards but stays allocated until Disconnect.
func (f *FakeTransport) DropLink() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected || f.lost {
		return
	}
	f.lost = true
	f.control, f.data, f.heartRate = nil, nil, nil
	close(f.done)
}

func (f *FakeTransport) Disconnected() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *FakeTransport) WriteControl(ctx context.Context, data []byte) error {
	f.mu.Lock()
	if !f.up() {
		f.mu.Unlock()
		return transport.ErrNotConnected
	}
	if f.WriteErr != nil {
		err := f.WriteErr
		f.mu.Unlock()
		return err
	}
	cmd := append([]byte(nil), data...)
	f.written = append(f.written, cmd)
	responder := f.Responder
	f.mu.Unlock()

	if responder != nil {
		if reply := responder(cmd); reply != nil {
			go f.PushControl(reply)
		}
	}
	return nil
}

func (f *FakeTransport) ReadControl(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up() {
		return nil, transport.ErrNotConnected
	}
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	return append([]byte(nil), f.Features...), nil
}

func (f *FakeTransport) ReadBattery(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up() {
		return 0, transport.ErrNotConnected
	}
	if f.ReadErr != nil {
		return 0, f.ReadErr
	}
	return f.Battery, nil
}

func (f *FakeTransport) SubscribeControl(h transport.Handler) error {
	return f.subscribe(&f.control, h)
}

func (f *FakeTransport) SubscribeData(h transport.Handler) error {
	return f.subscribe(&f.data, h)
}

func (f *FakeTransport) SubscribeHeartRate(h transport.Handler) error {
	f.mu.Lock()
	gate := f.HeartRateGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.subscribe(&f.heartRate, h)
}

func (f *FakeTransport) UnsubscribeHeartRate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up() {
		return transport.ErrNotConnected
	}
	if f.UnsubscribeErr != nil {
		return f.UnsubscribeErr
	}
	f.heartRate = nil
	return nil
}

func (f *FakeTransport) subscribe(slot *transport.Handler, h transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up() {
		return transport.ErrNotConnected
	}
	*slot = h
	return nil
}

// PushControl delivers a control point notification. It reports whether a
// handler was subscribed.
func (f *FakeTransport) PushControl(data []byte) bool {
	return f.push(&f.control, data)
}

// PushData delivers a PMD data notification.
func (f *FakeTransport) PushData(data []byte) bool {
	return f.push(&f.data, data)
}

// PushHeartRate delivers a Heart Rate Measurement notification.
func (f *FakeTransport) PushHeartRate(data []byte) bool {
	return f.push(&f.heartRate, data)
}

func (f *FakeTransport) push(slot *transport.Handler, data []byte) bool {
	f.mu.Lock()
	h := *slot
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(transport.Notification{Data: data, ReceivedAt: time.Now()})
	return true
}

// Written returns the control point commands written so far.
func (f *FakeTransport) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// SetResponder replaces the control point responder.
func (f *FakeTransport) SetResponder(r ControlResponder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responder = r
}

// HeartRateSubscribed reports whether a heart rate handler is registered.
func (f *FakeTransport) HeartRateSubscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartRate != nil
}

// Disconnects returns how many times Disconnect was called.
func (f *FakeTransport) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// SetUnsubscribeErr sets the error UnsubscribeHeartRate returns.
func (f *FakeTransport) SetUnsubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UnsubscribeErr = err
}

// up must be called with f.mu held.
func (f *FakeTransport) up() bool {
	return f.connected && !f.lost
}

// Connects returns how many times Connect succeeded.
func (f *FakeTransport) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// DataFrame builds a PMD data notification.
func DataFrame(sensor pmd.SensorType, deviceTs uint64, frameType uint8, payload ...byte) []byte {
	buf := make([]byte, 10, 10+len(payload))
	buf[0] = byte(sensor)
	for i := 0; i < 8; i++ {
		buf[1+i] = byte(deviceTs >> (8 * i))
	}
	buf[9] = frameType
	return append(buf, payload...)
}
