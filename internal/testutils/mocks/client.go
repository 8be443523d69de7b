// Package mocks holds testify mocks of the go-ble client surface.
package mocks

import (
	"sync"

	blelib "github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock of the go-ble client methods the transport uses.
// Subscribe handlers are captured so tests can push notifications with Notify.
type MockClient struct {
	mock.Mock

	// DisconnectCh backs Disconnected(); DropLink closes it to simulate link loss.
	DisconnectCh chan struct{}

	mu       sync.Mutex
	handlers map[*blelib.Characteristic]blelib.NotificationHandler
}

// NewMockClient returns a mock with an open disconnect channel.
func NewMockClient() *MockClient {
	return &MockClient{
		DisconnectCh: make(chan struct{}),
		handlers:     make(map[*blelib.Characteristic]blelib.NotificationHandler),
	}
}

func (m *MockClient) DiscoverProfile(force bool) (*blelib.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*blelib.Profile)
	return p, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *blelib.Characteristic) ([]byte, error) {
	args := m.Called(c)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *blelib.Characteristic, value []byte, noRsp bool) error {
	args := m.Called(c, value, noRsp)
	return args.Error(0)
}

func (m *MockClient) Subscribe(c *blelib.Characteristic, ind bool, h blelib.NotificationHandler) error {
	args := m.Called(c, ind, h)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	if m.handlers == nil {
		m.handlers = make(map[*blelib.Characteristic]blelib.NotificationHandler)
	}
	m.handlers[c] = h
	m.mu.Unlock()
	return nil
}

func (m *MockClient) Unsubscribe(c *blelib.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	m.mu.Lock()
	delete(m.handlers, c)
	m.mu.Unlock()
	return args.Error(0)
}

func (m *MockClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

// Disconnected mirrors the go-ble client's link-loss channel.
func (m *MockClient) Disconnected() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.DisconnectCh
}

// DropLink closes the disconnect channel as if the peripheral went away.
func (m *MockClient) DropLink() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.DisconnectCh:
	default:
		close(m.DisconnectCh)
	}
}

// RestoreLink gives the next connection a fresh disconnect channel.
func (m *MockClient) RestoreLink() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DisconnectCh = make(chan struct{})
}

// Notify delivers data to the handler subscribed on c. It reports whether a
// handler was registered.
func (m *MockClient) Notify(c *blelib.Characteristic, data []byte) bool {
	m.mu.Lock()
	h := m.handlers[c]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}
