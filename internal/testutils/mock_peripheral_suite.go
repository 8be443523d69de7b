//go:build test

package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/transport/goble"
	"github.com/stretchr/testify/suite"
)

// DefaultSensorAddress is the address the suite's transports dial.
const DefaultSensorAddress = "A0:9E:1A:00:00:01"

// MockBLEPeripheralSuite provides a reusable test suite with a mock PMD sensor.
//
// The suite swaps goble.Dial for a function returning the configured mock
// client, and restores it after each test. By default the peripheral exposes
// the PMD service, Heart Rate Service and Battery Service, answers every
// control point command with SUCCESS and reports a battery level of 87%.
//
// Custom profile usage:
//
//	type FeaturesSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func (s *FeaturesSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180F").
//	        WithCharacteristic("2A19", "read", []byte{12})
//
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	OriginalDial func(ctx context.Context, address string) (goble.Client, error)
	TestTimeout  time.Duration

	PeripheralBuilder *PeripheralDeviceBuilder
	Peripheral        *MockPeripheral

	mu      sync.Mutex
	written [][]byte
}

// SetupSuite initializes the test helper and logger.
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
	s.OriginalDial = goble.Dial

	s.T().Cleanup(func() {
		if s.OriginalDial != nil {
			goble.Dial = s.OriginalDial
		}
	})
}

// SetupTest builds the peripheral and installs the mock dialer.
func (s *MockBLEPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = s.DefaultSensorBuilder()
	}
	s.Peripheral = s.PeripheralBuilder.Build()

	s.mu.Lock()
	s.written = nil
	s.mu.Unlock()

	peripheral := s.Peripheral
	goble.Dial = func(ctx context.Context, address string) (goble.Client, error) {
		return peripheral.Client, nil
	}
}

// TearDownTest restores the dialer and resets the builder.
func (s *MockBLEPeripheralSuite) TearDownTest() {
	if s.OriginalDial != nil {
		goble.Dial = s.OriginalDial
	}
	s.PeripheralBuilder = nil
	s.Peripheral = nil
}

// WithPeripheral returns an empty peripheral builder for custom profiles.
func (s *MockBLEPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder
}

// NewTransport returns a go-ble transport dialing the mock peripheral.
func (s *MockBLEPeripheralSuite) NewTransport() *goble.Transport {
	return goble.New(goble.Options{
		Address:        DefaultSensorAddress,
		ConnectTimeout: s.TestTimeout,
		Logger:         s.Logger,
	})
}

// Written returns the control point commands received so far.
func (s *MockBLEPeripheralSuite) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

// DefaultSensorBuilder describes a chest strap with ECG and ACC support.
func (s *MockBLEPeripheralSuite) DefaultSensorBuilder() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().
		WithService(pmd.ServiceUUID).
		WithCharacteristic(pmd.ControlCharUUID, "read,write,indicate", FeaturesValue(pmd.ECG, pmd.ACC)).
		WithCharacteristic(pmd.DataCharUUID, "notify", nil).
		WithService(pmd.HeartRateServiceUUID).
		WithCharacteristic(pmd.HeartRateMeasurementUUID, "notify", nil).
		WithService(pmd.BatteryServiceUUID).
		WithCharacteristic(pmd.BatteryLevelCharUUID, "read,notify", []byte{87}).
		WithControlResponder(pmd.ControlCharUUID, func(cmd []byte) []byte {
			s.mu.Lock()
			s.written = append(s.written, cmd)
			s.mu.Unlock()
			return ReplyTo(cmd, pmd.Success)
		})
}
