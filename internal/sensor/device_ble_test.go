//go:build test

package sensor_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/sensor"
	"github.com/srg/pmdctl/internal/session"
	"github.com/srg/pmdctl/internal/testutils"
	"github.com/srg/pmdctl/internal/transport"
	"github.com/stretchr/testify/suite"
)

type DeviceBLESuite struct {
	testutils.MockBLEPeripheralSuite

	dev *sensor.Device
}

func (s *DeviceBLESuite) SetupTest() {
	s.MockBLEPeripheralSuite.SetupTest()
	s.dev = sensor.New(s.NewTransport(), sensor.Options{
		Logger:         s.Logger,
		RequestTimeout: s.TestTimeout,
	})
	s.Require().NoError(s.dev.Connect(context.Background()), "connect MUST succeed against the mock sensor")
}

func (s *DeviceBLESuite) TearDownTest() {
	_ = s.dev.Close()
	s.MockBLEPeripheralSuite.TearDownTest()
}

func (s *DeviceBLESuite) TestStreamECG() {
	// GOAL: a start round trip over go-ble enables the stream and frames reach listeners
	//
	// TEST SCENARIO: start ECG → SUCCESS reply → data notification → listener sees timed frame
	reply, err := s.dev.StartECG(context.Background(), sensor.DefaultECGOptions())
	s.Require().NoError(err)
	s.True(reply.Error.OK())
	s.Equal(session.Started, s.dev.SensorState(pmd.ECG))
	s.Equal([][]byte{{0x02, 0x00, 0x01, 0x01, 0x0E, 0x00, 0x00, 0x01, 0x82, 0x00}}, s.Written())

	got := make(chan pmd.SampleFrame, 1)
	s.dev.AddSampleListener(pmd.ECG, &chanListener{ch: got})
	s.Require().True(s.Peripheral.Notify(pmd.DataCharUUID,
		testutils.DataFrame(pmd.ECG, 42, pmd.ECGFrameType0, 0x10, 0x00, 0x00)))

	select {
	case frame := <-got:
		s.Equal([]int32{16}, frame.Samples32)
		s.Equal(0.0, frame.SampleTimestampMs, "the first frame MUST define the epoch")
		s.Greater(frame.EventTimeOffsetMs, 0.0)
	case <-time.After(s.TestTimeout):
		s.Fail("frame was not dispatched")
	}

	_, err = s.dev.StopECG(context.Background())
	s.Require().NoError(err)
	s.Equal(session.Idle, s.dev.SensorState(pmd.ECG))
}

func (s *DeviceBLESuite) TestFeaturesAndBattery() {
	features, err := s.dev.SupportedFeatures(context.Background())
	s.Require().NoError(err)
	s.True(features.Has(pmd.ECG))
	s.True(features.Has(pmd.ACC))
	s.False(features.Has(pmd.PPG))

	level, err := s.dev.BatteryLevel(context.Background())
	s.Require().NoError(err)
	s.Equal(uint8(87), level)
}

func (s *DeviceBLESuite) TestLinkLossResetsSession() {
	_, err := s.dev.StartACC(context.Background(), sensor.DefaultACCOptions())
	s.Require().NoError(err)

	s.Peripheral.Client.DropLink()
	s.Eventually(func() bool { return !s.dev.Connected() }, s.TestTimeout, 5*time.Millisecond,
		"link loss MUST tear the session down")
	s.False(s.dev.Streaming())

	_, err = s.dev.StartACC(context.Background(), sensor.DefaultACCOptions())
	s.ErrorIs(err, transport.ErrNotConnected)
}

func (s *DeviceBLESuite) TestCloseAfterLinkLossAllowsReconnect() {
	// GOAL: after a dropout the device can be closed and connected again
	//
	// TEST SCENARIO: ACC streaming → link lost → Close → Connect → ACC starts again
	_, err := s.dev.StartACC(context.Background(), sensor.DefaultACCOptions())
	s.Require().NoError(err)

	s.Peripheral.Client.DropLink()
	s.Eventually(func() bool { return !s.dev.Connected() }, s.TestTimeout, 5*time.Millisecond)

	s.Require().NoError(s.dev.Close())
	s.Peripheral.Client.AssertNumberOfCalls(s.T(), "CancelConnection", 1)

	s.Peripheral.Client.RestoreLink()
	s.Require().NoError(s.dev.Connect(context.Background()), "the device MUST reconnect after a dropout")
	reply, err := s.dev.StartACC(context.Background(), sensor.DefaultACCOptions())
	s.Require().NoError(err)
	s.True(reply.Error.OK())
	s.Equal(session.Started, s.dev.SensorState(pmd.ACC))
}

func TestDeviceBLESuite(t *testing.T) {
	suite.Run(t, new(DeviceBLESuite))
}

type chanListener struct {
	ch chan pmd.SampleFrame
}

func (l *chanListener) Handle(f pmd.SampleFrame) {
	select {
	case l.ch <- f:
	default:
	}
}
