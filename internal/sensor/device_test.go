package sensor_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/srg/pmdctl/internal/dispatch"
	"github.com/srg/pmdctl/internal/metrics"
	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/sensor"
	"github.com/srg/pmdctl/internal/session"
	"github.com/srg/pmdctl/internal/testutils"
	"github.com/srg/pmdctl/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func connected(t *testing.T, tr *testutils.FakeTransport, opts sensor.Options) *sensor.Device {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger, _ = testutils.CapturingLogger()
	}
	dev := sensor.New(tr, opts)
	require.NoError(t, dev.Connect(context.Background()), "connect MUST succeed on the fake transport")
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

type frames struct {
	mu  sync.Mutex
	got []pmd.SampleFrame
}

func (f *frames) Handle(frame pmd.SampleFrame) {
	f.mu.Lock()
	f.got = append(f.got, frame)
	f.mu.Unlock()
}

func (f *frames) all() []pmd.SampleFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pmd.SampleFrame(nil), f.got...)
}

func TestConnectReads(t *testing.T) {
	tr := testutils.NewFakeTransport()
	dev := connected(t, tr, sensor.Options{})

	assert.True(t, dev.Connected())
	assert.ErrorIs(t, dev.Connect(context.Background()), transport.ErrAlreadyConnected)

	features, err := dev.SupportedFeatures(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []pmd.SensorType{pmd.ECG, pmd.ACC}, features.Sensors())

	level, err := dev.BatteryLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(87), level)
}

func TestOperationsRequireConnection(t *testing.T) {
	dev := sensor.New(testutils.NewFakeTransport(), sensor.Options{})

	_, err := dev.StartECG(context.Background(), sensor.DefaultECGOptions())
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	_, err = dev.SensorSettings(context.Background(), pmd.ACC)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	_, err = dev.BatteryLevel(context.Background())
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.ErrorIs(t, dev.StartHeartRate(context.Background()), transport.ErrNotConnected)
	assert.NoError(t, dev.Close(), "closing an unconnected device MUST be a no-op")
}

func TestStartCommandsCarrySettingsInOrder(t *testing.T) {
	tr := testutils.NewFakeTransport()
	dev := connected(t, tr, sensor.Options{})

	reply, err := dev.StartECG(context.Background(), sensor.DefaultECGOptions())
	require.NoError(t, err)
	assert.True(t, reply.Error.OK())

	reply, err = dev.StartACC(context.Background(), sensor.DefaultACCOptions())
	require.NoError(t, err)
	assert.True(t, reply.Error.OK())

	assert.Equal(t, [][]byte{
		{0x02, 0x00, 0x01, 0x01, 0x0E, 0x00, 0x00, 0x01, 0x82, 0x00},
		{0x02, 0x02, 0x02, 0x01, 0x04, 0x00, 0x00, 0x01, 0x64, 0x00, 0x01, 0x01, 0x10, 0x00},
	}, tr.Written())
	assert.Equal(t, session.Started, dev.SensorState(pmd.ECG))
	assert.Equal(t, session.Started, dev.SensorState(pmd.ACC))
	assert.True(t, dev.Streaming())
}

func TestStartTwiceIsRejectedLocally(t *testing.T) {
	tr := testutils.NewFakeTransport()
	dev := connected(t, tr, sensor.Options{})

	_, err := dev.StartACC(context.Background(), sensor.DefaultACCOptions())
	require.NoError(t, err)

	_, err = dev.StartACC(context.Background(), sensor.DefaultACCOptions())
	assert.ErrorIs(t, err, session.ErrAlreadyStarted)
	assert.Len(t, tr.Written(), 1, "a rejected start MUST NOT reach the sensor")

	_, err = dev.StopECG(context.Background())
	assert.ErrorIs(t, err, session.ErrNotStarted)
	assert.Len(t, tr.Written(), 1)
}

func TestStopReturnsToIdle(t *testing.T) {
	tr := testutils.NewFakeTransport()
	dev := connected(t, tr, sensor.Options{})

	_, err := dev.StartECG(context.Background(), sensor.DefaultECGOptions())
	require.NoError(t, err)
	reply, err := dev.StopECG(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pmd.RequestMeasurementStop, reply.Command)
	assert.Equal(t, session.Idle, dev.SensorState(pmd.ECG))
	assert.False(t, dev.Streaming())
}

func TestRejectedStartLeavesSensorIdle(t *testing.T) {
	tr := testutils.NewFakeTransport()
	tr.Responder = func(cmd []byte) []byte { return testutils.ReplyTo(cmd, pmd.ErrorCode(3)) }
	dev := connected(t, tr, sensor.Options{})

	reply, err := dev.StartECG(context.Background(), sensor.DefaultECGOptions())
	require.NoError(t, err, "a protocol rejection is reported in the reply, not as an error")
	assert.Equal(t, "NOT SUPPORTED", reply.Error.String())
	assert.Equal(t, session.Idle, dev.SensorState(pmd.ECG))
}

func TestReplyForAnotherSensorIsMalformed(t *testing.T) {
	tr := testutils.NewFakeTransport()
	tr.Responder = func(cmd []byte) []byte {
		return []byte{0xF0, cmd[0], byte(pmd.PPG), 0x00, 0x00}
	}
	dev := connected(t, tr, sensor.Options{})

	_, err := dev.StartACC(context.Background(), sensor.DefaultACCOptions())
	assert.ErrorIs(t, err, pmd.ErrMalformedFrame)
	assert.Equal(t, session.Idle, dev.SensorState(pmd.ACC))
}

func TestRequestTimeoutRollsBack(t *testing.T) {
	tr := testutils.NewFakeTransport()
	tr.Responder = func([]byte) []byte { return nil }
	dev := connected(t, tr, sensor.Options{RequestTimeout: 30 * time.Millisecond})

	_, err := dev.StartECG(context.Background(), sensor.DefaultECGOptions())
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, session.Idle, dev.SensorState(pmd.ECG), "a timed out start MUST roll back")

	tr.SetResponder(func(cmd []byte) []byte { return testutils.ReplyTo(cmd, pmd.Success) })
	_, err = dev.StartECG(context.Background(), sensor.DefaultECGOptions())
	assert.NoError(t, err, "the request slot MUST be free after a timeout")
}

func TestWriteFailureRollsBack(t *testing.T) {
	tr := testutils.NewFakeTransport()
	tr.WriteErr = errors.New("att: write failed")
	dev := connected(t, tr, sensor.Options{})

	_, err := dev.StartACC(context.Background(), sensor.DefaultACCOptions())
	assert.ErrorContains(t, err, "att: write failed")
	assert.Equal(t, session.Idle, dev.SensorState(pmd.ACC))
}

func TestLinkLossFailsPendingRequest(t *testing.T) {
	// GOAL: a request waiting for its reply fails as soon as the link drops
	//
	// TEST SCENARIO: silent sensor → start in flight → link lost → ErrNotConnected
	tr := testutils.NewFakeTransport()
	tr.Responder = func([]byte) []byte { return nil }
	dev := connected(t, tr, sensor.Options{RequestTimeout: time.Minute})

	errCh := make(chan error, 1)
	go func() {
		_, err := dev.StartECG(context.Background(), sensor.DefaultECGOptions())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(tr.Written()) == 1 }, waitFor, 5*time.Millisecond)

	tr.DropLink()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transport.ErrNotConnected)
	case <-time.After(waitFor):
		t.Fatal("pending start MUST fail on link loss")
	}
	assert.Eventually(t, func() bool { return !dev.Connected() }, waitFor, 5*time.Millisecond)
	assert.Equal(t, session.Idle, dev.SensorState(pmd.ECG))

	assert.Equal(t, 1, tr.Disconnects(), "a lost link MUST be released")

	require.NoError(t, dev.Connect(context.Background()), "the device MUST reconnect after link loss")
	assert.Equal(t, 2, tr.Connects())
}

func TestCloseAfterLinkLossReleasesTransport(t *testing.T) {
	// GOAL: Close after a dropout still disconnects the transport and the
	// device can be connected again
	//
	// TEST SCENARIO: streaming → link lost → Close → Connect → start works
	tr := testutils.NewFakeTransport()
	dev := connected(t, tr, sensor.Options{})
	_, err := dev.StartECG(context.Background(), sensor.DefaultECGOptions())
	require.NoError(t, err)

	tr.DropLink()
	require.Eventually(t, func() bool { return !dev.Connected() }, waitFor, 5*time.Millisecond)

	require.NoError(t, dev.Close())
	assert.Equal(t, 2, tr.Disconnects(), "close MUST disconnect even after link loss")
	require.NoError(t, dev.Close(), "close MUST be idempotent")

	require.NoError(t, dev.Connect(context.Background()))
	reply, err := dev.StartECG(context.Background(), sensor.DefaultECGOptions())
	require.NoError(t, err)
	assert.True(t, reply.Error.OK())
	assert.Equal(t, session.Started, dev.SensorState(pmd.ECG))
}

func TestConcurrentRequestsAreSerialised(t *testing.T) {
	tr := testutils.NewFakeTransport()
	dev := connected(t, tr, sensor.Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := dev.StartECG(context.Background(), sensor.DefaultECGOptions())
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := dev.StartACC(context.Background(), sensor.DefaultACCOptions())
		errs <- err
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, tr.Written(), 2)
	assert.ElementsMatch(t, []pmd.SensorType{pmd.ECG, pmd.ACC}, []pmd.SensorType{
		pmd.SensorType(tr.Written()[0][1]), pmd.SensorType(tr.Written()[1][1]),
	})
}

func TestSensorSettings(t *testing.T) {
	tr := testutils.NewFakeTransport()
	tr.Responder = func(cmd []byte) []byte {
		if pmd.Command(cmd[0]) == pmd.GetMeasurementSettings {
			return []byte{0xF0, 0x01, cmd[1], 0x00, 0x00,
				0x00, 0x02, 0x19, 0x00, 0x32, 0x00, // SAMPLE_RATE 25, 50
				0x01, 0x01, 0x10, 0x00, // RESOLUTION 16
			}
		}
		return testutils.ReplyTo(cmd, pmd.Success)
	}
	dev := connected(t, tr, sensor.Options{})

	settings, err := dev.SensorSettings(context.Background(), pmd.ACC)
	require.NoError(t, err)
	assert.Equal(t, pmd.ACC, settings.Sensor)
	assert.Equal(t, []uint16{25, 50}, settings.Uint16s(pmd.SampleRate))
	assert.Equal(t, []uint16{16}, settings.Uint16s(pmd.Resolution))

	_, err = dev.StartACC(context.Background(), sensor.DefaultACCOptions())
	require.NoError(t, err)
	_, err = dev.SensorSettings(context.Background(), pmd.ECG)
	assert.ErrorIs(t, err, session.ErrStreaming)
	assert.Len(t, tr.Written(), 2, "settings MUST NOT be queried while streaming")

	_, err = dev.SensorSettings(context.Background(), pmd.SensorType(4))
	assert.ErrorIs(t, err, session.ErrUnknownSensor)
}

func TestFramesAreTimestampedAndDispatched(t *testing.T) {
	tr := testutils.NewFakeTransport()
	dev := connected(t, tr, sensor.Options{})

	ecg := &frames{}
	acc := &frames{}
	require.True(t, dev.AddSampleListener(pmd.ECG, ecg))
	require.False(t, dev.AddSampleListener(pmd.ECG, ecg), "adding a listener twice MUST be a no-op")
	require.True(t, dev.AddSampleListener(pmd.ACC, acc))

	const t0 = uint64(599_000_000_000)
	require.True(t, tr.PushData(testutils.DataFrame(pmd.ECG, t0, pmd.ECGFrameType0, 0x01, 0x00, 0x00, 0xFF, 0xFF, 0xFF)))
	require.True(t, tr.PushData(testutils.DataFrame(pmd.ECG, t0+5_000_000, pmd.ECGFrameType0, 0x02, 0x00, 0x00)))
	require.True(t, tr.PushData(testutils.DataFrame(pmd.ACC, t0+7_500_000, pmd.ACCFrameType1, 0x01, 0x00, 0xFE, 0xFF, 0x03, 0x00)))

	got := ecg.all()
	require.Len(t, got, 2)
	assert.Equal(t, []int32{1, -1}, got[0].Samples32)
	assert.Equal(t, 0.0, got[0].SampleTimestampMs)
	assert.Equal(t, 5.0, got[1].SampleTimestampMs)
	assert.Equal(t, 0.0, got[1].PrevSampleTimestampMs)
	assert.Equal(t, got[0].EventTimeOffsetMs, got[1].EventTimeOffsetMs)

	accGot := acc.all()
	require.Len(t, accGot, 1)
	assert.Equal(t, []int16{1, -2, 3}, accGot[0].Samples16)
	assert.Equal(t, 7.5, accGot[0].SampleTimestampMs)

	require.True(t, dev.RemoveSampleListener(pmd.ECG, ecg))
	tr.PushData(testutils.DataFrame(pmd.ECG, t0+10_000_000, pmd.ECGFrameType0))
	assert.Len(t, ecg.all(), 2, "removed listeners MUST NOT receive frames")
}

func TestMalformedFramesAreDropped(t *testing.T) {
	collector := metrics.New()
	tr := testutils.NewFakeTransport()
	dev := connected(t, tr, sensor.Options{Metrics: collector})

	ecg := &frames{}
	dev.AddSampleListener(pmd.ECG, ecg)
	tr.PushData([]byte{0x00, 0x01, 0x02})
	tr.PushData(testutils.DataFrame(pmd.ECG, 1, pmd.ECGFrameType0, 0x01, 0x02))
	require.NoError(t, dev.StartHeartRate(context.Background()))
	tr.PushHeartRate([]byte{0x01})
	assert.Empty(t, ecg.all())

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `pmdctl_pmd_malformed_frames_total{endpoint="data"} 2`)
	assert.Contains(t, rec.Body.String(), `pmdctl_pmd_malformed_frames_total{endpoint="heart_rate"} 1`)
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	logger, logs := testutils.CapturingLogger()
	tr := testutils.NewFakeTransport()
	dev := connected(t, tr, sensor.Options{Logger: logger})

	dev.AddSampleListener(pmd.ACC, dispatch.Func(func(pmd.SampleFrame) { panic("listener bug") }))
	good := &frames{}
	dev.AddSampleListener(pmd.ACC, good)

	assert.NotPanics(t, func() {
		tr.PushData(testutils.DataFrame(pmd.ACC, 1, pmd.ACCFrameType1, 0x01, 0x00))
	})
	assert.Len(t, good.all(), 1, "listeners after a panicking one MUST still be called")
	assert.Contains(t, logs.String(), "Listener panicked")
}

func TestHeartRate(t *testing.T) {
	tr := testutils.NewFakeTransport()
	dev := connected(t, tr, sensor.Options{})

	var mu sync.Mutex
	var samples []pmd.HeartRateSample
	listener := dispatch.Func(func(s pmd.HeartRateSample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	})
	dev.AddHeartRateListener(listener)

	require.NoError(t, dev.StartHeartRate(context.Background()))
	assert.True(t, dev.HeartRateActive())
	assert.ErrorIs(t, dev.StartHeartRate(context.Background()), session.ErrAlreadyStarted)
	assert.Empty(t, tr.Written(), "heart rate MUST NOT use the control point")

	require.True(t, tr.PushHeartRate([]byte{0x10, 72, 0x00, 0x04}))
	mu.Lock()
	require.Len(t, samples, 1)
	assert.Equal(t, uint16(72), samples[0].BPM)
	assert.Equal(t, []float64{1000}, samples[0].RRIntervalsMs)
	mu.Unlock()

	require.NoError(t, dev.StopHeartRate())
	assert.False(t, tr.HeartRateSubscribed())
	assert.ErrorIs(t, dev.StopHeartRate(), session.ErrNotStarted)
	assert.True(t, dev.RemoveHeartRateListener(listener))
}

func TestFailedHeartRateStopCanBeRetried(t *testing.T) {
	// GOAL: a failed unsubscribe leaves heart rate running so the stop can be retried
	//
	// TEST SCENARIO: HR on → unsubscribe fails → still active → unsubscribe ok → idle
	tr := testutils.NewFakeTransport()
	dev := connected(t, tr, sensor.Options{})
	require.NoError(t, dev.StartHeartRate(context.Background()))

	tr.SetUnsubscribeErr(errors.New("att: unlikely error"))
	assert.ErrorContains(t, dev.StopHeartRate(), "att: unlikely error")
	assert.True(t, dev.HeartRateActive(), "heart rate MUST stay active when unsubscribe fails")
	assert.True(t, tr.HeartRateSubscribed())

	tr.SetUnsubscribeErr(nil)
	require.NoError(t, dev.StopHeartRate(), "the stop MUST be retryable")
	assert.False(t, dev.HeartRateActive())
	assert.False(t, tr.HeartRateSubscribed())
}

func TestHeartRateSubscribeDoesNotHoldDeviceLock(t *testing.T) {
	// GOAL: a slow heart rate subscribe does not block state readers
	//
	// TEST SCENARIO: subscribe blocked → Connected() answers, second start rejected → release → active
	tr := testutils.NewFakeTransport()
	gate := make(chan struct{})
	tr.HeartRateGate = gate
	dev := connected(t, tr, sensor.Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- dev.StartHeartRate(context.Background()) }()

	require.Eventually(t, func() bool {
		return errors.Is(dev.StartHeartRate(context.Background()), session.ErrAlreadyStarted)
	}, waitFor, 5*time.Millisecond, "a start in progress MUST reject another start")
	assert.True(t, dev.Connected())
	assert.False(t, dev.HeartRateActive(), "heart rate MUST NOT be active before the subscribe completes")

	close(gate)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("StartHeartRate MUST return once the subscribe completes")
	}
	assert.True(t, dev.HeartRateActive())
}

func TestUnsolicitedControlNotificationIsDropped(t *testing.T) {
	logger, logs := testutils.CapturingLogger()
	tr := testutils.NewFakeTransport()
	connected(t, tr, sensor.Options{Logger: logger})

	assert.True(t, tr.PushControl([]byte{0xF0, 0x02, 0x00, 0x00, 0x00}))
	assert.Contains(t, logs.String(), "unsolicited")
}

func TestStopAll(t *testing.T) {
	tr := testutils.NewFakeTransport()
	dev := connected(t, tr, sensor.Options{})

	_, err := dev.StartECG(context.Background(), sensor.DefaultECGOptions())
	require.NoError(t, err)
	_, err = dev.StartACC(context.Background(), sensor.DefaultACCOptions())
	require.NoError(t, err)
	require.NoError(t, dev.StartHeartRate(context.Background()))

	require.NoError(t, dev.StopAll(context.Background()))
	assert.False(t, dev.Streaming())
	assert.False(t, dev.HeartRateActive())
	assert.Equal(t, []byte{0x03, 0x00}, tr.Written()[2])
	assert.Equal(t, []byte{0x03, 0x02}, tr.Written()[3])
}

func TestCloseResetsState(t *testing.T) {
	tr := testutils.NewFakeTransport()
	dev := sensor.New(tr, sensor.Options{})
	require.NoError(t, dev.Connect(context.Background()))

	listener := &frames{}
	dev.AddSampleListener(pmd.ECG, listener)
	_, err := dev.StartECG(context.Background(), sensor.DefaultECGOptions())
	require.NoError(t, err)

	require.NoError(t, dev.Close())
	assert.False(t, dev.Connected())
	assert.False(t, dev.Streaming())
	assert.False(t, dev.RemoveSampleListener(pmd.ECG, listener), "close MUST drop registered listeners")

	_, err = dev.StartECG(context.Background(), sensor.DefaultECGOptions())
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}
