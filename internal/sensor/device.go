// Package sensor is the device facade of the PMD engine.
//
// A Device drives one connected sensor: it issues control point commands one
// at a time, keeps the per-sensor measurement state, correlates device clock
// timestamps and fans decoded frames out to listeners.
//
//	dev := sensor.New(goble.New(goble.Options{Address: addr}), sensor.Options{})
//	if err := dev.Connect(ctx); err != nil { ... }
//	defer dev.Close()
//
//	dev.AddSampleListener(pmd.ECG, dispatch.Func(func(f pmd.SampleFrame) { ... }))
//	reply, err := dev.StartECG(ctx, sensor.DefaultECGOptions())
package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/pmdctl/internal/dispatch"
	"github.com/srg/pmdctl/internal/groutine"
	"github.com/srg/pmdctl/internal/metrics"
	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/session"
	"github.com/srg/pmdctl/internal/timesync"
	"github.com/srg/pmdctl/internal/transport"
)

// DefaultRequestTimeout bounds the wait for a control point reply.
const DefaultRequestTimeout = 5 * time.Second

// Options configures a Device.
type Options struct {
	RequestTimeout time.Duration
	Logger         *logrus.Logger
	Metrics        *metrics.Collector
}

// ECGOptions are the settings sent with an ECG start command.
type ECGOptions struct {
	SampleRate uint16
	Resolution uint16
}

// DefaultECGOptions returns 130 Hz at 14 bit.
func DefaultECGOptions() ECGOptions {
	return ECGOptions{SampleRate: 130, Resolution: 14}
}

// ACCOptions are the settings sent with an ACC start command.
type ACCOptions struct {
	RangeG     uint16
	SampleRate uint16
	Resolution uint16
}

// DefaultACCOptions returns ±4 G at 100 Hz and 16 bit.
func DefaultACCOptions() ACCOptions {
	return ACCOptions{RangeG: 4, SampleRate: 100, Resolution: 16}
}

// Device is the facade over one sensor connection.
type Device struct {
	tr             transport.Transport
	logger         *logrus.Logger
	metrics        *metrics.Collector
	requestTimeout time.Duration

	// sem serialises control point requests; callers queue on it.
	sem chan struct{}

	mu          sync.Mutex
	connected   bool
	heartRate   session.State
	machine     *session.Machine
	watchCancel context.CancelFunc

	pending    *session.Pending
	clock      *timesync.Correlator
	dispatcher *dispatch.Dispatcher
}

// New returns an unconnected Device on tr.
func New(tr transport.Transport, opts Options) *Device {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Device{
		tr:             tr,
		logger:         logger,
		metrics:        opts.Metrics,
		requestTimeout: timeout,
		sem:            make(chan struct{}, 1),
		machine:        session.NewMachine(),
		pending:        session.NewPending(),
		clock:          timesync.New(),
		dispatcher:     dispatch.New(logger),
	}
}

// ----------------------------
// Connection lifecycle
// ----------------------------

// Connect opens the transport and enables control point and data
// notifications.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	d.mu.Unlock()

	if err := d.tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := d.tr.SubscribeControl(d.onControl); err != nil {
		_ = d.tr.Disconnect()
		return fmt.Errorf("subscribe control point: %w", err)
	}
	if err := d.tr.SubscribeData(d.onData); err != nil {
		_ = d.tr.Disconnect()
		return fmt.Errorf("subscribe data: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.connected = true
	d.heartRate = session.Idle
	d.machine.Reset()
	d.watchCancel = cancel
	d.mu.Unlock()
	d.clock.Reset()

	disconnected := d.tr.Disconnected()
	groutine.Go(watchCtx, "pmd-link-watch", func(ctx context.Context) {
		select {
		case <-disconnected:
			d.logger.Warn("Sensor link lost")
			if err := d.tr.Disconnect(); err != nil {
				d.logger.WithField("error", err).Debug("Releasing lost link failed")
			}
			d.teardown(transport.ErrNotConnected)
		case <-ctx.Done():
		}
	})

	d.logger.Info("PMD session established")
	return nil
}

// Close fails any pending request, disconnects the transport and resets all
// connection state, including registered listeners. The transport is released
// even when the link was already lost, and closing twice is harmless.
func (d *Device) Close() error {
	d.mu.Lock()
	wasConnected := d.connected
	d.mu.Unlock()

	d.teardown(transport.ErrNotConnected)
	d.dispatcher.Clear()

	if err := d.tr.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if wasConnected {
		d.logger.Info("PMD session closed")
	}
	return nil
}

// teardown resets per-connection state and fails the outstanding request.
func (d *Device) teardown(cause error) {
	d.mu.Lock()
	d.connected = false
	d.heartRate = session.Idle
	d.machine.Reset()
	cancel := d.watchCancel
	d.watchCancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if req := d.pending.Fail(cause); req != nil {
		d.logger.WithFields(logrus.Fields{
			"command": req.Command,
			"sensor":  req.Sensor,
		}).Debug("Pending request failed by disconnect")
	}
	d.clock.Reset()
}

// Connected reports whether the session is up.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Disconnected is closed when the link drops or the device is closed.
func (d *Device) Disconnected() <-chan struct{} {
	return d.tr.Disconnected()
}

// ----------------------------
// Reads
// ----------------------------

// BatteryLevel reads the battery level in percent.
func (d *Device) BatteryLevel(ctx context.Context) (uint8, error) {
	if !d.Connected() {
		return 0, transport.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()
	level, err := d.tr.ReadBattery(ctx)
	if err != nil {
		return 0, fmt.Errorf("battery level: %w", err)
	}
	return level, nil
}

// SupportedFeatures reads the measurement types the sensor supports.
func (d *Device) SupportedFeatures(ctx context.Context) (pmd.Features, error) {
	if !d.Connected() {
		return 0, transport.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()
	buf, err := d.tr.ReadControl(ctx)
	if err != nil {
		return 0, fmt.Errorf("supported features: %w", err)
	}
	features, err := pmd.DecodeFeatures(buf)
	if err != nil {
		d.metrics.FrameMalformed(metrics.EndpointFeatures)
		return 0, err
	}
	return features, nil
}

// ----------------------------
// Control point requests
// ----------------------------

// SensorSettings queries the settings sensor supports. It is rejected with
// session.ErrStreaming while any measurement is running.
func (d *Device) SensorSettings(ctx context.Context, sensor pmd.SensorType) (pmd.SettingsReply, error) {
	if !sensor.Valid() {
		return pmd.SettingsReply{}, fmt.Errorf("%w: %s", session.ErrUnknownSensor, sensor)
	}
	guard := func() error {
		if d.machine.Streaming() {
			return session.ErrStreaming
		}
		return nil
	}
	reply, err := d.request(ctx, pmd.GetMeasurementSettings, sensor, pmd.EncodeGetSettings(sensor), guard)
	if err != nil {
		return pmd.SettingsReply{}, err
	}
	settings, err := pmd.DecodeSettingsReply(reply.Data)
	if err != nil {
		d.metrics.FrameMalformed(metrics.EndpointControl)
		return pmd.SettingsReply{}, fmt.Errorf("settings reply: %w", err)
	}
	if settings.Sensor != sensor {
		d.logger.WithFields(logrus.Fields{
			"requested": sensor,
			"replied":   settings.Sensor,
		}).Warn("Settings reply names a different sensor")
	}
	return settings, nil
}

// StartSensor sends a start command for sensor with the given settings.
// A protocol rejection is returned in the reply's Error with a nil error.
func (d *Device) StartSensor(ctx context.Context, sensor pmd.SensorType, settings ...pmd.SettingValue) (pmd.ControlReply, error) {
	d.mu.Lock()
	err := d.ensureConnected()
	if err == nil {
		err = d.machine.BeginStart(sensor)
	}
	d.mu.Unlock()
	if err != nil {
		return pmd.ControlReply{}, err
	}

	reply, err := d.request(ctx, pmd.RequestMeasurementStart, sensor, pmd.EncodeStart(sensor, settings...), nil)
	if err != nil {
		d.abort(sensor)
		return pmd.ControlReply{}, err
	}
	ctrl, err := d.decodeControl(reply, pmd.RequestMeasurementStart, sensor)
	if err != nil {
		d.abort(sensor)
		return pmd.ControlReply{}, err
	}

	d.mu.Lock()
	state := d.machine.CompleteStart(sensor, ctrl.Error)
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"sensor": sensor,
		"status": ctrl.Error,
		"state":  state,
	}).Info("Measurement start answered")
	return ctrl, nil
}

// StopSensor sends a stop command for sensor.
func (d *Device) StopSensor(ctx context.Context, sensor pmd.SensorType) (pmd.ControlReply, error) {
	d.mu.Lock()
	err := d.ensureConnected()
	if err == nil {
		err = d.machine.BeginStop(sensor)
	}
	d.mu.Unlock()
	if err != nil {
		return pmd.ControlReply{}, err
	}

	reply, err := d.request(ctx, pmd.RequestMeasurementStop, sensor, pmd.EncodeStop(sensor), nil)
	if err != nil {
		d.abort(sensor)
		return pmd.ControlReply{}, err
	}
	ctrl, err := d.decodeControl(reply, pmd.RequestMeasurementStop, sensor)
	if err != nil {
		d.abort(sensor)
		return pmd.ControlReply{}, err
	}

	d.mu.Lock()
	state := d.machine.CompleteStop(sensor, ctrl.Error)
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"sensor": sensor,
		"status": ctrl.Error,
		"state":  state,
	}).Info("Measurement stop answered")
	return ctrl, nil
}

// StartECG starts the ECG stream.
func (d *Device) StartECG(ctx context.Context, opts ECGOptions) (pmd.ControlReply, error) {
	return d.StartSensor(ctx, pmd.ECG,
		pmd.SettingValue{Type: pmd.Resolution, Value: opts.Resolution},
		pmd.SettingValue{Type: pmd.SampleRate, Value: opts.SampleRate},
	)
}

// StopECG stops the ECG stream.
func (d *Device) StopECG(ctx context.Context) (pmd.ControlReply, error) {
	return d.StopSensor(ctx, pmd.ECG)
}

// StartACC starts the accelerometer stream.
func (d *Device) StartACC(ctx context.Context, opts ACCOptions) (pmd.ControlReply, error) {
	return d.StartSensor(ctx, pmd.ACC,
		pmd.SettingValue{Type: pmd.RangePNUnit, Value: opts.RangeG},
		pmd.SettingValue{Type: pmd.SampleRate, Value: opts.SampleRate},
		pmd.SettingValue{Type: pmd.Resolution, Value: opts.Resolution},
	)
}

// StopACC stops the accelerometer stream.
func (d *Device) StopACC(ctx context.Context) (pmd.ControlReply, error) {
	return d.StopSensor(ctx, pmd.ACC)
}

// SensorState returns the measurement state of sensor.
func (d *Device) SensorState(sensor pmd.SensorType) session.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.State(sensor)
}

// Streaming reports whether any measurement is not idle.
func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.Streaming()
}

// StopAll stops every started measurement and heart rate notifications,
// returning the first error.
func (d *Device) StopAll(ctx context.Context) error {
	d.mu.Lock()
	active := d.machine.Active()
	d.mu.Unlock()

	var errs []error
	for _, s := range active {
		if d.SensorState(s) != session.Started {
			continue
		}
		reply, err := d.StopSensor(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s, err))
		} else if !reply.Error.OK() {
			errs = append(errs, fmt.Errorf("stop %s: %s", s, reply.Error))
		}
	}
	if d.HeartRateActive() {
		if err := d.StopHeartRate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// request performs one control point round trip. guard, when set, is checked
// under the state mutex once the caller holds the request slot.
func (d *Device) request(ctx context.Context, cmd pmd.Command, sensor pmd.SensorType, payload []byte, guard func() error) (session.Reply, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return session.Reply{}, ctx.Err()
	}
	defer func() { <-d.sem }()

	d.mu.Lock()
	err := d.ensureConnected()
	if err == nil && guard != nil {
		err = guard()
	}
	d.mu.Unlock()
	if err != nil {
		return session.Reply{}, err
	}

	req, err := d.pending.Acquire(cmd, sensor)
	if err != nil {
		return session.Reply{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	log := d.logger.WithFields(logrus.Fields{
		"command": cmd,
		"sensor":  sensor,
	})
	log.WithField("data", fmt.Sprintf("% x", payload)).Debug("Sending control request")

	if err := d.tr.WriteControl(ctx, payload); err != nil {
		d.pending.Release(req)
		d.metrics.ControlRequest(cmd.String(), "write_error", time.Since(req.IssuedAt))
		return session.Reply{}, fmt.Errorf("%s %s: %w", cmd, sensor, err)
	}

	reply, err := req.Wait(ctx)
	if err != nil {
		d.pending.Release(req)
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
			err = fmt.Errorf("%w: no reply within %v", transport.ErrTimeout, d.requestTimeout)
		}
		d.metrics.ControlRequest(cmd.String(), result, time.Since(req.IssuedAt))
		log.WithField("error", err).Warn("Control request failed")
		return session.Reply{}, fmt.Errorf("%s %s: %w", cmd, sensor, err)
	}

	elapsed := reply.ReceivedAt.Sub(req.IssuedAt)
	d.metrics.ControlRequest(cmd.String(), "replied", elapsed)
	log.WithFields(logrus.Fields{
		"data":    fmt.Sprintf("% x", reply.Data),
		"elapsed": elapsed,
	}).Debug("Control reply received")
	return reply, nil
}

func (d *Device) decodeControl(reply session.Reply, cmd pmd.Command, sensor pmd.SensorType) (pmd.ControlReply, error) {
	ctrl, err := pmd.DecodeControlReply(reply.Data)
	if err != nil {
		d.metrics.FrameMalformed(metrics.EndpointControl)
		return pmd.ControlReply{}, fmt.Errorf("%s %s reply: %w", cmd, sensor, err)
	}
	if ctrl.Command != cmd || ctrl.Sensor != sensor {
		d.metrics.FrameMalformed(metrics.EndpointControl)
		return pmd.ControlReply{}, fmt.Errorf("%w: %s %s answered as %s %s", pmd.ErrMalformedFrame, cmd, sensor, ctrl.Command, ctrl.Sensor)
	}
	return ctrl, nil
}

func (d *Device) abort(sensor pmd.SensorType) {
	d.mu.Lock()
	state := d.machine.Abort(sensor)
	d.mu.Unlock()
	d.logger.WithFields(logrus.Fields{
		"sensor": sensor,
		"state":  state,
	}).Debug("Measurement transition rolled back")
}

// ensureConnected must be called with d.mu held.
func (d *Device) ensureConnected() error {
	if !d.connected {
		return transport.ErrNotConnected
	}
	return nil
}
