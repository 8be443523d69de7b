package sensor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/pmdctl/internal/dispatch"
	"github.com/srg/pmdctl/internal/metrics"
	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/session"
	"github.com/srg/pmdctl/internal/transport"
)

// ----------------------------
// Notification handlers
// ----------------------------

// onControl resolves the outstanding request with the reply. The control
// point carries no request id, so any reply belongs to the request in flight.
func (d *Device) onControl(n transport.Notification) {
	reply := session.Reply{Data: n.Data, ReceivedAt: n.ReceivedAt}
	if req := d.pending.Resolve(reply); req == nil {
		d.logger.WithField("data", fmt.Sprintf("% x", n.Data)).Debug("Dropping unsolicited control point notification")
	}
}

// onData decodes a PMD data frame and dispatches it on the calling goroutine.
func (d *Device) onData(n transport.Notification) {
	frame, err := pmd.DecodeSampleFrame(n.Data, n.ReceivedAt, d.clock)
	if err != nil {
		d.metrics.FrameMalformed(metrics.EndpointData)
		d.logger.WithFields(logrus.Fields{
			"error": err,
			"len":   len(n.Data),
		}).Debug("Dropping malformed data frame")
		return
	}
	d.metrics.FrameDecoded(frame.Sensor.String(), frame.Len())
	d.dispatcher.DispatchSample(frame)
}

// onHeartRate decodes a Heart Rate Measurement and dispatches it.
func (d *Device) onHeartRate(n transport.Notification) {
	sample, err := pmd.DecodeHeartRate(n.Data, n.ReceivedAt)
	if err != nil {
		d.metrics.FrameMalformed(metrics.EndpointHeartRate)
		d.logger.WithFields(logrus.Fields{
			"error": err,
			"len":   len(n.Data),
		}).Debug("Dropping malformed heart rate measurement")
		return
	}
	d.metrics.HeartRate(sample.BPM)
	d.dispatcher.DispatchHeartRate(sample)
}

// ----------------------------
// Heart rate
// ----------------------------

// StartHeartRate enables Heart Rate Measurement notifications. It involves no
// PMD command. The subscription is made without holding the device lock.
func (d *Device) StartHeartRate(ctx context.Context) error {
	d.mu.Lock()
	if err := d.ensureConnected(); err != nil {
		d.mu.Unlock()
		return err
	}
	if d.heartRate != session.Idle {
		state := d.heartRate
		d.mu.Unlock()
		return fmt.Errorf("%w: heart rate is %s", session.ErrAlreadyStarted, state)
	}
	if err := ctx.Err(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.heartRate = session.Starting
	d.mu.Unlock()

	err := d.tr.SubscribeHeartRate(d.onHeartRate)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.heartRate != session.Starting {
		// teardown ran while subscribing
		return transport.ErrNotConnected
	}
	if err != nil {
		d.heartRate = session.Idle
		return fmt.Errorf("start heart rate: %w", err)
	}
	d.heartRate = session.Started
	d.logger.Info("Heart rate notifications enabled")
	return nil
}

// StopHeartRate disables Heart Rate Measurement notifications. If the
// unsubscribe fails the measurement stays started so the call can be retried.
func (d *Device) StopHeartRate() error {
	d.mu.Lock()
	if d.heartRate != session.Started {
		state := d.heartRate
		d.mu.Unlock()
		return fmt.Errorf("%w: heart rate is %s", session.ErrNotStarted, state)
	}
	d.heartRate = session.Stopping
	d.mu.Unlock()

	err := d.tr.UnsubscribeHeartRate()
	if errors.Is(err, transport.ErrNotConnected) {
		err = nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.heartRate != session.Stopping {
		return nil
	}
	if err != nil {
		d.heartRate = session.Started
		return fmt.Errorf("stop heart rate: %w", err)
	}
	d.heartRate = session.Idle
	d.logger.Info("Heart rate notifications disabled")
	return nil
}

// HeartRateActive reports whether heart rate notifications are enabled.
func (d *Device) HeartRateActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heartRate == session.Started
}

// ----------------------------
// Listeners
// ----------------------------

// AddSampleListener registers h for frames of sensor. Adding the same handler
// twice has no effect; it reports whether h was added.
func (d *Device) AddSampleListener(sensor pmd.SensorType, h dispatch.SampleHandler) bool {
	return d.dispatcher.AddSampleListener(sensor, h)
}

// RemoveSampleListener unregisters h and reports whether it was registered.
func (d *Device) RemoveSampleListener(sensor pmd.SensorType, h dispatch.SampleHandler) bool {
	return d.dispatcher.RemoveSampleListener(sensor, h)
}

// ClearSampleListeners unregisters every listener of sensor.
func (d *Device) ClearSampleListeners(sensor pmd.SensorType) {
	d.dispatcher.ClearSampleListeners(sensor)
}

// AddHeartRateListener registers h for heart rate measurements.
func (d *Device) AddHeartRateListener(h dispatch.HeartRateHandler) bool {
	return d.dispatcher.AddHeartRateListener(h)
}

// RemoveHeartRateListener unregisters h and reports whether it was registered.
func (d *Device) RemoveHeartRateListener(h dispatch.HeartRateHandler) bool {
	return d.dispatcher.RemoveHeartRateListener(h)
}

// ClearHeartRateListeners unregisters every heart rate listener.
func (d *Device) ClearHeartRateListeners() {
	d.dispatcher.ClearHeartRateListeners()
}
