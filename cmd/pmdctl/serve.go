package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pmdctl/internal/dispatch"
	"github.com/srg/pmdctl/internal/groutine"
	"github.com/srg/pmdctl/internal/metrics"
	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/sensor"
	"github.com/srg/pmdctl/internal/sink"
	"github.com/srg/pmdctl/internal/stream"
)

const shutdownTimeout = 5 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve [device-address]",
	Short: "Serve live sensor data over websocket and Redis",
	Long: fmt.Sprintf(`Connects to the sensor, starts the selected measurements and serves them
until interrupted:

  /ws       websocket, one JSON event per message
  /status   connected clients and sensor state
  /metrics  Prometheus metrics

With --redis every event is also published to a Redis pub/sub channel.

Examples:
  pmdctl serve %s --listen :8080
  pmdctl serve %s --redis localhost:6379 --redis-channel polar

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

var (
	serveListen       string
	serveRedisAddr    string
	serveRedisChannel string
	serveSensors      string
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (default from config, :8080)")
	serveCmd.Flags().StringVar(&serveRedisAddr, "redis", "", "Redis address; publishing is disabled when empty")
	serveCmd.Flags().StringVar(&serveRedisChannel, "redis-channel", "", "Redis pub/sub channel (default from config, pmd)")
	serveCmd.Flags().StringVar(&serveSensors, "sensors", "ecg,acc,hr", "Measurements to serve, comma-separated: ecg, acc, hr")
}

// sensorStatus is the sensor part of /status.
type sensorStatus struct {
	Address      string            `json:"address"`
	Connected    bool              `json:"connected"`
	HeartRate    bool              `json:"heart_rate"`
	Measurements map[string]string `json:"measurements"`
}

func statusOf(dev *sensor.Device, address string) stream.StatusFunc {
	return func() any {
		st := sensorStatus{
			Address:      address,
			Connected:    dev.Connected(),
			HeartRate:    dev.HeartRateActive(),
			Measurements: make(map[string]string),
		}
		for _, s := range []pmd.SensorType{pmd.ECG, pmd.ACC} {
			st.Measurements[s.String()] = dev.SensorState(s).String()
		}
		return st
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	set, err := parseMeasurements(serveSensors)
	if err != nil {
		return err
	}
	env, err := newCommandEnv(cmd, args)
	if err != nil {
		return err
	}
	if serveListen != "" {
		env.cfg.Serve.Listen = serveListen
	}
	if serveRedisAddr != "" {
		env.cfg.Redis.Addr = serveRedisAddr
	}
	if serveRedisChannel != "" {
		env.cfg.Redis.Channel = serveRedisChannel
	}
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.New()
	hub := stream.NewHub(stream.HubOptions{
		QueueSize: env.cfg.Serve.ClientQueue,
		Logger:    env.logger,
		Metrics:   collector,
	})
	defer hub.Close()

	var redisSink *sink.Redis
	if env.cfg.Redis.Addr != "" {
		redisSink = sink.NewRedis(sink.Options{
			Addr:     env.cfg.Redis.Addr,
			Password: env.cfg.Redis.Password,
			DB:       env.cfg.Redis.DB,
			Channel:  env.cfg.Redis.Channel,
			Logger:   env.logger,
			Metrics:  collector,
		})
		if err := redisSink.Start(ctx); err != nil {
			_ = redisSink.Close()
			return err
		}
		defer redisSink.Close()
	}

	dev, err := env.connect(ctx, cmd, collector)
	if err != nil {
		return err
	}
	defer dev.Close()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              env.cfg.Serve.Listen,
		Handler:           stream.NewRouter(hub, collector, statusOf(dev, env.address), env.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	groutine.Go(ctx, "http-server", func(ctx context.Context) {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Close()
		if err := srv.Shutdown(sctx); err != nil {
			env.logger.WithError(err).Warn("HTTP server shutdown failed")
		}
	}()

	frames := dispatch.Func(func(f pmd.SampleFrame) {
		hub.OnFrame(f)
		if redisSink != nil {
			redisSink.OnFrame(f)
		}
	})
	heartRate := dispatch.Func(func(s pmd.HeartRateSample) {
		hub.OnHeartRate(s)
		if redisSink != nil {
			redisSink.OnHeartRate(s)
		}
	})
	if err := startMeasurements(ctx, dev, env, set, frames, heartRate); err != nil {
		stopAfterFailure(dev, env)
		return err
	}

	env.logger.WithFields(logrus.Fields{
		"listen": env.cfg.Serve.Listen,
		"redis":  env.cfg.Redis.Addr,
	}).Info("Serving sensor data")
	fmt.Fprintf(cmd.ErrOrStderr(), "Serving %s on %s. Press Ctrl+C to stop...\n", set, env.cfg.Serve.Listen)

	select {
	case <-ctx.Done():
	case <-dev.Disconnected():
		return ErrConnectionLost
	case err := <-serverErr:
		stopAfterFailure(dev, env)
		return fmt.Errorf("http server: %w", err)
	}
	return stopMeasurements(dev, env)
}
