// Package sink republishes decoded frames to Redis pub/sub.
//
// Frames are encoded on the notification goroutine and queued; a single
// worker publishes them so a slow Redis never stalls the BLE stream. When the
// queue is full the oldest message is dropped.
package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/srg/pmdctl/internal/event"
	"github.com/srg/pmdctl/internal/groutine"
	"github.com/srg/pmdctl/internal/metrics"
	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/ringchan"
)

const (
	sinkName = "redis"

	DefaultChannel   = "pmd"
	DefaultQueueSize = 1024

	publishTimeout = 2 * time.Second
)

// Conn is the part of *redis.Client the sink uses.
type Conn interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Options configures a Redis sink.
type Options struct {
	Addr      string
	Password  string
	DB        int
	Channel   string
	QueueSize int
	Logger    *logrus.Logger
	Metrics   *metrics.Collector
}

// Redis publishes frame and heart rate events to a pub/sub channel.
type Redis struct {
	conn    Conn
	channel string
	queue   *ringchan.RingChannel[[]byte]
	logger  *logrus.Logger
	metrics *metrics.Collector

	workers   groutine.Group
	closeOnce sync.Once
}

// NewRedis creates a sink connected to opts.Addr.
func NewRedis(opts Options) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisWithConn(client, opts)
}

// NewRedisWithConn creates a sink on an existing connection.
func NewRedisWithConn(conn Conn, opts Options) *Redis {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Redis{
		conn:    conn,
		channel: channel,
		queue:   ringchan.New[[]byte](size),
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Start checks the connection and starts the publisher.
func (r *Redis) Start(ctx context.Context) error {
	if err := r.conn.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	r.logger.WithField("channel", r.channel).Info("Redis sink connected")

	r.workers.Go(context.Background(), "redis-publisher", r.run)
	return nil
}

func (r *Redis) run(ctx context.Context) {
	for msg := range r.queue.C() {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := r.conn.Publish(pctx, r.channel, msg).Err()
		cancel()

		r.metrics.Published(sinkName, err == nil)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"channel": r.channel,
				"error":   err,
			}).Warn("Failed to publish event")
		}
	}
}

// OnFrame queues a sample frame.
func (r *Redis) OnFrame(f pmd.SampleFrame) {
	data, err := event.EncodeFrame(f)
	if err != nil {
		r.logger.WithField("error", err).Error("Failed to encode frame")
		return
	}
	r.enqueue(data)
}

// OnHeartRate queues a heart rate measurement.
func (r *Redis) OnHeartRate(s pmd.HeartRateSample) {
	data, err := event.EncodeHeartRate(s)
	if err != nil {
		r.logger.WithField("error", err).Error("Failed to encode heart rate")
		return
	}
	r.enqueue(data)
}

func (r *Redis) enqueue(data []byte) {
	if r.queue.Push(data) {
		r.metrics.Published(sinkName, false)
		r.logger.Debug("Redis queue full, dropped oldest event")
	}
}

// Close drains the queue, waits for the publisher and closes the connection.
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.queue.Close()
		r.workers.Wait()
		err = r.conn.Close()
	})
	return err
}
