// Package stream serves decoded frames to websocket clients.
//
// The Hub is registered as a dispatcher listener. Every event is encoded once
// and pushed to each client's drop-oldest queue; a writer goroutine per client
// drains its queue onto the socket, so a slow client only loses its own
// backlog and never stalls the BLE notification goroutine.
package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/pmdctl/internal/event"
	"github.com/srg/pmdctl/internal/groutine"
	"github.com/srg/pmdctl/internal/metrics"
	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/ringchan"
)

const (
	sinkName = "websocket"

	DefaultQueueSize = 256

	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
)

// HubOptions configures a Hub.
type HubOptions struct {
	QueueSize int
	Logger    *logrus.Logger
	Metrics   *metrics.Collector
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Dropped     int64     `json:"dropped"`
}

type client struct {
	info  ClientInfo
	conn  *websocket.Conn
	queue *ringchan.RingChannel[[]byte]
}

// Hub fans events out to websocket clients.
type Hub struct {
	clients   *hashmap.Map[string, *client]
	queueSize int
	logger    *logrus.Logger
	metrics   *metrics.Collector

	workers groutine.Group
	closed  atomic.Bool
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Hub{
		clients:   hashmap.New[string, *client](),
		queueSize: size,
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

// Serve registers conn and blocks until the client goes away or the hub is
// closed. Incoming messages are read and discarded.
func (h *Hub) Serve(conn *websocket.Conn) {
	if h.closed.Load() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	c := &client{
		info: ClientInfo{
			ID:          uuid.NewString(),
			RemoteAddr:  conn.RemoteAddr().String(),
			ConnectedAt: time.Now(),
		},
		conn:  conn,
		queue: ringchan.New[[]byte](h.queueSize),
	}
	log := h.logger.WithFields(logrus.Fields{
		"client": c.info.ID,
		"remote": c.info.RemoteAddr,
	})

	h.clients.Set(c.info.ID, c)
	h.metrics.StreamClients(h.clients.Len())
	if h.closed.Load() {
		h.remove(c)
	}
	log.Info("Stream client connected")

	h.workers.Go(context.Background(), "ws-writer", func(ctx context.Context) {
		h.write(c, log)
	})

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithField("error", err).Debug("Stream client read failed")
			}
			break
		}
	}

	h.remove(c)
	log.Info("Stream client disconnected")
}

// write drains the client's queue onto the socket and pings it periodically.
// It returns when the queue is closed or a write fails.
func (h *Hub) write(c *client, log *logrus.Entry) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.queue.C():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			err := c.conn.WriteMessage(websocket.TextMessage, msg)
			h.metrics.Published(sinkName, err == nil)
			if err != nil {
				log.WithField("error", err).Debug("Stream client write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	if h.clients.Del(c.info.ID) {
		h.metrics.StreamClients(h.clients.Len())
	}
	c.queue.Close()
}

// OnFrame broadcasts a sample frame.
func (h *Hub) OnFrame(f pmd.SampleFrame) {
	data, err := event.EncodeFrame(f)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to encode frame")
		return
	}
	h.Broadcast(data)
}

// OnHeartRate broadcasts a heart rate measurement.
func (h *Hub) OnHeartRate(s pmd.HeartRateSample) {
	data, err := event.EncodeHeartRate(s)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to encode heart rate")
		return
	}
	h.Broadcast(data)
}

// Broadcast queues data for every connected client.
func (h *Hub) Broadcast(data []byte) {
	h.clients.Range(func(_ string, c *client) bool {
		if c.queue.Push(data) {
			h.metrics.Published(sinkName, false)
		}
		return true
	})
}

// Clients lists the connected clients.
func (h *Hub) Clients() []ClientInfo {
	out := make([]ClientInfo, 0, h.clients.Len())
	h.clients.Range(func(_ string, c *client) bool {
		info := c.info
		info.Dropped = c.queue.Stats().Dropped
		out = append(out, info)
		return true
	})
	return out
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	return h.clients.Len()
}

// Close disconnects every client and waits for their writers to exit.
func (h *Hub) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.clients.Range(func(_ string, c *client) bool {
		h.remove(c)
		return true
	})
	h.workers.Wait()
	h.logger.Debug("Stream hub closed")
}
