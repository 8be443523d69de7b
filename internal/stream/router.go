package stream

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/pmdctl/internal/metrics"
)

// StatusFunc reports the sensor session for /status.
type StatusFunc func() any

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are usually served from a different origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewRouter serves the hub on /ws, the collector on /metrics and the session
// status on /status.
func NewRouter(hub *Hub, collector *metrics.Collector, status StatusFunc, logger *logrus.Logger) *gin.Engine {
	if logger == nil {
		logger = logrus.New()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	r.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			logger.WithField("error", err).Debug("Websocket upgrade failed")
			return
		}
		hub.Serve(conn)
	})

	r.GET("/metrics", gin.WrapH(collector.Handler()))

	r.GET("/status", func(c *gin.Context) {
		body := gin.H{
			"clients": hub.Clients(),
		}
		if status != nil {
			body["sensor"] = status()
		}
		c.JSON(http.StatusOK, body)
	})

	return r
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("HTTP request")
	}
}
