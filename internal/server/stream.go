package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

type inventoryEventPayload struct {
	SupplyID        int64   `json:"supplyId,omitempty"`
	EventID         int64   `json:"eventId,omitempty"`
	RemainingOunces float64 `json:"remainingOunces"`
	Timestamp       string  `json:"timestamp"`
	Source          string  `json:"source"`
}

type heartbeatPayload struct {
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

// handleEventStream relays inventory messages as server-sent events until
// the client disconnects.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{
		Timestamp: h.clock().UTC().Format(time.RFC3339),
		Source:    realtimeSourceBackend,
	})
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message := <-stream:
			c.SSEvent(message.EventType, inventoryEventPayload{
				SupplyID:        message.SupplyID,
				EventID:         message.EventID,
				RemainingOunces: message.RemainingOunces,
				Timestamp:       message.Timestamp.UTC().Format(time.RFC3339),
				Source:          realtimeSourceBackend,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{
				Timestamp: tick.UTC().Format(time.RFC3339),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
}
