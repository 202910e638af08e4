package api

import (
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

// runEventsHandler handles GET /api/runs/:id/events. Journaled events
// replay first; if the run is still active the response stays open and
// follows the live stream until the end-of-stream sentinel. A run with no
// trace at all answers a single "end" event so clients can stop waiting.
func (s *Server) runEventsHandler(c *gin.Context) {
	runID := c.Param("id")

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.Flush()

	sent := false
	for _, payload := range s.bus.ReadPersistedRaw(runID) {
		s.writeSSE(c, sse.Event{Data: string(payload)})
		sent = true
	}

	if s.bus.IsActive(runID) {
		for payload := range s.bus.Stream(c.Request.Context(), runID) {
			s.writeSSE(c, sse.Event{Data: string(payload)})
			sent = true
		}
	}

	if !sent {
		s.writeSSE(c, sse.Event{Event: "end", Data: "{}"})
	}
}

func (s *Server) writeSSE(c *gin.Context, ev sse.Event) {
	if err := sse.Encode(c.Writer, ev); err != nil {
		s.logger.Warn("SSE write failed", "error", err)
		return
	}
	c.Writer.Flush()
}
