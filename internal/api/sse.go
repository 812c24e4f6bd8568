package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// sseWriter serializes stream events in text/event-stream framing. Each
// frame is flushed immediately so deltas reach the client as they are
// produced rather than when the response buffer fills.
type sseWriter struct {
	w gin.ResponseWriter
}

// newSSEWriter switches the response into streaming mode. The
// X-Accel-Buffering header stops intermediary proxies from buffering
// the stream.
func newSSEWriter(c *gin.Context) *sseWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	return &sseWriter{w: c.Writer}
}

// Emit writes one event frame. It satisfies orchestrator.EmitFunc; a
// write error means the client is gone and aborts the stream upstream.
func (s *sseWriter) Emit(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("stream write failed: %w", err)
	}
	s.w.Flush()
	return nil
}
