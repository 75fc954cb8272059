package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/batchyard/internal/batches"
	"github.com/zulandar/batchyard/internal/models"
)

// Intervals for the bulk progress stream.
var (
	ssePollInterval      = time.Second
	sseHeartbeatInterval = 15 * time.Second
)

// handleBulkEvents streams the progress of one bulk operation as server-sent
// events. A "progress" event is written whenever state or progress changes;
// the stream ends with a "done" event once the operation has finished.
func handleBulkEvents(svc *batches.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")

		st, err := svc.BulkOperation(ctx, id)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		last := newBulkView(st)
		writeSSE(c.Writer, "progress", last)
		c.Writer.Flush()

		ticker := time.NewTicker(ssePollInterval)
		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for last.State == models.BulkStateProcessing {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				st, err := svc.BulkOperation(ctx, id)
				if err != nil {
					writeSSE(c.Writer, "error", map[string]string{"error": err.Error()})
					c.Writer.Flush()
					return
				}
				next := newBulkView(st)
				if next.State == last.State && next.Progress == last.Progress {
					continue
				}
				last = next
				writeSSE(c.Writer, "progress", last)
				c.Writer.Flush()
			}
		}
		writeSSE(c.Writer, "done", last)
		c.Writer.Flush()
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
