package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marketlens/segmenter/pkg/models"
)

// streamPollInterval is how often the stream re-reads run state.
const streamPollInterval = 500 * time.Millisecond

// progressEvent is one SSE payload.
type progressEvent struct {
	RunID           string       `json:"run_id"`
	Stage           models.Stage `json:"stage"`
	Percent         float64      `json:"percent"`
	SegBatchesDone  int          `json:"seg_batches_done"`
	SegBatchesTotal int          `json:"seg_batches_total"`
	ConBatchesDone  int          `json:"con_batches_done"`
	ConBatchesTotal int          `json:"con_batches_total"`
	RefBatchesDone  int          `json:"ref_batches_done"`
	RefBatchesTotal int          `json:"ref_batches_total"`
	ErrorMessage    *string      `json:"error_message,omitempty"`
}

func eventFromRun(run *models.Run) progressEvent {
	return progressEvent{
		RunID:           run.ID,
		Stage:           run.Stage,
		Percent:         run.ProgressPercent(),
		SegBatchesDone:  run.SegBatchesDone,
		SegBatchesTotal: run.SegBatchesTotal,
		ConBatchesDone:  run.ConBatchesDone,
		ConBatchesTotal: run.ConBatchesTotal,
		RefBatchesDone:  run.RefBatchesDone,
		RefBatchesTotal: run.RefBatchesTotal,
		ErrorMessage:    run.ErrorMessage,
	}
}

// StreamRun streams run progress as server-sent events. The current state
// is emitted immediately, then only on change; the stream closes after the
// terminal event.
func (s *Server) StreamRun(c *gin.Context) {
	runID := c.Param("run_id")

	run, err := s.svc.GetRun(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	last := eventFromRun(run)
	c.SSEvent("progress", last)
	c.Writer.Flush()
	if run.Stage.Terminal() {
		return
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
		}

		run, err := s.svc.GetRun(c.Request.Context(), runID)
		if err != nil {
			return false
		}

		event := clampPercent(eventFromRun(run), last)
		if event != last {
			c.SSEvent("progress", event)
			last = event
		}
		return !run.Stage.Terminal()
	})
}

// clampPercent keeps the reported percent from moving backward when batch
// totals are revised upward mid-run.
func clampPercent(event, last progressEvent) progressEvent {
	if event.Percent < last.Percent {
		event.Percent = last.Percent
	}
	return event
}
