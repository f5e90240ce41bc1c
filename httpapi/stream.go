package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/gin-gonic/gin"
)

// stream serves the progress events of a run as server-sent events. The id of
// each event is its sequence number, so a reconnecting client resumes where
// it left off by sending Last-Event-ID. The stream ends after the sentinel
// that closes the current invocation.
func (s *Server) stream(c *gin.Context) {
	runID := c.Param("id")
	after, err := lastEventID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrorBody{Type: "bad_request", Message: err.Error()}})
		return
	}

	// Without a recorded log, as after a restart or once the log expired, an
	// idle run is described by a single sentinel derived from its checkpoint.
	// A client that already saw the closing sentinel gets 204, which stops
	// EventSource from reconnecting.
	var sentinel *worldflow.ProgressEvent
	if !s.engine.Active(runID) {
		cp, err := s.engine.Checkpoint(c.Request.Context(), runID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		events := s.engine.Events(runID, 0)
		switch {
		case len(events) == 0:
			sentinel = checkpointSentinel(cp)
		case caughtUp(events, after):
			c.Status(http.StatusNoContent)
			return
		}
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if sentinel != nil {
		c.Stream(func(w io.Writer) bool {
			writeEvent(w, *sentinel)
			return false
		})
		return
	}

	events := s.engine.Subscribe(c.Request.Context(), runID, after)
	var ticker <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		ticker = t.C
	}
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if err := writeEvent(w, event); err != nil {
				s.logger.Warn("failed to write event", "run_id", runID, "error", err)
				return false
			}
			return true
		case <-ticker:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
}

// caughtUp reports whether the log ends with a sentinel the client has
// already received.
func caughtUp(events []worldflow.ProgressEvent, after int64) bool {
	last := events[len(events)-1]
	return last.Phase.Sentinel() && last.Seq <= after
}

func lastEventID(c *gin.Context) (int64, error) {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("after")
	}
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, fmt.Errorf("invalid event id %q", raw)
	}
	return after, nil
}

func writeEvent(w io.Writer, event worldflow.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	name := string(event.Phase)
	if !event.Phase.Sentinel() {
		name = "step"
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, name, data)
	return err
}

func checkpointSentinel(cp *worldflow.Checkpoint) *worldflow.ProgressEvent {
	event := &worldflow.ProgressEvent{RunID: cp.RunID, Time: cp.CheckpointAt}
	switch cp.Status {
	case worldflow.RunSuspended:
		event.Phase = worldflow.PhaseWaiting
		if len(cp.Pending) > 0 {
			event.Payload = cp.Pending[0]
		}
	case worldflow.RunCompleted:
		event.Phase = worldflow.PhaseDone
	default:
		event.Phase = worldflow.PhaseError
		event.Payload = map[string]any{"error": cp.Error, "type": cp.ErrorType}
	}
	return event
}
