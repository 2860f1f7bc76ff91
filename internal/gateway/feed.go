// ABOUTME: SSE activity feed: replays ledger history from a point in time, then streams live events.
// ABOUTME: Replay comes from the durable store; the live channel is at-most-once and drops slow consumers.

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/warden/internal/ledger"
)

// ActivityEventResponse is the JSON wire form of one ledger event.
type ActivityEventResponse struct {
	Seq         int64  `json:"seq"`
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Type        string `json:"type"`
	State       string `json:"state"`
	Timestamp   string `json:"timestamp"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	Error       string `json:"error,omitempty"`
}

func activityEventJSON(ev *ledger.Event) ActivityEventResponse {
	return ActivityEventResponse{
		Seq:         ev.Seq,
		ID:          ev.ID,
		AgentID:     ev.AgentID,
		ExecutionID: ev.ExecutionID,
		Type:        string(ev.Type),
		State:       string(ev.State),
		Timestamp:   ev.Timestamp.Format(time.RFC3339Nano),
		DurationMS:  ev.Duration.Milliseconds(),
		Error:       ev.Error,
	}
}

// handleActivityFeed handles GET /api/agents/{id}/feed.
// With ?since=RFC3339 the durable ledger is replayed first; live events then
// follow on the same stream. The subscription is registered before the replay
// query so no event falls between the two, and live events already covered by
// the replay are skipped by sequence number.
func (g *Gateway) handleActivityFeed(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, subID := g.ledger.Subscribe(r.Context(), agentID)
	defer g.ledger.Unsubscribe(agentID, subID)

	var lastSeq int64
	var replay []*ledger.Event
	if !since.IsZero() {
		var err error
		replay, err = g.ledger.QuerySince(r.Context(), agentID, since, limit)
		if err != nil {
			g.logger.Error("failed to replay activity", "agent_id", agentID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, ev := range replay {
		g.writeSSEEvent(w, "activity", activityEventJSON(ev))
		lastSeq = ev.Seq
	}
	if len(replay) > 0 {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			g.writeSSEEvent(w, "activity", activityEventJSON(ev))
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single server-sent event.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE event", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
