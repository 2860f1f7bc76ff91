// ABOUTME: Tests for the SSE activity feed endpoint.
// ABOUTME: Covers history replay, live streaming, replay/live deduplication, and parameter validation.

package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warden/internal/ledger"
)

// openFeed starts an SSE request and returns a reader positioned after the
// response headers. Closing the response body ends the stream handler.
func openFeed(t *testing.T, url string) (*http.Response, *bufio.Reader) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	return resp, bufio.NewReader(resp.Body)
}

// nextFeedEvent reads SSE lines until one data payload arrives.
func nextFeedEvent(t *testing.T, reader *bufio.Reader) ActivityEventResponse {
	t.Helper()

	got := make(chan ActivityEventResponse, 1)
	fail := make(chan error, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				fail <- err
				return
			}
			if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
				var ev ActivityEventResponse
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					fail <- err
					return
				}
				got <- ev
				return
			}
		}
	}()

	select {
	case ev := <-got:
		return ev
	case err := <-fail:
		t.Fatalf("reading SSE event: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE event")
	}
	return ActivityEventResponse{}
}

func recordEvent(t *testing.T, gw *Gateway, agentID string, state ledger.EventState) {
	t.Helper()
	require.NoError(t, gw.ledger.Record(testContext(t), &ledger.Event{
		AgentID: agentID,
		Type:    ledger.EventTypeExecution,
		State:   state,
	}))
}

func TestActivityFeed_ReplayThenLive(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	server := newTestServer(t, gw)

	recordEvent(t, gw, "agent-1", ledger.StateQueued)
	recordEvent(t, gw, "agent-1", ledger.StateRunning)

	since := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	_, reader := openFeed(t, server.URL+"/api/agents/agent-1/feed?since="+since)

	first := nextFeedEvent(t, reader)
	second := nextFeedEvent(t, reader)
	assert.Equal(t, "queued", first.State)
	assert.Equal(t, "running", second.State)
	assert.Less(t, first.Seq, second.Seq)

	// The stream continues with live events after the replay.
	recordEvent(t, gw, "agent-1", ledger.StateCompleted)
	live := nextFeedEvent(t, reader)
	assert.Equal(t, "completed", live.State)
	assert.Greater(t, live.Seq, second.Seq)
}

func TestActivityFeed_LiveOnlyWithoutSince(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	server := newTestServer(t, gw)

	recordEvent(t, gw, "agent-1", ledger.StateQueued)

	_, reader := openFeed(t, server.URL+"/api/agents/agent-1/feed")

	recordEvent(t, gw, "agent-1", ledger.StateRunning)
	ev := nextFeedEvent(t, reader)
	assert.Equal(t, "running", ev.State, "historical event must not replay without since")
}

func TestActivityFeed_AgentIsolation(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	server := newTestServer(t, gw)

	_, reader := openFeed(t, server.URL+"/api/agents/agent-1/feed")

	recordEvent(t, gw, "agent-2", ledger.StateQueued)
	recordEvent(t, gw, "agent-1", ledger.StateRunning)

	ev := nextFeedEvent(t, reader)
	assert.Equal(t, "agent-1", ev.AgentID)
	assert.Equal(t, "running", ev.State)
}

func TestActivityFeed_BadSince(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	server := newTestServer(t, gw)

	resp, err := http.Get(server.URL + "/api/agents/agent-1/feed?since=yesterday")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivityFeed_BadLimit(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	server := newTestServer(t, gw)

	resp, err := http.Get(server.URL + "/api/agents/agent-1/feed?limit=-3")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
