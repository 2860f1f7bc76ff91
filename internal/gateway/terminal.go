// ABOUTME: WebSocket bridge between a browser terminal and an agent's terminal stream.
// ABOUTME: Binary frames carry raw bytes both ways; session close propagates as a WebSocket close frame.

package gateway

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/2389/warden/internal/termio"
)

var terminalUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth happens in the middleware; the terminal is origin-agnostic.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTerminal handles GET /api/agents/{id}/terminal.
// It opens a terminal session on the agent and bridges it over a WebSocket:
// inbound binary frames become session input, session output becomes outbound
// binary frames. Neither direction touches the invocation worker pool; the
// session's read goroutine parks in the network poller.
func (g *Gateway) handleTerminal(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	session, err := g.multiplexer.Open(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, termio.ErrAgentUnavailable) {
			g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		g.logger.Error("failed to open terminal session", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	conn, err := terminalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		g.multiplexer.Close(session.ID)
		return
	}

	g.logger.Info("terminal attached",
		"agent_id", agentID,
		"session_id", session.ID,
		"remote", r.RemoteAddr,
	)

	go g.terminalWritePump(conn, session)
	g.terminalReadPump(conn, session)
}

// terminalWritePump forwards session output to the WebSocket. When the
// session closes, the client receives a close frame carrying the I/O error if
// the disconnect was not deliberate.
func (g *Gateway) terminalWritePump(conn *websocket.Conn, session *termio.Session) {
	for chunk := range session.Output() {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			g.multiplexer.Close(session.ID)
			conn.Close()
			return
		}
	}

	code := websocket.CloseNormalClosure
	reason := ""
	if err := session.Err(); err != nil {
		code = websocket.CloseInternalServerErr
		reason = err.Error()
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()
}

// terminalReadPump forwards WebSocket frames to the session until the client
// disconnects or the session rejects a write.
func (g *Gateway) terminalReadPump(conn *websocket.Conn, session *termio.Session) {
	defer func() {
		g.multiplexer.Close(session.ID)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		if err := session.Send(data); err != nil {
			return
		}
	}
}
