package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/gizmo/internal/agent"
	"github.com/nugget/gizmo/internal/llm"
)

// WSFrame is one server-to-client WebSocket message. Text frames carry
// streamed fragments; Event frames announce tool activity; the last
// frame of a turn has Done or Error set.
type WSFrame struct {
	Text           string `json:"text,omitempty"`
	Event          string `json:"event,omitempty"`
	Tool           string `json:"tool,omitempty"`
	ToolError      string `json:"tool_error,omitempty"`
	Done           bool   `json:"done,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

const (
	wsWriteWait = 10 * time.Second
	wsMaxFrame  = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers on other origins are the expected caller.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket serves turns over a WebSocket. Each inbound
// ConversationRequest runs one turn; turns on a connection are
// processed in order. A peer that goes away cancels the running turn.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxFrame)

	logger := s.logger.With("remote", r.RemoteAddr)
	logger.Debug("websocket connected")

	write := func(f WSFrame) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(f)
	}

	// The request context is not cancelled once the connection is
	// hijacked, so the reader owns the connection's lifetime: it keeps
	// reading during a turn and cancels connCtx when the peer leaves.
	connCtx, cancelConn := context.WithCancel(r.Context())
	defer cancelConn()

	reqs := make(chan ConversationRequest)
	go func() {
		defer cancelConn()
		defer close(reqs)
		for {
			var req ConversationRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("websocket read failed", "error", err)
				}
				return
			}
			select {
			case reqs <- req:
			case <-connCtx.Done():
				return
			}
		}
	}()

	for req := range reqs {
		areq, err := agentRequest(req)
		if err != nil {
			if write(WSFrame{Error: err.Error()}) != nil {
				return
			}
			continue
		}
		if !s.runWebSocketTurn(connCtx, areq, write, logger) {
			return
		}
	}
}

// runWebSocketTurn runs one turn and writes its frames. It reports
// whether the connection is still usable.
func (s *Server) runWebSocketTurn(connCtx context.Context, areq *agent.Request, write func(WSFrame) error, logger *slog.Logger) bool {
	ctx, cancel := context.WithCancel(connCtx)
	defer cancel()

	var writeErr error
	callback := func(ev llm.StreamEvent) {
		if writeErr != nil {
			return
		}
		switch ev.Kind {
		case llm.KindToken:
			writeErr = write(WSFrame{Text: ev.Token})
		case llm.KindToolCallStart:
			writeErr = write(WSFrame{Event: ev.Kind.String(), Tool: ev.ToolCall.Name})
		case llm.KindToolCallDone:
			writeErr = write(WSFrame{Event: ev.Kind.String(), Tool: ev.ToolName, ToolError: ev.ToolError})
		}
		if writeErr != nil {
			cancel()
		}
	}

	resp, err := s.loop.Run(ctx, areq, callback)
	if writeErr != nil || connCtx.Err() != nil {
		logger.Debug("websocket client gone, turn abandoned", "conversation", areq.ConversationID, "write_error", writeErr)
		if err != nil {
			s.stats.RecordFailure()
		}
		return false
	}

	var persistErr *agent.PersistError
	final := WSFrame{Done: true, ConversationID: areq.ConversationID}
	switch {
	case err == nil:
		s.stats.Record(resp)
	case errors.As(err, &persistErr):
		s.stats.Record(resp)
		final.Error = err.Error()
	default:
		s.stats.RecordFailure()
		logger.Error("websocket turn failed", "conversation", areq.ConversationID, "error", err)
		final = WSFrame{Error: err.Error(), ConversationID: areq.ConversationID}
	}
	if err := write(final); err != nil {
		logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}
