package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/gizmo/internal/agent"
	"github.com/nugget/gizmo/internal/coach"
	"github.com/nugget/gizmo/internal/conversation"
	"github.com/nugget/gizmo/internal/llm"
	"github.com/nugget/gizmo/internal/mcp"
)

// maxRequestBody bounds a turn request body.
const maxRequestBody = 1 << 20

// ConversationRequest is the body of the turn endpoints and of each
// WebSocket message.
type ConversationRequest struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	Language       string `json:"language,omitempty"`
}

// ConversationResponse is the body of POST /api/conversation.
type ConversationResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`

	// Warning is set when the answer was generated but not saved.
	Warning string `json:"warning,omitempty"`
}

// StreamChunk is one SSE data payload of the streaming endpoint.
type StreamChunk struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// agentRequest validates req and fills in a conversation id.
func agentRequest(req ConversationRequest) (*agent.Request, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("text is required")
	}
	id := req.ConversationID
	if id == "" {
		id = uuid.New().String()
	}
	return &agent.Request{
		ConversationID: id,
		Text:           req.Text,
		Language:       req.Language,
	}, nil
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*agent.Request, bool) {
	var req ConversationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	areq, err := agentRequest(req)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return areq, true
}

// handleConversation runs a turn and returns the complete response.
// POST /api/conversation {"text": "Hallo", "conversation_id": "..."}
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.loop.Run(r.Context(), req, nil)
	var persistErr *agent.PersistError
	if err != nil && !errors.As(err, &persistErr) {
		s.stats.RecordFailure()
		s.logger.Error("turn failed", "conversation", req.ConversationID, "error", err)
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	s.stats.Record(resp)

	out := ConversationResponse{
		Response:       resp.Content,
		ConversationID: resp.ConversationID,
	}
	if persistErr != nil {
		out.Warning = persistErr.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// handleConversationStream runs a turn and streams text fragments as
// server-sent events, terminated by data: [DONE]. A failure is sent as a
// single {"error": ...} event.
func (s *Server) handleConversationStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.Header().Set("X-Conversation-Id", req.ConversationID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)

	callback := func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			s.writeSSE(w, StreamChunk{Text: ev.Token})
		case llm.KindToolCallStart, llm.KindToolCallDone:
			// SSE comment as keepalive while the tool runs
			fmt.Fprintf(w, ": %s\n\n", ev.Kind)
		}
		flusher.Flush()

		// Reset write deadline after every event so long tool runs do
		// not trip the server's WriteTimeout.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	resp, err := s.loop.Run(r.Context(), req, callback)
	var persistErr *agent.PersistError
	switch {
	case err == nil:
		s.stats.Record(resp)
	case errors.As(err, &persistErr):
		s.stats.Record(resp)
		s.writeSSE(w, StreamChunk{Error: err.Error()})
	default:
		s.stats.RecordFailure()
		s.logger.Error("streaming turn failed", "conversation", req.ConversationID, "error", err)
		s.writeSSE(w, StreamChunk{Error: err.Error()})
		flusher.Flush()
		return
	}

	fmt.Fprintf(w, "data: %s\n\n", "[DONE]")
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, chunk StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Debug("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE chunk", "error", err)
	}
}

// ConversationDetail is the body of GET /api/conversations/{id}.
type ConversationDetail struct {
	conversation.Metadata
	History conversation.History `json:"history"`
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "store not configured")
		return
	}

	meta, err := s.store.GetMetadata(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load metadata", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	history, err := s.store.LoadHistory(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load history", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if meta == nil && len(history) == 0 {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	detail := ConversationDetail{History: history}
	if meta != nil {
		detail.Metadata = *meta
	}
	detail.ID = id

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, detail, s.logger)
}

// FeedbackRequest is the body of POST /api/feedback.
type FeedbackRequest struct {
	Feedback  string  `json:"feedback"`
	Intensity float64 `json:"intensity"`
}

// handleFeedback forwards a reward signal to the coach.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if s.coach == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "coach not configured")
		return
	}
	var req FeedbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Feedback == "" {
		s.errorResponse(w, http.StatusBadRequest, "feedback is required")
		return
	}
	if req.Intensity == 0 {
		req.Intensity = 1
	}
	if req.Intensity < 0 || req.Intensity > 1 {
		s.errorResponse(w, http.StatusBadRequest, "intensity must be between 0 and 1")
		return
	}

	if err := s.coach.ApplyReward(r.Context(), req.Feedback, req.Intensity); err != nil {
		s.logger.Warn("coach rejected feedback", "error", err)
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

// statusFor maps a turn error to an HTTP status.
func statusFor(err error) int {
	var (
		upstream *llm.UpstreamError
		rpcErr   *mcp.RPCError
	)
	switch {
	case errors.Is(err, agent.ErrNoConversation):
		return http.StatusBadRequest
	case errors.Is(err, coach.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away; nginx convention.
		return 499
	case errors.As(err, &upstream), errors.As(err, &rpcErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
