package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/L0stInFades/Her/internal/relay"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// StreamHandler serves the SSE generation endpoint.
type StreamHandler struct {
	relay *relay.Relay
}

// NewStreamHandler constructs a StreamHandler.
func NewStreamHandler(r *relay.Relay) *StreamHandler {
	return &StreamHandler{relay: r}
}

// streamRequest defines the request body for a generation turn.
type streamRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Model          string `json:"model"`
}

// sseEvent is the wire shape of one server-sent event payload.
type sseEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// sseSink writes relay events to the response as server-sent events.
// Headers are deferred to the first event so that rejections before any
// output can still answer with a plain JSON status.
type sseSink struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) send(event sseEvent) {
	payload, errMarshal := json.Marshal(event)
	if errMarshal != nil {
		log.WithError(errMarshal).Warn("stream: marshal event failed")
		return
	}
	if !s.started {
		s.started = true
		header := s.writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		s.writer.WriteHeader(http.StatusOK)
	}
	if _, errWrite := s.writer.Write([]byte("data: " + string(payload) + "\n\n")); errWrite != nil {
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Chunk forwards one piece of generated content.
func (s *sseSink) Chunk(content string) {
	s.send(sseEvent{Type: "chunk", Content: content})
}

// Done signals successful completion.
func (s *sseSink) Done() {
	s.send(sseEvent{Type: "done"})
}

// Error signals a terminal mid-stream failure.
func (s *sseSink) Error(message string) {
	s.send(sseEvent{Type: "error", Message: message})
}

// Stream runs one generation turn. Rejections before the first upstream
// byte are plain JSON errors; once streaming starts the connection is
// SSE and failures arrive as error events.
func (h *StreamHandler) Stream(c *gin.Context) {
	principal, ok := CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var body streamRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	conversationID := strings.TrimSpace(body.ConversationID)
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing conversation_id"})
		return
	}
	content := strings.TrimSpace(body.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing content"})
		return
	}

	flusher, _ := c.Writer.(http.Flusher)
	sink := &sseSink{writer: c.Writer, flusher: flusher}

	req := relay.Request{
		ConversationID: conversationID,
		Content:        content,
		Model:          strings.TrimSpace(body.Model),
	}
	if errStream := h.relay.Stream(c.Request.Context(), principal, req, sink); errStream != nil {
		// Nothing has been written yet on this path.
		respondAppError(c, errStream)
	}
}
