package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/httputil"
	"github.com/af-corp/aegis-orchestrator/internal/memory"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

var errStreamingUnsupported = errors.New("streaming not supported")

// sseWriter emits Server-Sent Events. Headers are sent with the first event
// so a request that fails before producing output can still be answered
// with a JSON error.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	reqID   string
	started bool
}

func newSSEWriter(w http.ResponseWriter, reqID string) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	return &sseWriter{w: w, flusher: flusher, reqID: reqID}, nil
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Request-ID", s.reqID)
	s.w.WriteHeader(http.StatusOK)
}

// event writes one frame. An empty name writes a bare data frame.
func (s *sseWriter) event(name string, data []byte) error {
	s.start()
	if name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) json(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	return s.event(name, data)
}

func (s *sseWriter) done() error {
	return s.event("", []byte("[DONE]"))
}

type streamChunk struct {
	Chunk string `json:"chunk"`
}

// ChatStream handles POST /v1/chat/stream. Text fragments are sent as
// data frames as they arrive; the final ProcessedResponse follows as a
// "done" event and the stream ends with [DONE].
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.decode(w, r)
	if !ok {
		return
	}
	sse, err := newSSEWriter(w, rc.reqID)
	if err != nil {
		httputil.WriteInternalError(w, rc.reqID, "Streaming not supported")
		return
	}

	start := time.Now()
	resp := h.core.ProcessStream(r.Context(), rc.body.Message, rc.userID, func(text string) error {
		return sse.json("", streamChunk{Chunk: text})
	}, rc.opts)

	if resp.Usage.TotalTokens == types.UnknownTokens && !resp.Failed() {
		// Streams carry no usage; budget tracking falls back to an estimate.
		estimated := memory.EstimateTokens(rc.body.Message) + memory.EstimateTokens(resp.Content)
		h.recordUsage(r.Context(), rc, estimated)
	}
	h.complete(r.Context(), rc, resp, start, "stream")

	if r.Context().Err() != nil {
		return
	}
	if resp.Failed() && !sse.started {
		httputil.WriteUpstreamError(w, rc.reqID, resp.Error)
		return
	}

	name := "done"
	var payload any = resp
	if resp.Failed() {
		name = "error"
		payload = httputil.APIError{Error: httputil.APIErrorBody{
			Message:    resp.Error,
			Type:       "upstream_error",
			Code:       "stream_interrupted",
			AegisReqID: rc.reqID,
		}}
	}
	if err := sse.json(name, payload); err != nil {
		h.logger.Warn("write stream completion failed", "request_id", rc.reqID, "error", err)
		return
	}
	if err := sse.done(); err != nil {
		h.logger.Warn("write stream terminator failed", "request_id", rc.reqID, "error", err)
	}
}

