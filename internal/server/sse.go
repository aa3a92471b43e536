package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"ollama-gateway/internal/metrics"
	"ollama-gateway/internal/relay"
	"ollama-gateway/internal/router"
	"ollama-gateway/internal/translator"
)

var doneSentinel = []byte("data: [DONE]\n\n")

// sseWriter is the relay sink for one client connection. Every frame is
// flushed as soon as it is written.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) Event(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	return s.writeData(data)
}

func (s *sseWriter) Done() error {
	if _, err := s.w.Write(doneSentinel); err != nil {
		return fmt.Errorf("write SSE sentinel: %w", err)
	}
	return s.flush()
}

// Fail writes the error envelope as a final data frame. No sentinel follows
// it, so clients see the stream end on the error.
func (s *sseWriter) Fail(err error) error {
	_, body := translator.Envelope(err)
	data, merr := json.Marshal(body)
	if merr != nil {
		return fmt.Errorf("marshal SSE error: %w", merr)
	}
	return s.writeData(data)
}

func (s *sseWriter) writeData(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return s.flush()
}

func (s *sseWriter) flush() error {
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush SSE stream: %w", err)
	}
	return nil
}

// relayStream commits an event-stream response and relays stream into it.
// Errors after this point are reported in-band, so it always returns nil.
func relayStream(c echo.Context, endpoint string, stream *router.Stream) error {
	res := c.Response()
	header := res.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	sink := newSSEWriter(res)
	if err := sink.flush(); err != nil {
		_ = stream.Close()
		slog.Error("http writer does not support flushing", "err", err)
		return nil
	}

	metrics.StreamingConnections.Inc()
	defer metrics.StreamingConnections.Dec()

	out := stream.Relay(c.Request().Context(), sink)
	metrics.StreamOutcomes.WithLabelValues(endpoint, out.State.String()).Inc()

	requestID := res.Header().Get(echo.HeaderXRequestID)
	switch {
	case out.State == relay.StateCompleted:
		slog.Debug("stream completed", "request_id", requestID, "endpoint", endpoint, "chunks", out.Chunks, "frames", out.Frames)
	case out.ClientGone:
		slog.Info("client went away mid-stream; backend call cancelled", "request_id", requestID, "endpoint", endpoint, "frames", out.Frames)
	default:
		slog.Warn("stream aborted", "request_id", requestID, "endpoint", endpoint, "frames", out.Frames, "err", out.Err)
	}
	return nil
}
