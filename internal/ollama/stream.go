package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"ollama-gateway/internal/apierr"
)

const maxChunkBytes = 4 << 20

// Stream is a lazy, finite, non-restartable sequence of chunks read from one
// NDJSON response body. Chunks are returned in the order the engine wrote
// them. A Stream must be consumed to io.EOF or closed early; Close cancels the
// underlying backend call.
type Stream[T any] struct {
	parent  context.Context
	call    context.Context
	timeout time.Duration
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps an NDJSON body. cancel, when non-nil, is invoked on Close to
// abort the request that produced body.
func NewStream[T any](ctx context.Context, body io.ReadCloser, cancel context.CancelFunc) *Stream[T] {
	return newStream[T](ctx, ctx, body, cancel, 0)
}

func newStream[T any](parent, call context.Context, body io.ReadCloser, cancel context.CancelFunc, timeout time.Duration) *Stream[T] {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChunkBytes)
	return &Stream[T]{
		parent:  parent,
		call:    call,
		timeout: timeout,
		body:    body,
		scanner: scanner,
		cancel:  cancel,
	}
}

// Next returns the next chunk. It returns io.EOF once the body is exhausted,
// a KindBackendProtocol error for a line that is not a valid chunk, and a
// KindBackendUnavailable error when the engine reports a failure in-band or
// the connection breaks.
func (s *Stream[T]) Next() (T, error) {
	var zero T
	if s.closed.Load() {
		return zero, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if bytes.Contains(line, []byte(`"error"`)) {
			var e errorResponse
			if err := json.Unmarshal(line, &e); err == nil && e.Error != "" {
				return zero, apierr.New(apierr.KindBackendUnavailable, e.Error)
			}
		}

		var chunk T
		if err := json.Unmarshal(line, &chunk); err != nil {
			return zero, apierr.Wrap(apierr.KindBackendProtocol, err, "backend sent a malformed stream chunk")
		}
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return zero, apierr.Wrap(apierr.KindBackendProtocol, err, "backend stream chunk exceeds size limit")
		}
		return zero, mapTransportError(s.parent, s.call, err, s.timeout)
	}
	if err := s.call.Err(); err != nil {
		return zero, mapTransportError(s.parent, s.call, err, s.timeout)
	}
	return zero, io.EOF
}

// Close aborts the backend call if still running and releases the connection.
// It is safe to call more than once.
func (s *Stream[T]) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
