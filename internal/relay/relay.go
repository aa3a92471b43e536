// Package relay drives one streamed generation from the backend to the
// client, chunk by chunk, without buffering.
package relay

import (
	"context"
	"errors"
	"io"

	"ollama-gateway/internal/apierr"
)

// Source yields backend chunks in order. Next returns io.EOF after the last
// chunk. Close aborts the backend call if it is still running.
type Source[T any] interface {
	Next() (T, error)
	Close() error
}

// Sink writes frames to the client. Every method flushes before returning.
type Sink interface {
	// Event writes one translated chunk.
	Event(frame any) error
	// Done writes the terminal sentinel.
	Done() error
	// Fail writes a terminal error frame.
	Fail(err error) error
}

// Translate maps one chunk to a frame. first is true until a frame has been
// written. emit is false when the chunk carries nothing worth sending; done
// marks the backend's completion signal.
type Translate[T any] func(chunk T, first bool) (frame any, emit, done bool)

// State is the relay's position in its lifecycle.
type State int

const (
	StateOpened State = iota
	StateRelaying
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateRelaying:
		return "relaying"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Outcome summarises a finished relay.
type Outcome struct {
	State  State
	Chunks int
	Frames int
	// Err is the failure that aborted the relay, nil when completed.
	Err error
	// ClientGone is set when the relay stopped because the client could no
	// longer be written to.
	ClientGone bool
}

// Run relays src to sink until the backend signals completion, the backend
// fails, or ctx (the client's request context) is cancelled. src is always
// closed before Run returns, which cancels the backend call when the relay
// stops early. The first done chunk produces exactly one sentinel; anything
// the backend sends after it is never read.
func Run[T any](ctx context.Context, src Source[T], sink Sink, translate Translate[T]) Outcome {
	defer src.Close()

	out := Outcome{State: StateOpened}
	for {
		if err := ctx.Err(); err != nil {
			return out.clientGone(err)
		}

		chunk, err := src.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out.clientGone(ctxErr)
			}
			if errors.Is(err, io.EOF) {
				err = apierr.New(apierr.KindBackendProtocol, "backend stream ended before completion")
			}
			return out.backendFailed(err, sink)
		}

		out.Chunks++
		out.State = StateRelaying

		frame, emit, done := translate(chunk, out.Frames == 0)
		if emit {
			if err := sink.Event(frame); err != nil {
				return out.clientGone(err)
			}
			out.Frames++
		}

		if done {
			if err := sink.Done(); err != nil {
				return out.clientGone(err)
			}
			out.State = StateCompleted
			return out
		}
	}
}

func (o Outcome) clientGone(err error) Outcome {
	o.State = StateAborted
	o.Err = err
	o.ClientGone = true
	return o
}

// backendFailed attempts one error frame so client parsers do not hang.
func (o Outcome) backendFailed(err error, sink Sink) Outcome {
	o.State = StateAborted
	o.Err = err
	if werr := sink.Fail(err); werr != nil {
		o.ClientGone = true
	}
	return o
}
