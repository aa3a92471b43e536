// Package router composes request translation, the backend call and response
// translation for each OpenAI-compatible operation.
package router

import (
	"context"

	"ollama-gateway/internal/catalog"
	"ollama-gateway/internal/metrics"
	"ollama-gateway/internal/ollama"
	"ollama-gateway/internal/relay"
	"ollama-gateway/internal/translator"
)

// Backend is the subset of the engine client the router drives.
type Backend interface {
	Chat(ctx context.Context, req ollama.ChatRequest) (*ollama.ChatResponse, error)
	ChatStream(ctx context.Context, req ollama.ChatRequest) (*ollama.Stream[ollama.ChatResponse], error)
	Generate(ctx context.Context, req ollama.GenerateRequest) (*ollama.GenerateResponse, error)
	GenerateStream(ctx context.Context, req ollama.GenerateRequest) (*ollama.Stream[ollama.GenerateResponse], error)
	ListModels(ctx context.Context) ([]ollama.Model, error)
}

// Router dispatches OpenAI-shaped requests to the backend.
type Router struct {
	backend    Backend
	translator *translator.Translator
	catalog    *catalog.Catalog
}

// New constructs a router. ownedBy is reported for every catalog entry.
func New(backend Backend, tr *translator.Translator, ownedBy string) *Router {
	return &Router{
		backend:    backend,
		translator: tr,
		catalog:    catalog.New(backend, tr, ownedBy),
	}
}

// Chat runs a non-streaming chat completion. Invalid requests are rejected
// before the backend is contacted.
func (r *Router) Chat(ctx context.Context, req translator.ChatCompletionRequest) (translator.ChatCompletionResponse, error) {
	backendReq, err := r.translator.ChatRequest(req)
	if err != nil {
		return translator.ChatCompletionResponse{}, err
	}

	resp, err := r.backend.Chat(ctx, backendReq)
	if err != nil {
		return translator.ChatCompletionResponse{}, err
	}

	observeTokens(req.Model, resp.Model, resp.Metrics)
	return r.translator.ChatResponse(req.Model, resp), nil
}

// Completion runs a non-streaming text completion.
func (r *Router) Completion(ctx context.Context, req translator.CompletionRequest) (translator.CompletionResponse, error) {
	backendReq, err := r.translator.CompletionRequest(req)
	if err != nil {
		return translator.CompletionResponse{}, err
	}

	resp, err := r.backend.Generate(ctx, backendReq)
	if err != nil {
		return translator.CompletionResponse{}, err
	}

	observeTokens(req.Model, resp.Model, resp.Metrics)
	return r.translator.CompletionResponse(req.Model, resp), nil
}

// Stream is an opened backend stream waiting to be relayed to a client.
// Opening happens before any response byte is written, so failures to start
// generating can still be reported with a proper status code.
type Stream struct {
	run   func(ctx context.Context, sink relay.Sink) relay.Outcome
	close func() error
}

// Relay forwards the stream to sink until it completes or aborts.
func (s *Stream) Relay(ctx context.Context, sink relay.Sink) relay.Outcome {
	return s.run(ctx, sink)
}

// Close releases the backend stream without relaying it.
func (s *Stream) Close() error {
	return s.close()
}

// ChatStream validates req and opens a streaming chat completion.
func (r *Router) ChatStream(ctx context.Context, req translator.ChatCompletionRequest) (*Stream, error) {
	backendReq, err := r.translator.ChatRequest(req)
	if err != nil {
		return nil, err
	}

	src, err := r.backend.ChatStream(ctx, backendReq)
	if err != nil {
		return nil, err
	}

	header := r.translator.ChatHeader(req.Model)
	translate := func(chunk ollama.ChatResponse, first bool) (any, bool, bool) {
		frame, ok := translator.ChatChunk(header, chunk, first)
		if chunk.Done {
			observeTokens(req.Model, chunk.Model, chunk.Metrics)
		}
		return frame, ok, chunk.Done
	}

	return &Stream{
		run: func(ctx context.Context, sink relay.Sink) relay.Outcome {
			return relay.Run[ollama.ChatResponse](ctx, src, sink, translate)
		},
		close: src.Close,
	}, nil
}

// CompletionStream validates req and opens a streaming text completion.
func (r *Router) CompletionStream(ctx context.Context, req translator.CompletionRequest) (*Stream, error) {
	backendReq, err := r.translator.CompletionRequest(req)
	if err != nil {
		return nil, err
	}

	src, err := r.backend.GenerateStream(ctx, backendReq)
	if err != nil {
		return nil, err
	}

	header := r.translator.CompletionHeader(req.Model)
	translate := func(chunk ollama.GenerateResponse, _ bool) (any, bool, bool) {
		frame, ok := translator.CompletionChunk(header, chunk)
		if chunk.Done {
			observeTokens(req.Model, chunk.Model, chunk.Metrics)
		}
		return frame, ok, chunk.Done
	}

	return &Stream{
		run: func(ctx context.Context, sink relay.Sink) relay.Outcome {
			return relay.Run[ollama.GenerateResponse](ctx, src, sink, translate)
		},
		close: src.Close,
	}, nil
}

// Models lists the models installed on the backend.
func (r *Router) Models(ctx context.Context) (translator.ModelList, error) {
	return r.catalog.List(ctx)
}

func observeTokens(requested, reported string, m ollama.Metrics) {
	if !m.HasUsage() {
		return
	}
	model := reported
	if model == "" {
		model = requested
	}
	prompt, completion := m.Tokens()
	metrics.ObserveTokens(model, prompt, completion)
}
