// Package ollama is the gateway's client for the inference engine's native
// HTTP API. It owns connection pooling, per-call deadlines and error
// classification; callers only ever see *apierr.Error values.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ollama-gateway/internal/apierr"
	"ollama-gateway/internal/config"
	"ollama-gateway/internal/metrics"
)

const (
	opChat           = "chat"
	opChatStream     = "chat_stream"
	opGenerate       = "generate"
	opGenerateStream = "generate_stream"
	opListModels     = "list_models"
	opVersion        = "version"

	// idempotent reads are attempted at most twice
	maxIdempotentRetries = 1

	userAgent = "ollama-gateway"
)

// Client issues requests against one engine base URL. It is safe for
// concurrent use.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	retryBackoff   time.Duration
}

// New returns a Client for cfg. Zero timeouts fall back to the configuration
// defaults.
func New(cfg config.BackendConfig) (*Client, error) {
	cfg.ApplyDefaults()

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("backend url %q must be an absolute http(s) url", cfg.BaseURL)
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:     newHTTPClient(cfg),
		requestTimeout: cfg.RequestTimeout,
		retryBackoff:   cfg.RetryBackoff,
	}, nil
}

// BaseURL returns the engine address requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases pooled idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Chat performs a non-streaming chat generation.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	start := time.Now()

	var out ChatResponse
	err := c.roundTrip(ctx, http.MethodPost, "/api/chat", req, req.Model, &out, "done")
	if err == nil && !out.Done {
		err = errUnfinished()
	}
	metrics.ObserveBackend(opChat, outcome(err), start)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Generate performs a non-streaming raw-prompt generation.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	req.Stream = false
	start := time.Now()

	var out GenerateResponse
	err := c.roundTrip(ctx, http.MethodPost, "/api/generate", req, req.Model, &out, "done")
	if err == nil && !out.Done {
		err = errUnfinished()
	}
	metrics.ObserveBackend(opGenerate, outcome(err), start)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatStream starts a streaming chat generation. The returned Stream must be
// closed; closing it before io.EOF cancels the generation on the engine.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (*Stream[ChatResponse], error) {
	req.Stream = true
	start := time.Now()

	resp, callCtx, cancel, err := c.send(ctx, http.MethodPost, "/api/chat", req, req.Model, true)
	metrics.ObserveBackend(opChatStream, outcome(err), start)
	if err != nil {
		return nil, err
	}
	return newStream[ChatResponse](ctx, callCtx, resp.Body, cancel, c.requestTimeout), nil
}

// GenerateStream starts a streaming raw-prompt generation.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest) (*Stream[GenerateResponse], error) {
	req.Stream = true
	start := time.Now()

	resp, callCtx, cancel, err := c.send(ctx, http.MethodPost, "/api/generate", req, req.Model, true)
	metrics.ObserveBackend(opGenerateStream, outcome(err), start)
	if err != nil {
		return nil, err
	}
	return newStream[GenerateResponse](ctx, callCtx, resp.Body, cancel, c.requestTimeout), nil
}

// ListModels returns the models installed on the engine. A transient failure
// is retried once.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	start := time.Now()

	var out TagsResponse
	err := c.retryIdempotent(ctx, func() error {
		return c.roundTrip(ctx, http.MethodGet, "/api/tags", nil, "", &out, "models")
	})
	metrics.ObserveBackend(opListModels, outcome(err), start)
	if err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Version returns the engine's version string. A transient failure is retried
// once.
func (c *Client) Version(ctx context.Context) (string, error) {
	start := time.Now()

	var out VersionResponse
	err := c.retryIdempotent(ctx, func() error {
		return c.roundTrip(ctx, http.MethodGet, "/api/version", nil, "", &out, "version")
	})
	metrics.ObserveBackend(opVersion, outcome(err), start)
	if err != nil {
		return "", err
	}
	return out.Version, nil
}

func (c *Client) retryIdempotent(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxIdempotentRetries), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if apierr.Is(err, apierr.KindBackendUnavailable) || apierr.Is(err, apierr.KindBackendTimeout) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// roundTrip sends a request and decodes a single JSON response into out. A
// 200 body carrying an engine error object is reported as unavailable; a body
// that is null, not an object, or lacks any of the required keys is a
// protocol error.
func (c *Client) roundTrip(ctx context.Context, method, path string, payload any, model string, out any, required ...string) error {
	resp, callCtx, cancel, err := c.send(ctx, method, path, payload, model, false)
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		var syntaxErr *json.SyntaxError
		switch {
		case errors.As(err, &syntaxErr), errors.Is(err, io.EOF):
			return apierr.Wrap(apierr.KindBackendProtocol, err, "backend returned a malformed response")
		case callCtx.Err() != nil:
			return mapTransportError(ctx, callCtx, err, c.requestTimeout)
		case errors.Is(err, io.ErrUnexpectedEOF):
			return apierr.Wrap(apierr.KindBackendProtocol, err, "backend returned a truncated response")
		default:
			return mapTransportError(ctx, callCtx, err, c.requestTimeout)
		}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return apierr.New(apierr.KindBackendProtocol, "backend returned an unexpected response shape")
	}
	if msg, ok := inbandError(fields); ok {
		return apierr.New(apierr.KindBackendUnavailable, msg)
	}
	for _, key := range required {
		if _, ok := fields[key]; !ok {
			return apierr.Newf(apierr.KindBackendProtocol, "backend response is missing %q", key)
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return apierr.Wrap(apierr.KindBackendProtocol, err, "backend returned a malformed response")
	}
	return nil
}

func errUnfinished() error {
	return apierr.New(apierr.KindBackendProtocol, "backend returned an unfinished response")
}

// inbandError reports the message of an engine error object.
func inbandError(fields map[string]json.RawMessage) (string, bool) {
	v, ok := fields["error"]
	if !ok {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(v, &msg); err != nil || msg == "" {
		return "", false
	}
	return msg, true
}

// send issues the request and checks the status. On success the caller owns
// the response body and must call the returned cancel func once done with it.
func (c *Client) send(ctx context.Context, method, path string, payload any, model string, stream bool) (*http.Response, context.Context, context.CancelFunc, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			cancel()
			return nil, nil, nil, apierr.Wrap(apierr.KindInternal, err, "encode backend request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, body)
	if err != nil {
		cancel()
		return nil, nil, nil, apierr.Wrap(apierr.KindInternal, err, "build backend request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if stream {
		req.Header.Set("Accept", "application/x-ndjson")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		mapped := mapTransportError(ctx, callCtx, err, c.requestTimeout)
		cancel()
		return nil, nil, nil, mapped
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer cancel()
		defer resp.Body.Close()
		return nil, nil, nil, statusError(resp, model)
	}
	return resp, callCtx, cancel, nil
}
