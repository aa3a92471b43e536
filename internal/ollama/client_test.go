package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ollama-gateway/internal/apierr"
	"ollama-gateway/internal/config"
)

func newTestClient(t *testing.T, baseURL string, timeout time.Duration) *Client {
	t.Helper()
	c, err := New(config.BackendConfig{
		BaseURL:        baseURL,
		ConnectTimeout: timeout,
		RequestTimeout: timeout,
		RetryBackoff:   time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func intPtr(v int) *int { return &v }

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(config.BackendConfig{BaseURL: "localhost:11434"})
	assert.Error(t, err)

	_, err = New(config.BackendConfig{BaseURL: "ftp://example.com"})
	assert.Error(t, err)

	c, err := New(config.BackendConfig{BaseURL: "http://example.com:11434/"})
	require.NoError(t, err)
	assert.Equal(t, "http://example.com:11434", c.BaseURL())
}

func TestChat(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"mistral","created_at":"2024-05-01T10:00:00Z","message":{"role":"assistant","content":"hello"},"done":true,"done_reason":"stop","prompt_eval_count":5,"eval_count":1}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	temp := 0.2
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:    "mistral",
		Messages: []Message{{Role: "user", Content: "hi"}},
		Stream:   true,
		Options:  &Options{Temperature: &temp, NumPredict: intPtr(16)},
	})
	require.NoError(t, err)

	assert.False(t, got.Stream, "non-streaming call must disable streaming on the wire")
	assert.Equal(t, "mistral", got.Model)
	require.NotNil(t, got.Options)
	assert.Equal(t, 16, *got.Options.NumPredict)

	assert.Equal(t, "hello", resp.Message.Content)
	assert.True(t, resp.Done)
	assert.True(t, resp.HasUsage())
	prompt, completion := resp.Tokens()
	assert.Equal(t, 5, prompt)
	assert.Equal(t, 1, completion)
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Once upon", req.Prompt)
		fmt.Fprint(w, `{"model":"llama3","response":" a time","done":true}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	resp, err := c.Generate(context.Background(), GenerateRequest{Model: "llama3", Prompt: "Once upon"})
	require.NoError(t, err)
	assert.Equal(t, " a time", resp.Response)
	assert.False(t, resp.HasUsage())
}

func TestChatStatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   apierr.Kind
		code   string
		http   int
	}{
		{name: "model missing", status: http.StatusNotFound, body: `{"error":"model 'ghost' not found"}`, kind: apierr.KindInvalidRequest, code: "model_not_found", http: http.StatusNotFound},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"invalid options"}`, kind: apierr.KindInvalidRequest, code: "backend_rejected_request", http: http.StatusBadRequest},
		{name: "engine failure", status: http.StatusInternalServerError, body: `{"error":"out of memory"}`, kind: apierr.KindBackendUnavailable, http: http.StatusServiceUnavailable},
		{name: "unexpected status", status: http.StatusTeapot, body: "", kind: apierr.KindBackendProtocol, http: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, 2*time.Second)
			_, err := c.Chat(context.Background(), ChatRequest{Model: "ghost", Messages: []Message{{Role: "user", Content: "hi"}}})

			var e *apierr.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.http, e.Status())
			if tt.code != "" {
				assert.Equal(t, tt.code, e.Code)
			}
		})
	}
}

func TestChatBackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url, 2*time.Second)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "mistral"})
	assert.True(t, apierr.Is(err, apierr.KindBackendUnavailable), "got %v", err)
}

func TestChatTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 100*time.Millisecond)
	start := time.Now()
	_, err := c.Chat(context.Background(), ChatRequest{Model: "mistral"})

	assert.True(t, apierr.Is(err, apierr.KindBackendTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestChatMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>not json</html>`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "mistral"})
	assert.True(t, apierr.Is(err, apierr.KindBackendProtocol), "got %v", err)
}

func TestUnexpectedSuccessBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind apierr.Kind
	}{
		{name: "engine error", body: `{"error":"model runner crashed at /home/u/.ollama/models/blobs/sha256-abc"}`, kind: apierr.KindBackendUnavailable},
		{name: "empty object", body: `{}`, kind: apierr.KindBackendProtocol},
		{name: "null", body: `null`, kind: apierr.KindBackendProtocol},
		{name: "array", body: `[]`, kind: apierr.KindBackendProtocol},
	}

	calls := map[string]func(c *Client) error{
		"chat": func(c *Client) error {
			_, err := c.Chat(context.Background(), ChatRequest{Model: "mistral"})
			return err
		},
		"generate": func(c *Client) error {
			_, err := c.Generate(context.Background(), GenerateRequest{Model: "mistral"})
			return err
		},
		"list": func(c *Client) error {
			_, err := c.ListModels(context.Background())
			return err
		},
	}

	for _, tt := range tests {
		for op, call := range calls {
			t.Run(op+"/"+tt.name, func(t *testing.T) {
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Type", "application/json")
					fmt.Fprint(w, tt.body)
				}))
				defer srv.Close()

				c := newTestClient(t, srv.URL, 2*time.Second)
				err := call(c)
				require.Error(t, err)
				assert.True(t, apierr.Is(err, tt.kind), "got %v", err)
			})
		}
	}
}

func TestChatUnfinishedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"mistral","message":{"role":"assistant","content":"hel"},"done":false}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "mistral"})
	assert.True(t, apierr.Is(err, apierr.KindBackendProtocol), "got %v", err)
}

func TestListModelsEngineErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `{"error":"failed to read manifests"}`)
			return
		}
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, models)
	assert.Equal(t, int32(2), calls.Load())
}

func TestVersionMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"build":"x"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	_, err := c.Version(context.Background())
	assert.True(t, apierr.Is(err, apierr.KindBackendProtocol), "got %v", err)
}

func TestChatCallerCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := c.Chat(ctx, ChatRequest{Model: "mistral"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func streamHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}
}

func TestChatStream(t *testing.T) {
	var streamFlag atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		streamFlag.Store(req.Stream)
		streamHandler(
			`{"model":"mistral","message":{"role":"assistant","content":"he"},"done":false}`,
			``,
			`{"model":"mistral","message":{"role":"assistant","content":"llo"},"done":false}`,
			`{"model":"mistral","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":2}`,
		)(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	stream, err := c.ChatStream(context.Background(), ChatRequest{Model: "mistral"})
	require.NoError(t, err)
	defer stream.Close()

	var contents []string
	var last ChatResponse
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		contents = append(contents, chunk.Message.Content)
		last = chunk
	}

	assert.True(t, streamFlag.Load())
	assert.Equal(t, []string{"he", "llo", ""}, contents)
	assert.True(t, last.Done)
	assert.Equal(t, "stop", last.DoneReason)

	// exhausted streams stay exhausted
	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestGenerateStreamMalformedLine(t *testing.T) {
	srv := httptest.NewServer(streamHandler(
		`{"model":"llama3","response":"Once","done":false}`,
		`{"model":"llama3","response":`,
	))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	stream, err := c.GenerateStream(context.Background(), GenerateRequest{Model: "llama3", Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "Once", chunk.Response)

	_, err = stream.Next()
	assert.True(t, apierr.Is(err, apierr.KindBackendProtocol), "got %v", err)
}

func TestChatStreamInbandError(t *testing.T) {
	srv := httptest.NewServer(streamHandler(
		`{"model":"mistral","message":{"role":"assistant","content":"he"},"done":false}`,
		`{"error":"model runner has unexpectedly stopped"}`,
	))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	stream, err := c.ChatStream(context.Background(), ChatRequest{Model: "mistral"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	require.NoError(t, err)

	_, err = stream.Next()
	var e *apierr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, apierr.KindBackendUnavailable, e.Kind)
	assert.Contains(t, e.Message, "unexpectedly stopped")
}

func TestChatStreamCloseCancelsBackend(t *testing.T) {
	cancelled := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"mistral","message":{"role":"assistant","content":"he"},"done":false}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(cancelled)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5*time.Second)
	stream, err := c.ChatStream(context.Background(), ChatRequest{Model: "mistral"})
	require.NoError(t, err)

	_, err = stream.Next()
	require.NoError(t, err)
	stream.Close()
	stream.Close()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("backend request was not cancelled after Close")
	}

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestListModelsRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"mistral:latest","modified_at":"2024-05-01T10:00:00Z"},{"name":"llama3:8b","modified_at":"2024-04-01T10:00:00Z"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, models, 2)
	assert.Equal(t, "mistral:latest", models[0].Name)
}

func TestListModelsGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	_, err := c.ListModels(context.Background())
	assert.True(t, apierr.Is(err, apierr.KindBackendUnavailable), "got %v", err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	_, err := c.ListModels(context.Background())
	assert.True(t, apierr.Is(err, apierr.KindBackendProtocol), "got %v", err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "mistral"})
	assert.True(t, apierr.Is(err, apierr.KindBackendUnavailable))
	assert.Equal(t, int32(1), calls.Load())
}

func TestVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		fmt.Fprint(w, `{"version":"0.3.12"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2*time.Second)
	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.3.12", v)
}
