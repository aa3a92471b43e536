package ollama

import "time"

// Message is one turn of a native chat request or response.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries sampling parameters. Nil fields are left to the engine's
// model defaults.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	Options   *Options  `json:"options,omitempty"`
	KeepAlive string    `json:"keep_alive,omitempty"`
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model     string   `json:"model"`
	Prompt    string   `json:"prompt"`
	Stream    bool     `json:"stream"`
	Options   *Options `json:"options,omitempty"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

// Metrics are the timing and token counters the engine attaches to a final
// response. Counts are pointers so that "not reported" differs from zero.
type Metrics struct {
	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount *int  `json:"prompt_eval_count,omitempty"`
	EvalCount       *int  `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// HasUsage reports whether the engine supplied any token count.
func (m Metrics) HasUsage() bool {
	return m.PromptEvalCount != nil || m.EvalCount != nil
}

// Tokens returns the prompt and completion counts, zero when absent.
func (m Metrics) Tokens() (prompt, completion int) {
	if m.PromptEvalCount != nil {
		prompt = *m.PromptEvalCount
	}
	if m.EvalCount != nil {
		completion = *m.EvalCount
	}
	return prompt, completion
}

// ChatResponse is a complete /api/chat answer or, when streaming, one chunk of
// it.
type ChatResponse struct {
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Message    Message   `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`
	Metrics
}

// GenerateResponse is a complete /api/generate answer or one streamed chunk.
type GenerateResponse struct {
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Response   string    `json:"response"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`
	Metrics
}

// Model is one entry of GET /api/tags.
type Model struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// ModelDetails describes a model's format and quantisation.
type ModelDetails struct {
	Format            string `json:"format"`
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

// TagsResponse is the body of GET /api/tags.
type TagsResponse struct {
	Models []Model `json:"models"`
}

// VersionResponse is the body of GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

// errorResponse is how the engine reports failures, both as a whole body and
// as a line inside a stream.
type errorResponse struct {
	Error string `json:"error"`
}
