package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ollama-gateway/internal/apierr"
)

const (
	objectChatCompletion      = "chat.completion"
	objectChatCompletionChunk = "chat.completion.chunk"
	objectTextCompletion      = "text_completion"
	objectModel               = "model"
	objectList                = "list"
)

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// Decoding only checks the shape of polymorphic fields; semantic validation
// happens when the request is translated.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`
}

// UnmarshalJSON accepts `stop` as a string or a list of strings.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       string          `json:"model"`
		Messages    []ChatMessage   `json:"messages"`
		Stream      bool            `json:"stream"`
		MaxTokens   *int            `json:"max_tokens"`
		Temperature *float64        `json:"temperature"`
		TopP        *float64        `json:"top_p"`
		Stop        json.RawMessage `json:"stop"`
		User        string          `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return decodeError(err)
	}

	stop, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.Stop = stop
	r.User = raw.User
	return nil
}

// ChatMessage is a single message within a chat request or response.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return decodeError(err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", apierr.InvalidRequest("messages.content", fmt.Sprintf("content part type %q is not supported", segment.Type))
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", apierr.InvalidRequest("messages.content", "content must be a string or a list of text parts")
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			if item == "" {
				return nil, apierr.InvalidRequest("stop", "stop sequences must not be empty")
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, apierr.InvalidRequest("stop", "stop must be a string or a list of strings")
}

// CompletionRequest models the legacy OpenAI text completions request payload.
type CompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// UnmarshalJSON accepts `prompt` as a string or a list of strings joined by
// newlines.
func (r *CompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       string          `json:"model"`
		Prompt      json.RawMessage `json:"prompt"`
		Stream      bool            `json:"stream"`
		MaxTokens   *int            `json:"max_tokens"`
		Temperature *float64        `json:"temperature"`
		TopP        *float64        `json:"top_p"`
		Stop        json.RawMessage `json:"stop"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return decodeError(err)
	}

	prompt, err := extractPrompt(raw.Prompt)
	if err != nil {
		return err
	}
	stop, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Prompt = prompt
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.Stop = stop
	return nil
}

func extractPrompt(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil {
		return strings.Join(parts, "\n"), nil
	}

	return "", apierr.InvalidRequest("prompt", "prompt must be a string or a list of strings")
}

// Usage mirrors the token usage block in OpenAI responses.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionChunk is one server-sent event of a streamed chat response.
type ChatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
	Usage   *Usage            `json:"usage,omitempty"`
}

// ChatChunkChoice carries the incremental delta. FinishReason stays null until
// the final chunk.
type ChatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

// ChatDelta is the incremental message content of a chunk.
type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// CompletionResponse models the OpenAI completion response payload. The same
// shape is used for streamed chunks.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// CompletionChoice represents a single completion choice.
type CompletionChoice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	Logprobs     any     `json:"logprobs"`
	FinishReason *string `json:"finish_reason"`
}

// ModelInfo is one entry of the /v1/models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response body.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

func decodeError(err error) error {
	var e *apierr.Error
	if errors.As(err, &e) {
		return e
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return apierr.InvalidRequest(typeErr.Field, fmt.Sprintf("field %q must be of type %s", typeErr.Field, typeErr.Type))
	}
	return apierr.Wrap(apierr.KindInvalidRequest, err, "request body is not valid JSON")
}
