// Package translator maps between the OpenAI wire format spoken to API
// clients and the inference engine's native format. It is pure: no I/O, no
// shared state beyond the clock and ID source.
package translator

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ollama-gateway/internal/apierr"
	"ollama-gateway/internal/config"
	"ollama-gateway/internal/ollama"
)

const (
	chatIDPrefix       = "chatcmpl-"
	completionIDPrefix = "cmpl-"
	idLength           = 24

	defaultFinishReason = "stop"
	assistantRole       = "assistant"
)

var allowedRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
}

// Defaults are applied to requests that omit a sampling parameter.
type Defaults struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
	KeepAlive   time.Duration
}

// Translator converts requests, responses and stream chunks.
type Translator struct {
	defaults Defaults
	now      func() time.Time
	newID    func() string
}

// New returns a Translator applying d to requests.
func New(d Defaults) *Translator {
	return &Translator{
		defaults: d,
		now:      time.Now,
		newID:    randomID,
	}
}

func randomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idLength]
}

// ChatRequest validates req and builds the backend chat request.
func (t *Translator) ChatRequest(req ChatCompletionRequest) (ollama.ChatRequest, error) {
	if req.Model == "" {
		return ollama.ChatRequest{}, apierr.InvalidRequest("model", "model must be provided")
	}
	if len(req.Messages) == 0 {
		return ollama.ChatRequest{}, apierr.InvalidRequest("messages", "at least one message is required")
	}

	messages := make([]ollama.Message, 0, len(req.Messages))
	for i, msg := range req.Messages {
		if _, ok := allowedRoles[msg.Role]; !ok {
			return ollama.ChatRequest{}, apierr.InvalidRequest(
				fmt.Sprintf("messages[%d].role", i),
				fmt.Sprintf("role %q is not supported; use system, user or assistant", msg.Role),
			)
		}
		if strings.TrimSpace(msg.Content) == "" {
			return ollama.ChatRequest{}, apierr.InvalidRequest(
				fmt.Sprintf("messages[%d].content", i),
				"message content must not be empty",
			)
		}
		messages = append(messages, ollama.Message{Role: msg.Role, Content: msg.Content})
	}

	opts, err := t.options(req.Temperature, req.TopP, req.MaxTokens, req.Stop)
	if err != nil {
		return ollama.ChatRequest{}, err
	}

	return ollama.ChatRequest{
		Model:     req.Model,
		Messages:  messages,
		Stream:    req.Stream,
		Options:   opts,
		KeepAlive: t.keepAlive(),
	}, nil
}

// CompletionRequest validates req and builds the backend generate request.
func (t *Translator) CompletionRequest(req CompletionRequest) (ollama.GenerateRequest, error) {
	if req.Model == "" {
		return ollama.GenerateRequest{}, apierr.InvalidRequest("model", "model must be provided")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return ollama.GenerateRequest{}, apierr.InvalidRequest("prompt", "prompt must not be empty")
	}

	opts, err := t.options(req.Temperature, req.TopP, req.MaxTokens, req.Stop)
	if err != nil {
		return ollama.GenerateRequest{}, err
	}

	return ollama.GenerateRequest{
		Model:     req.Model,
		Prompt:    req.Prompt,
		Stream:    req.Stream,
		Options:   opts,
		KeepAlive: t.keepAlive(),
	}, nil
}

func (t *Translator) options(temperature, topP *float64, maxTokens *int, stop []string) (*ollama.Options, error) {
	temp := t.defaults.Temperature
	if temperature != nil {
		if *temperature < 0 || *temperature > 2 {
			return nil, apierr.InvalidRequest("temperature", "temperature must be between 0 and 2")
		}
		temp = *temperature
	}

	p := t.defaults.TopP
	if topP != nil {
		if *topP < 0 || *topP > 1 {
			return nil, apierr.InvalidRequest("top_p", "top_p must be between 0 and 1")
		}
		p = *topP
	}

	n := t.defaults.MaxTokens
	if maxTokens != nil {
		if *maxTokens < 1 {
			return nil, apierr.InvalidRequest("max_tokens", "max_tokens must be at least 1")
		}
		n = *maxTokens
	}

	opts := &ollama.Options{Temperature: &temp, Stop: stop}
	if p > 0 {
		opts.TopP = &p
	}
	if n > 0 {
		opts.NumPredict = &n
	}
	return opts, nil
}

func (t *Translator) keepAlive() string {
	if t.defaults.KeepAlive <= 0 {
		return ""
	}
	return t.defaults.KeepAlive.String()
}

// ChatResponse converts a complete backend chat answer. requested is the
// model the client asked for; the backend's own name wins when reported.
func (t *Translator) ChatResponse(requested string, resp *ollama.ChatResponse) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      chatIDPrefix + t.newID(),
		Object:  objectChatCompletion,
		Created: t.now().Unix(),
		Model:   modelName(resp.Model, requested),
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ChatMessage{Role: assistantRole, Content: resp.Message.Content},
			FinishReason: finishReason(resp.DoneReason),
		}},
		Usage: usageFrom(resp.Metrics),
	}
}

// CompletionResponse converts a complete backend generate answer.
func (t *Translator) CompletionResponse(requested string, resp *ollama.GenerateResponse) CompletionResponse {
	reason := finishReason(resp.DoneReason)
	return CompletionResponse{
		ID:      completionIDPrefix + t.newID(),
		Object:  objectTextCompletion,
		Created: t.now().Unix(),
		Model:   modelName(resp.Model, requested),
		Choices: []CompletionChoice{{
			Text:         resp.Response,
			Index:        0,
			FinishReason: &reason,
		}},
		Usage: usageFrom(resp.Metrics),
	}
}

// StreamHeader holds the fields shared by every chunk of one streamed
// response.
type StreamHeader struct {
	ID      string
	Created int64
	Model   string
}

// ChatHeader starts a streamed chat response for the requested model.
func (t *Translator) ChatHeader(requested string) StreamHeader {
	return StreamHeader{ID: chatIDPrefix + t.newID(), Created: t.now().Unix(), Model: requested}
}

// CompletionHeader starts a streamed completion response.
func (t *Translator) CompletionHeader(requested string) StreamHeader {
	return StreamHeader{ID: completionIDPrefix + t.newID(), Created: t.now().Unix(), Model: requested}
}

// ChatChunk maps one backend chunk to at most one OpenAI chunk. ok is false
// when the chunk carries nothing worth sending. The first frame of a stream
// announces the assistant role.
func ChatChunk(h StreamHeader, chunk ollama.ChatResponse, first bool) (out ChatCompletionChunk, ok bool) {
	if !chunk.Done && chunk.Message.Content == "" {
		return ChatCompletionChunk{}, false
	}

	choice := ChatChunkChoice{Index: 0, Delta: ChatDelta{Content: chunk.Message.Content}}
	if first {
		choice.Delta.Role = assistantRole
	}

	out = ChatCompletionChunk{
		ID:      h.ID,
		Object:  objectChatCompletionChunk,
		Created: h.Created,
		Model:   modelName(chunk.Model, h.Model),
		Choices: []ChatChunkChoice{choice},
	}
	if chunk.Done {
		reason := finishReason(chunk.DoneReason)
		out.Choices[0].FinishReason = &reason
		out.Usage = usageFrom(chunk.Metrics)
	}
	return out, true
}

// CompletionChunk maps one backend generate chunk to at most one OpenAI
// completion chunk.
func CompletionChunk(h StreamHeader, chunk ollama.GenerateResponse) (out CompletionResponse, ok bool) {
	if !chunk.Done && chunk.Response == "" {
		return CompletionResponse{}, false
	}

	out = CompletionResponse{
		ID:      h.ID,
		Object:  objectTextCompletion,
		Created: h.Created,
		Model:   modelName(chunk.Model, h.Model),
		Choices: []CompletionChoice{{Text: chunk.Response, Index: 0}},
	}
	if chunk.Done {
		reason := finishReason(chunk.DoneReason)
		out.Choices[0].FinishReason = &reason
		out.Usage = usageFrom(chunk.Metrics)
	}
	return out, true
}

// Models reshapes the backend's installed models into the OpenAI listing.
func (t *Translator) Models(list []ollama.Model, ownedBy string) ModelList {
	data := make([]ModelInfo, 0, len(list))
	for _, m := range list {
		id := m.Name
		if id == "" {
			id = m.Model
		}
		if id == "" {
			continue
		}
		created := m.ModifiedAt.Unix()
		if m.ModifiedAt.IsZero() {
			created = t.now().Unix()
		}
		data = append(data, ModelInfo{
			ID:      id,
			Object:  objectModel,
			Created: created,
			OwnedBy: ownedBy,
		})
	}
	return ModelList{Object: objectList, Data: data}
}

func modelName(reported, requested string) string {
	if reported != "" {
		return reported
	}
	return requested
}

// finishReason maps the engine's done_reason onto the OpenAI vocabulary, which
// only distinguishes a natural stop from hitting the token limit.
func finishReason(doneReason string) string {
	if doneReason == "length" {
		return "length"
	}
	return defaultFinishReason
}

func usageFrom(m ollama.Metrics) *Usage {
	if !m.HasUsage() {
		return nil
	}
	prompt, completion := m.Tokens()
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// DefaultsFromConfig converts the configured request defaults.
func DefaultsFromConfig(d config.DefaultsConfig) Defaults {
	return Defaults{
		Temperature: d.Temperature,
		MaxTokens:   d.MaxTokens,
		TopP:        d.TopP,
		KeepAlive:   d.KeepAlive,
	}
}
