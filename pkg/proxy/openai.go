package proxy

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/putergate/putergate/pkg/puter"
)

// ChatCompletionRequest is the OpenAI-shaped chat request. Prompt and Input
// are legacy aliases accepted when Messages is absent.
type ChatCompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []puter.Message   `json:"messages"`
	Prompt      string            `json:"prompt,omitempty"`
	Input       string            `json:"input,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
}

// models that reject the temperature parameter upstream.
var noTemperatureModels = map[string]struct{}{
	"o3":      {},
	"o3-mini": {},
	"o4-mini": {},
}

const defaultChatModel = "gpt-4.1-nano"

// NormalizedMessages returns the message list, falling back to the legacy
// prompt/input fields, with every message given a role.
func (r *ChatCompletionRequest) NormalizedMessages() []puter.Message {
	msgs := r.Messages
	if len(msgs) == 0 {
		prompt := r.Prompt
		if prompt == "" {
			prompt = r.Input
		}
		if prompt != "" {
			msgs = []puter.Message{{Role: "user", Content: prompt}}
		}
	}
	out := make([]puter.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "" {
			m.Role = "user"
		}
		out = append(out, m)
	}
	return out
}

// hasVisionContent reports whether any message carries an image_url content
// part, which requires the vision flag upstream.
func hasVisionContent(msgs []puter.Message) bool {
	for _, m := range msgs {
		parts, ok := m.Content.([]any)
		if !ok {
			continue
		}
		for _, p := range parts {
			if obj, ok := p.(map[string]any); ok {
				if _, ok := obj["image_url"]; ok {
					return true
				}
			}
		}
	}
	return false
}

// promptText flattens message content for token estimation.
func promptText(msgs []puter.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch c := m.Content.(type) {
		case string:
			b.WriteString(c)
		default:
			if raw, err := json.Marshal(c); err == nil {
				b.Write(raw)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// estimateTokens approximates a token count as one per four runes when the
// upstream omits usage data.
func estimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	count := (runes + 3) / 4
	if count < 1 {
		count = 1
	}
	return count
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type ChatCompletionResponse struct {
	ID                string       `json:"id"`
	Object            string       `json:"object"`
	Created           int64        `json:"created"`
	Model             string       `json:"model"`
	Choices           []ChatChoice `json:"choices"`
	Usage             Usage        `json:"usage"`
	SystemFingerprint *string      `json:"system_fingerprint"`
}

type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type ChatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type ChatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
	Usage   *Usage            `json:"usage,omitempty"`
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func newChatResponse(model, content string, toolCalls json.RawMessage, usage Usage) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{
			{
				Index:        0,
				Message:      ChatMessage{Role: "assistant", Content: content, ToolCalls: toolCalls},
				FinishReason: "stop",
			},
		},
		Usage: usage,
	}
}

// ImageGenerationRequest is the OpenAI-shaped image request.
type ImageGenerationRequest struct {
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type ImageData struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

type ImageGenerationResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// SpeechRequest is the OpenAI-shaped text-to-speech request.
type SpeechRequest struct {
	Model          string  `json:"model,omitempty"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// OpenAI voice names mapped to the upstream's Polly voices.
var ttsVoices = map[string]string{
	"alloy":   "Joanna",
	"echo":    "Matthew",
	"fable":   "Amy",
	"onyx":    "Brian",
	"nova":    "Emma",
	"shimmer": "Olivia",
}

var audioContentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/opus",
	"aac":  "audio/aac",
	"flac": "audio/flac",
}

type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// fallbackModels is served when the live catalogue cannot be fetched.
var fallbackModels = []string{
	"gpt-4o-mini", "gpt-4o", "o1", "o1-mini", "o1-pro", "o3", "o3-mini", "o4-mini",
	"gpt-5", "gpt-5-mini", "gpt-5-nano", "gpt-5-chat-latest", "gpt-4.1", "gpt-4.1-mini",
	"gpt-4.1-nano", "gpt-4.5-preview",
	"claude-sonnet-4", "claude-opus-4", "claude-3-7-sonnet", "claude-3-5-sonnet",
	"deepseek-chat", "deepseek-reasoner", "google/gemini-2.0-flash", "google/gemini-1.5-flash",
	"meta-llama/Meta-Llama-3.1-8B-Instruct-Turbo", "meta-llama/Meta-Llama-3.1-70B-Instruct-Turbo",
	"meta-llama/Meta-Llama-3.1-405B-Instruct-Turbo", "mistral-large-latest",
	"pixtral-large-latest", "codestral-latest", "google/gemma-2-27b-it", "grok-beta",
}
