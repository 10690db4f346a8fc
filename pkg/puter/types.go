// Package puter is a client for the Puter driver API. Every capability goes
// through the single /drivers/call endpoint with an interface/driver/method
// triple; this package owns the wire shapes, the streaming framing, and the
// classification of driver errors.
package puter

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	chatInterface  = "puter-chat-completion"
	imageInterface = "puter-image-generation"
	ttsInterface   = "puter-tts"

	defaultChatDriver = "openai-completion"
	ttsDriver         = "aws-polly"
)

// driverCall is the request envelope for /drivers/call. test_mode is always
// false: test mode skips billing and returns canned results.
type driverCall struct {
	Interface string `json:"interface"`
	Driver    string `json:"driver,omitempty"`
	Method    string `json:"method"`
	Args      any    `json:"args"`
	TestMode  bool   `json:"test_mode"`
}

// driverEnvelope is the response envelope for /drivers/call.
type driverEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *APIError       `json:"error"`
}

// Message is a chat message in either schema; Content stays untyped because
// vision requests carry structured content parts that are relayed verbatim.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ChatArgs are the driver arguments for puter-chat-completion/complete.
type ChatArgs struct {
	Messages    []Message         `json:"messages"`
	Model       string            `json:"model"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	Vision      bool              `json:"vision,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

// ChatDriver derives the upstream driver from the model name. Models written
// as "<driver>:<name>" (e.g. openrouter:moonshotai/kimi-k2) route to that
// driver; everything else uses the OpenAI-compatible driver.
func ChatDriver(model string) string {
	if idx := strings.Index(model, ":"); idx > 0 {
		return model[:idx]
	}
	return defaultChatDriver
}

// ChatMessage is the assistant message inside a chat result.
type ChatMessage struct {
	Role      string          `json:"role"`
	Content   any             `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// Text flattens the assistant content to a plain string.
func (m ChatMessage) Text() string {
	switch c := m.Content.(type) {
	case string:
		return c
	case nil:
		return ""
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		return string(b)
	}
}

// UsageEntry is one element of the driver usage array.
type UsageEntry struct {
	Type   string `json:"type"`
	Amount int    `json:"amount"`
}

// ChatResult is the result payload of a non-streaming chat completion.
type ChatResult struct {
	Message ChatMessage  `json:"message"`
	Usage   []UsageEntry `json:"usage"`
}

// Tokens extracts prompt/completion counts from the usage array. Missing
// entries come back as -1 so callers can fall back to estimation.
func (r *ChatResult) Tokens() (prompt, completion int) {
	prompt, completion = -1, -1
	if r == nil {
		return
	}
	for _, u := range r.Usage {
		switch u.Type {
		case "prompt":
			prompt = u.Amount
		case "completion":
			completion = u.Amount
		}
	}
	return
}

// ImageArgs are the driver arguments for puter-image-generation/generate.
type ImageArgs struct {
	Prompt string `json:"prompt"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// SpeechArgs are the driver arguments for puter-tts/synthesize.
type SpeechArgs struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Engine   string `json:"engine"`
	Language string `json:"language"`
}
