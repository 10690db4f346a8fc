package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/putergate/putergate/pkg/config"
	"github.com/putergate/putergate/pkg/renew"
)

const (
	clientToken = "client-token-1234567890"
	quotaBody   = `{"success":false,"error":{"delegate":"usage-limited-chat","message":"Usage is limited","code":"error_400_from_delegate","status":400}}`
)

type countingAgent struct {
	mu    sync.Mutex
	calls int
	token string
	block chan struct{}
}

func (a *countingAgent) Register(ctx context.Context) (string, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return a.token, nil
}

func (a *countingAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// newTestGateway stands up a fake upstream plus a gateway wired to it.
func newTestGateway(t *testing.T, upstream http.Handler, agent *countingAgent) (*Server, *httptest.Server) {
	t.Helper()
	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	dir := t.TempDir()
	cfg := config.NewDefaultServerConfig()
	cfg.Upstream.APIURL = up.URL + "/drivers/call"
	cfg.Upstream.ModelsURL = up.URL + "/models"
	cfg.Upstream.TimeoutSeconds = 5
	cfg.Upstream.ModelsCachePath = filepath.Join(dir, "models-cache.json")
	cfg.Credential.Path = filepath.Join(dir, "credential.env")
	cfg.Renewal.TimeoutSeconds = 5

	store := config.NewCredentialStore(cfg.Credential.Path, "API_TOKEN")
	if err := store.Replace(clientToken); err != nil {
		t.Fatal(err)
	}
	var a renew.Agent
	if agent != nil {
		a = agent
	}
	srv := NewServer(cfg, store, a)
	gw := httptest.NewServer(srv.routes())
	t.Cleanup(gw.Close)
	return srv, gw
}

func postJSON(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func chatUpstream(content string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := map[string]any{
			"message": map[string]any{"role": "assistant", "content": content},
			"usage":   []map[string]any{{"type": "prompt", "amount": 9}, {"type": "completion", "amount": 4}},
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "result": result})
	})
}

func TestChatCompletionHappyPath(t *testing.T) {
	_, gw := newTestGateway(t, chatUpstream("Hello from upstream"), nil)
	resp := postJSON(t, gw.URL+"/v1/chat/completions", clientToken,
		`{"model":"gpt-4.1-nano","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var out ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(out.ID, "chatcmpl-") {
		t.Fatalf("id: %q", out.ID)
	}
	if out.Object != "chat.completion" || len(out.Choices) != 1 {
		t.Fatalf("shape: %+v", out)
	}
	if out.Choices[0].Message.Content != "Hello from upstream" {
		t.Fatalf("content: %q", out.Choices[0].Message.Content)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish reason: %q", out.Choices[0].FinishReason)
	}
	if out.Usage.PromptTokens != 9 || out.Usage.CompletionTokens != 4 || out.Usage.TotalTokens != 13 {
		t.Fatalf("usage: %+v", out.Usage)
	}
}

func TestChatRequiresCredential(t *testing.T) {
	// An empty store and no Authorization header means the request cannot be
	// forwarded at all.
	store := config.NewCredentialStore(filepath.Join(t.TempDir(), "absent.env"), "API_TOKEN")
	cfg := config.NewDefaultServerConfig()
	cfg.Upstream.ModelsCachePath = filepath.Join(t.TempDir(), "models-cache.json")
	srv := NewServer(cfg, store, nil)
	gw := httptest.NewServer(srv.routes())
	defer gw.Close()

	resp := postJSON(t, gw.URL+"/v1/chat/completions", "",
		`{"model":"gpt-4.1-nano","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	// Short bearer values are not credentials either.
	resp = postJSON(t, gw.URL+"/v1/chat/completions", "short",
		`{"model":"gpt-4.1-nano","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("short token status: %d", resp.StatusCode)
	}
}

func TestBearerOverrideWinsOverStore(t *testing.T) {
	var gotAuth string
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		chatUpstream("ok").ServeHTTP(w, r)
	})
	_, gw := newTestGateway(t, upstream, nil)
	resp := postJSON(t, gw.URL+"/v1/chat/completions", "override-token-9876543210",
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if gotAuth != "Bearer override-token-9876543210" {
		t.Fatalf("upstream auth: %q", gotAuth)
	}
}

func TestQuotaExhaustionTriggersSingleRenewal(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(quotaBody))
	})
	agent := &countingAgent{token: "renewed-token-abcdef123", block: make(chan struct{})}
	srv, gw := newTestGateway(t, upstream, agent)

	body := `{"model":"gpt-4.1-nano","messages":[{"role":"user","content":"hi"}]}`
	for i := 0; i < 3; i++ {
		resp := postJSON(t, gw.URL+"/v1/chat/completions", clientToken, body)
		if resp.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("request %d status: %d", i, resp.StatusCode)
		}
		var out errorBody
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Error.Type != "usage_limited_error" {
			t.Fatalf("error type: %q", out.Error.Type)
		}
		if !out.Error.AutoRegister {
			t.Fatal("auto_register flag missing")
		}
	}
	// Three quota hits while the agent is blocked must coalesce into one run.
	if agent.callCount() != 1 {
		t.Fatalf("agent invoked %d times, want 1", agent.callCount())
	}
	close(agent.block)

	deadline := time.After(5 * time.Second)
	for srv.creds.Get() != "renewed-token-abcdef123" {
		select {
		case <-deadline:
			t.Fatal("renewed credential never installed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUpstreamFailureIs502NotRenewal(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})
	agent := &countingAgent{token: "unused-token-abcdef123"}
	_, gw := newTestGateway(t, upstream, agent)

	resp := postJSON(t, gw.URL+"/v1/chat/completions", clientToken,
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if agent.callCount() != 0 {
		t.Fatal("non-quota failure triggered a renewal")
	}
}

func streamingUpstream(lines ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			w.Write([]byte(line + "\n"))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	})
}

func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, data)
		}
	}
	return events
}

func TestChatStreamingSSE(t *testing.T) {
	_, gw := newTestGateway(t, streamingUpstream(
		`{"type":"text","text":"Hel"}`,
		`{"type":"text","text":"lo"}`,
	), nil)
	resp := postJSON(t, gw.URL+"/v1/chat/completions", clientToken,
		`{"model":"gpt-4.1-nano","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}
	events := readSSE(t, resp)
	if len(events) < 4 {
		t.Fatalf("too few events: %v", events)
	}
	if events[len(events)-1] != "[DONE]" {
		t.Fatalf("missing [DONE]; last event %q", events[len(events)-1])
	}

	var first, last ChatCompletionChunk
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if first.Choices[0].Delta.Role != "assistant" {
		t.Fatalf("first chunk must carry the role: %+v", first)
	}
	if err := json.Unmarshal([]byte(events[len(events)-2]), &last); err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Fatalf("final chunk finish reason: %+v", last)
	}
	if last.Usage == nil || last.Usage.CompletionTokens < 1 {
		t.Fatalf("final chunk usage: %+v", last.Usage)
	}

	var text string
	for _, ev := range events[1 : len(events)-2] {
		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("chunk %q: %v", ev, err)
		}
		text += chunk.Choices[0].Delta.Content
	}
	if text != "Hello" {
		t.Fatalf("assembled text: %q", text)
	}
}

func TestChatStreamingMidStreamErrorIsTerminalEvent(t *testing.T) {
	agent := &countingAgent{token: "renewed-token-abcdef123"}
	_, gw := newTestGateway(t, streamingUpstream(
		`{"type":"text","text":"partial"}`,
		quotaBody,
	), agent)
	resp := postJSON(t, gw.URL+"/v1/chat/completions", clientToken,
		`{"model":"gpt-4.1-nano","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	events := readSSE(t, resp)
	if events[len(events)-1] != "[DONE]" {
		t.Fatal("stream did not end with [DONE]")
	}
	var errEvent errorBody
	if err := json.Unmarshal([]byte(events[len(events)-2]), &errEvent); err != nil {
		t.Fatalf("error event: %v", err)
	}
	if errEvent.Error.Type != "usage_limited_error" || !errEvent.Error.AutoRegister {
		t.Fatalf("error event: %+v", errEvent)
	}

	deadline := time.After(5 * time.Second)
	for agent.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("mid-stream quota error never triggered a renewal")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTemperatureStrippedForReasoningModels(t *testing.T) {
	var gotArgs json.RawMessage
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call struct {
			Args json.RawMessage `json:"args"`
		}
		json.NewDecoder(r.Body).Decode(&call)
		gotArgs = call.Args
		chatUpstream("ok").ServeHTTP(w, r)
	})
	_, gw := newTestGateway(t, upstream, nil)
	resp := postJSON(t, gw.URL+"/v1/chat/completions", clientToken,
		`{"model":"o3-mini","temperature":0.7,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if bytes.Contains(gotArgs, []byte("temperature")) {
		t.Fatalf("temperature forwarded for o3-mini: %s", gotArgs)
	}
}

func TestImageGeneration(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "result": "aGVsbG8="})
	})
	_, gw := newTestGateway(t, upstream, nil)
	resp := postJSON(t, gw.URL+"/v1/images/generations", clientToken,
		`{"prompt":"a lighthouse","n":2,"response_format":"b64_json"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var out ImageGenerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Data) != 2 || out.Data[0].B64JSON != "aGVsbG8=" {
		t.Fatalf("data: %+v", out.Data)
	}
}

func TestSpeechVoiceMappingAndPayload(t *testing.T) {
	var gotArgs struct {
		Text   string `json:"text"`
		Voice  string `json:"voice"`
		Engine string `json:"engine"`
	}
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call struct {
			Args json.RawMessage `json:"args"`
		}
		json.NewDecoder(r.Body).Decode(&call)
		json.Unmarshal(call.Args, &gotArgs)
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3bytes"))
	})
	_, gw := newTestGateway(t, upstream, nil)
	resp := postJSON(t, gw.URL+"/v1/audio/speech", clientToken,
		`{"model":"tts-1-hd","voice":"alloy","input":"read this","speed":1.5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("content type: %q", ct)
	}
	if gotArgs.Voice != "Joanna" {
		t.Fatalf("voice mapping: %q", gotArgs.Voice)
	}
	if gotArgs.Engine != "neural" {
		t.Fatalf("engine for tts-1-hd: %q", gotArgs.Engine)
	}
	if !strings.Contains(gotArgs.Text, `prosody rate="150%"`) {
		t.Fatalf("speed not applied via SSML: %q", gotArgs.Text)
	}
}

func TestModelsListLiveAndFallback(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/models") {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"models":["alpha-model","beta-model"]}`))
			return
		}
		http.NotFound(w, r)
	})
	_, gw := newTestGateway(t, upstream, nil)

	req, _ := http.NewRequest(http.MethodGet, gw.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+clientToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Object string      `json:"object"`
		Data   []ModelCard `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "list" || len(out.Data) != 2 || out.Data[0].ID != "alpha-model" {
		t.Fatalf("live list: %+v", out)
	}
}

func TestModelsFallbackWhenUpstreamDown(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, gw := newTestGateway(t, upstream, nil)

	req, _ := http.NewRequest(http.MethodGet, gw.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+clientToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fallback must still serve 200, got %d", resp.StatusCode)
	}
	var out struct {
		Data []ModelCard `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Data) == 0 {
		t.Fatal("fallback list empty")
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, gw := newTestGateway(t, http.NotFoundHandler(), nil)
	resp, err := http.Get(gw.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("health body: %v", out)
	}
}

func TestInvalidRequestBodies(t *testing.T) {
	_, gw := newTestGateway(t, chatUpstream("x"), nil)
	for name, body := range map[string]string{
		"empty":       ``,
		"not json":    `not json at all`,
		"no messages": `{"model":"gpt-4.1-nano"}`,
	} {
		resp := postJSON(t, gw.URL+"/v1/chat/completions", clientToken, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d", name, resp.StatusCode)
		}
	}
}

// The gateway must be consumable by a stock OpenAI SDK client.
func TestOpenAIClientCompatibility(t *testing.T) {
	_, gw := newTestGateway(t, chatUpstream("sdk says hi"), nil)

	cfg := openai.DefaultConfig(clientToken)
	cfg.BaseURL = gw.URL + "/v1"
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model: "gpt-4.1-nano",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("sdk chat completion: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "sdk says hi" {
		t.Fatalf("sdk response: %+v", resp)
	}

	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("sdk list models: %v", err)
	}
	if len(models.Models) == 0 {
		t.Fatal("sdk model list empty")
	}
}
