package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/putergate/putergate/pkg/puter"
	"github.com/putergate/putergate/pkg/version"
)

const maxRequestBytes = 8 << 20

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requireCredential resolves the caller's bearer override and enforces that
// some credential exists: header first, store second.
func (s *Server) requireCredential(w http.ResponseWriter, r *http.Request) (string, bool) {
	override := bearerToken(r.Header)
	if s.client.Credential(override) == "" {
		writeError(w, http.StatusUnauthorized, "invalid_request_error",
			"No API credential provided. Pass a bearer token in the Authorization header or configure the credential store.")
		return "", false
	}
	return override, true
}

func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if len(body) == 0 {
		return errors.New("request body required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid json")
	}
	return nil
}

// failUpstream is the single exit path for upstream errors: quota exhaustion
// gets the fixed 429 body and fires a renewal, everything else is surfaced
// verbatim. The renewal outcome is deliberately not awaited.
func (s *Server) failUpstream(w http.ResponseWriter, endpoint string, err error) {
	if s.detector.IsQuotaExhausted(err) {
		s.metrics.upstreamErrors.WithLabelValues("quota_exhausted").Inc()
		accepted := s.coordinator.RequestRenewal()
		if accepted {
			s.metrics.renewals.WithLabelValues("triggered").Inc()
		} else {
			s.metrics.renewals.WithLabelValues("coalesced").Inc()
		}
		s.log.Warn("upstream quota exhausted", "endpoint", endpoint, "renewal_started", accepted)
		writeQuotaExhausted(w, err)
		s.metrics.requestsTotal.WithLabelValues(endpoint, "quota_exhausted").Inc()
		return
	}
	s.metrics.upstreamErrors.WithLabelValues(upstreamErrorKind(err)).Inc()
	s.log.Error("upstream call failed", "endpoint", endpoint, "err", err)
	writeUpstreamError(w, err)
	s.metrics.requestsTotal.WithLabelValues(endpoint, "upstream_error").Inc()
}

func upstreamErrorKind(err error) string {
	var transport *puter.TransportError
	if errors.As(err, &transport) {
		if transport.Timeout {
			return "timeout"
		}
		return "transport"
	}
	return "upstream"
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	override, ok := s.requireCredential(w, r)
	if !ok {
		return
	}
	var req ChatCompletionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	messages := req.NormalizedMessages()
	if len(messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages field is required")
		return
	}
	if req.Model == "" {
		req.Model = defaultChatModel
	}
	temperature := req.Temperature
	if _, noTemp := noTemperatureModels[req.Model]; noTemp && temperature != nil {
		s.log.Warn("model does not support temperature, dropping", "model", req.Model)
		temperature = nil
	}
	args := puter.ChatArgs{
		Messages:    messages,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: temperature,
		Tools:       req.Tools,
		Vision:      hasVisionContent(messages),
	}
	if req.Stream {
		s.streamChat(w, r, args, override)
		return
	}
	s.completeChat(w, r, args, override)
}

func (s *Server) completeChat(w http.ResponseWriter, r *http.Request, args puter.ChatArgs, override string) {
	result, err := s.client.Chat(r.Context(), args, override)
	if err != nil {
		s.failUpstream(w, "chat", err)
		return
	}
	content := result.Message.Text()
	prompt, completion := result.Tokens()
	if prompt < 0 {
		prompt = estimateTokens(promptText(args.Messages))
	}
	if completion < 0 {
		completion = estimateTokens(content)
	}
	usage := Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
	writeJSON(w, http.StatusOK, newChatResponse(args.Model, content, result.Message.ToolCalls, usage))
	s.metrics.requestsTotal.WithLabelValues("chat", "ok").Inc()
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, args puter.ChatArgs, override string) {
	stream, err := s.client.ChatStream(r.Context(), args, override)
	if err != nil {
		s.failUpstream(w, "chat", err)
		return
	}
	defer stream.Close()

	id := newCompletionID()
	created := time.Now().Unix()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	emit := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		if flusher != nil {
			flusher.Flush()
		}
	}
	done := func() {
		fmt.Fprint(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}

	// Role delta first, per OpenAI convention.
	emit(ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: args.Model,
		Choices: []ChatChunkChoice{{Index: 0, Delta: ChatDelta{Role: "assistant"}}},
	})

	var accumulated strings.Builder
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if r.Context().Err() != nil {
				// Caller went away; upstream consumption stops with it.
				s.metrics.requestsTotal.WithLabelValues("chat", "client_gone").Inc()
				return
			}
			// A mid-stream upstream failure must reach the caller as a
			// terminal event, never as a silent truncation.
			if s.detector.IsQuotaExhausted(err) {
				s.metrics.upstreamErrors.WithLabelValues("quota_exhausted").Inc()
				if s.coordinator.RequestRenewal() {
					s.metrics.renewals.WithLabelValues("triggered").Inc()
				} else {
					s.metrics.renewals.WithLabelValues("coalesced").Inc()
				}
				s.log.Warn("upstream quota exhausted mid-stream")
				emit(quotaExhaustedBody(err.Error()))
			} else {
				s.metrics.upstreamErrors.WithLabelValues(upstreamErrorKind(err)).Inc()
				s.log.Error("stream failed mid-flight", "err", err)
				emit(errorBody{Error: errorDetail{Message: err.Error(), Type: "upstream_error"}})
			}
			done()
			s.metrics.requestsTotal.WithLabelValues("chat", "stream_error").Inc()
			return
		}
		text := ev.Text
		if ev.Final != nil {
			text = ev.Final.Message.Text()
		}
		if text == "" {
			continue
		}
		accumulated.WriteString(text)
		emit(ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: args.Model,
			Choices: []ChatChunkChoice{{Index: 0, Delta: ChatDelta{Content: text}}},
		})
	}

	usage := usageFromEntries(stream.Usage(), promptText(args.Messages), accumulated.String())
	stop := "stop"
	emit(ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: args.Model,
		Choices: []ChatChunkChoice{{Index: 0, Delta: ChatDelta{}, FinishReason: &stop}},
		Usage:   &usage,
	})
	done()
	s.metrics.requestsTotal.WithLabelValues("chat", "ok").Inc()
}

func usageFromEntries(entries []puter.UsageEntry, reqText, completionText string) Usage {
	prompt, completion := -1, -1
	for _, u := range entries {
		switch u.Type {
		case "prompt":
			prompt = u.Amount
		case "completion":
			completion = u.Amount
		}
	}
	if prompt < 0 {
		prompt = estimateTokens(reqText)
	}
	if completion < 0 {
		completion = estimateTokens(completionText)
	}
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	override, ok := s.requireCredential(w, r)
	if !ok {
		return
	}
	var req ImageGenerationRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "prompt field is required")
		return
	}
	if req.N <= 0 {
		req.N = 1
	}
	args := puter.ImageArgs{Prompt: req.Prompt}
	if req.Size != "" && req.Size != "1024x1024" {
		if width, height, ok := parseImageSize(req.Size); ok {
			args.Width, args.Height = width, height
		} else {
			s.log.Warn("invalid image size, using default", "size", req.Size)
		}
	}
	b64, err := s.client.GenerateImage(r.Context(), args, override)
	if err != nil {
		s.failUpstream(w, "images", err)
		return
	}
	data := make([]ImageData, 0, req.N)
	for i := 0; i < req.N; i++ {
		if req.ResponseFormat == "b64_json" {
			data = append(data, ImageData{B64JSON: b64})
		} else {
			data = append(data, ImageData{URL: "data:image/png;base64," + b64})
		}
	}
	writeJSON(w, http.StatusOK, ImageGenerationResponse{Created: time.Now().Unix(), Data: data})
	s.metrics.requestsTotal.WithLabelValues("images", "ok").Inc()
}

func parseImageSize(size string) (width, height int, ok bool) {
	parts := strings.SplitN(size, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	width, errW := strconv.Atoi(parts[0])
	height, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return 0, 0, false
	}
	return width, height, true
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	override, ok := s.requireCredential(w, r)
	if !ok {
		return
	}
	var req SpeechRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "input field is required")
		return
	}
	voice, ok := ttsVoices[req.Voice]
	if !ok {
		voice = "Joanna"
	}
	engine := "standard"
	if req.Model == "tts-1-hd" {
		engine = "neural"
	}
	text := req.Input
	if req.Speed != 0 && req.Speed != 1.0 {
		// The upstream voice engine takes rate through SSML.
		text = fmt.Sprintf(`<speak><prosody rate="%d%%">%s</prosody></speak>`, int(req.Speed*100), req.Input)
	}
	audio, err := s.client.Synthesize(r.Context(), puter.SpeechArgs{Text: text, Voice: voice, Engine: engine}, override)
	if err != nil {
		s.failUpstream(w, "speech", err)
		return
	}
	format := req.ResponseFormat
	contentType, ok := audioContentTypes[format]
	if !ok {
		format = "mp3"
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=speech."+format)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
	s.metrics.requestsTotal.WithLabelValues("speech", "ok").Inc()
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	override, ok := s.requireCredential(w, r)
	if !ok {
		return
	}
	now := time.Now().Unix()
	names, err := s.client.ListModels(r.Context(), override)
	if err != nil || len(names) == 0 {
		if err != nil {
			s.log.Warn("live model list unavailable", "err", err)
		}
		names = s.cachedModelNames()
	} else {
		s.storeModelsCache(names)
	}
	cards := make([]ModelCard, 0, len(names))
	for _, name := range names {
		cards = append(cards, ModelCard{ID: name, Object: "model", Created: now, OwnedBy: "puter"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
	s.metrics.requestsTotal.WithLabelValues("models", "ok").Inc()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"version":   version.String(),
		"service":   "putergate",
	})
}
