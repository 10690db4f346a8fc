package puter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/putergate/putergate/pkg/config"
)

const maxResponseBytes = 16 << 20

// Client dispatches driver calls against the upstream. The credential for
// each call is resolved at dispatch time: an explicit per-request override
// wins, otherwise the store's current value is used, so a renewal becomes
// effective for the very next call without any client rebuild.
type Client struct {
	apiURL     string
	modelsURL  string
	httpClient *http.Client
	creds      *config.CredentialStore
}

func NewClient(cfg config.UpstreamConfig, creds *config.CredentialStore) *Client {
	return &Client{
		apiURL:    cfg.APIURL,
		modelsURL: cfg.ModelsURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		creds: creds,
	}
}

// Credential resolves the token for a call. Short override values are
// ignored the same way the Authorization header rule works: anything of 8
// chars or less cannot be a real token.
func (c *Client) Credential(override string) string {
	override = strings.TrimSpace(override)
	if len(override) > 8 {
		return override
	}
	return c.creds.Get()
}

// decorate applies the browser-shaped headers the upstream expects from
// docs.puter.com callers.
func decorate(req *http.Request, credential string) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Origin", "https://docs.puter.com")
	req.Header.Set("Referer", "https://docs.puter.com/")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	req.Header.Set("Authorization", "Bearer "+credential)
}

func (c *Client) callDriver(ctx context.Context, call driverCall, credentialOverride string) (json.RawMessage, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("encode driver call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	decorate(req, c.Credential(credentialOverride))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError("driver call", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError("driver response read", err)
	}
	return parseDriverResponse(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
}

// parseDriverResponse unwraps the success/error envelope. Non-JSON bodies on
// a 2xx pass through raw (image and audio drivers return binary).
func parseDriverResponse(status int, contentType string, raw []byte) (json.RawMessage, error) {
	if strings.HasPrefix(contentType, "application/json") || looksLikeJSON(raw) {
		var env driverEnvelope
		if err := json.Unmarshal(raw, &env); err == nil {
			if env.Error != nil {
				if env.Error.Status == 0 {
					env.Error.Status = status
				}
				return nil, env.Error
			}
			if env.Success {
				return env.Result, nil
			}
		}
	}
	if status < 200 || status > 299 {
		return nil, &StatusError{Status: status, Body: string(raw)}
	}
	return raw, nil
}

func looksLikeJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// Chat performs a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, args ChatArgs, credentialOverride string) (*ChatResult, error) {
	args.Stream = false
	result, err := c.callDriver(ctx, driverCall{
		Interface: chatInterface,
		Driver:    ChatDriver(args.Model),
		Method:    "complete",
		Args:      args,
	}, credentialOverride)
	if err != nil {
		return nil, err
	}
	var out ChatResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("decode chat result: %w", err)
	}
	return &out, nil
}

// GenerateImage returns the generated image as base64-encoded PNG data.
func (c *Client) GenerateImage(ctx context.Context, args ImageArgs, credentialOverride string) (string, error) {
	result, err := c.callDriver(ctx, driverCall{
		Interface: imageInterface,
		Method:    "generate",
		Args:      args,
	}, credentialOverride)
	if err != nil {
		return "", err
	}
	var b64 string
	if err := json.Unmarshal(result, &b64); err == nil && b64 != "" {
		return b64, nil
	}
	// Binary passthrough from the driver.
	return base64.StdEncoding.EncodeToString(result), nil
}

// Synthesize converts text to speech and returns the raw audio bytes.
func (c *Client) Synthesize(ctx context.Context, args SpeechArgs, credentialOverride string) ([]byte, error) {
	if args.Language == "" {
		args.Language = "en-US"
	}
	result, err := c.callDriver(ctx, driverCall{
		Interface: ttsInterface,
		Driver:    ttsDriver,
		Method:    "synthesize",
		Args:      args,
	}, credentialOverride)
	if err != nil {
		return nil, err
	}
	// Audio normally arrives as raw bytes; some driver variants wrap it in a
	// JSON string of base64.
	var b64 string
	if looksLikeJSON(result) && json.Unmarshal(result, &b64) == nil {
		if decoded, err := base64.StdEncoding.DecodeString(b64); err == nil {
			return decoded, nil
		}
	}
	return result, nil
}

// ListModels fetches the live model catalogue. Entries may be plain strings
// or objects carrying an id/name.
func (c *Client) ListModels(ctx context.Context, credentialOverride string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsURL, nil)
	if err != nil {
		return nil, err
	}
	decorate(req, c.Credential(credentialOverride))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError("models list", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return nil, &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}
	var payload struct {
		Models []json.RawMessage `json:"models"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode models list: %w", err)
	}
	models := make([]string, 0, len(payload.Models))
	for _, entry := range payload.Models {
		var name string
		if err := json.Unmarshal(entry, &name); err == nil {
			if name != "" {
				models = append(models, name)
			}
			continue
		}
		var obj struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(entry, &obj); err != nil {
			continue
		}
		if obj.ID != "" {
			models = append(models, obj.ID)
		} else if obj.Name != "" {
			models = append(models, obj.Name)
		}
	}
	return models, nil
}
