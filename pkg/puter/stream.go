package puter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StreamEvent is one increment of a streaming chat completion. Text carries
// the delta; Final is set instead when the upstream delivered a complete
// result payload in a single frame.
type StreamEvent struct {
	Text  string
	Final *ChatResult
}

// ChatStream reads line-framed chat increments from the upstream. Recv
// returns io.EOF on a clean end of stream and the upstream's APIError when
// the stream terminates with an in-band driver error.
type ChatStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	usage   []UsageEntry
	err     error
}

// ChatStream opens a streaming chat completion. The returned stream must be
// closed; cancelling ctx aborts the upstream read.
func (c *Client) ChatStream(ctx context.Context, args ChatArgs, credentialOverride string) (*ChatStream, error) {
	args.Stream = true
	body, err := json.Marshal(driverCall{
		Interface: chatInterface,
		Driver:    ChatDriver(args.Model),
		Method:    "complete",
		Args:      args,
	})
	if err != nil {
		return nil, fmt.Errorf("encode driver call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	decorate(req, c.Credential(credentialOverride))

	// No client-level timeout here: a healthy stream may legitimately outlive
	// the non-streaming deadline. Lifetime is bound to ctx.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, transportError("stream open", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if _, perr := parseDriverResponse(resp.StatusCode, resp.Header.Get("Content-Type"), raw); perr != nil {
			return nil, perr
		}
		return nil, &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &ChatStream{body: resp.Body, scanner: scanner}, nil
}

// Recv returns the next increment. After a non-nil error the stream is
// exhausted; the same error is returned on subsequent calls.
func (s *ChatStream) Recv() (StreamEvent, error) {
	if s.err != nil {
		return StreamEvent{}, s.err
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		// Some frontends frame increments as SSE.
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" {
			continue
		}
		ev, ok, err := s.parseLine(line)
		if err != nil {
			s.err = err
			return StreamEvent{}, err
		}
		if ok {
			return ev, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		s.err = transportError("stream read", err)
		return StreamEvent{}, s.err
	}
	s.err = io.EOF
	return StreamEvent{}, io.EOF
}

func (s *ChatStream) parseLine(line string) (StreamEvent, bool, error) {
	if !strings.HasPrefix(line, "{") {
		// Not JSON; forward verbatim as text.
		return StreamEvent{Text: line}, true, nil
	}
	var frame struct {
		Type    string          `json:"type"`
		Text    *string         `json:"text"`
		Success *bool           `json:"success"`
		Result  json.RawMessage `json:"result"`
		Error   *APIError       `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return StreamEvent{Text: line}, true, nil
	}
	switch {
	case frame.Error != nil && frame.Success != nil && !*frame.Success:
		// Mid-stream driver error is terminal.
		return StreamEvent{}, false, frame.Error
	case frame.Text != nil:
		if *frame.Text == "" {
			return StreamEvent{}, false, nil
		}
		return StreamEvent{Text: *frame.Text}, true, nil
	case len(frame.Result) > 0:
		var result ChatResult
		if err := json.Unmarshal(frame.Result, &result); err != nil {
			return StreamEvent{}, false, nil
		}
		if len(result.Usage) > 0 {
			s.usage = result.Usage
		}
		return StreamEvent{Final: &result}, true, nil
	default:
		return StreamEvent{}, false, nil
	}
}

// Usage returns the token usage reported in the final frame, if any.
func (s *ChatStream) Usage() []UsageEntry {
	return s.usage
}

func (s *ChatStream) Close() error {
	return s.body.Close()
}
