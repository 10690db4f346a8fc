package renew

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrNoAgent is returned when renewal is requested but no agent command is
// configured.
var ErrNoAgent = errors.New("no renewal agent configured")

// ErrSignupBlocked means the upstream refused to register a new account,
// typically because the caller's IP is rate limited.
var ErrSignupBlocked = errors.New("signup blocked by upstream")

// Agent obtains a fresh upstream credential. Implementations are opaque to
// the coordinator: they either return a token within the ctx deadline or
// fail with a diagnostic reason.
type Agent interface {
	Register(ctx context.Context) (string, error)
}

// CommandAgent invokes an external sign-up program (the browser-automation
// flow lives outside this process). Contract: the token is the last
// non-empty stdout line, optionally prefixed "Token:"; exit code 1 signals a
// blocked signup.
type CommandAgent struct {
	Command []string
}

func (a *CommandAgent) Register(ctx context.Context) (string, error) {
	if len(a.Command) == 0 {
		return "", ErrNoAgent
	}
	cmd := exec.CommandContext(ctx, a.Command[0], a.Command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", fmt.Errorf("%w: %s", ErrSignupBlocked, lastLine(stderr.String()))
		}
		return "", fmt.Errorf("renewal agent: %w (%s)", err, lastLine(stderr.String()))
	}

	token := parseAgentToken(stdout.String())
	if token == "" {
		return "", errors.New("renewal agent produced no token")
	}
	return token, nil
}

// parseAgentToken extracts the credential from agent stdout: the last
// non-empty line, with an optional "Token:" prefix and surrounding quotes
// stripped.
func parseAgentToken(out string) string {
	token := lastLine(out)
	if rest, ok := strings.CutPrefix(token, "Token:"); ok {
		token = strings.TrimSpace(rest)
	}
	return strings.Trim(token, `"'`)
}

func lastLine(out string) string {
	last := ""
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			last = line
		}
	}
	return last
}
