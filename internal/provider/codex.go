// internal/provider/codex.go
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// CodexProvider runs turns through the Codex CLI's non-interactive exec
// subcommand.
type CodexProvider struct {
	binary string
}

// NewCodexProvider creates a Codex provider
func NewCodexProvider(binary string) *CodexProvider {
	if binary == "" {
		binary = "codex"
	}
	return &CodexProvider{binary: binary}
}

func (p *CodexProvider) ID() string           { return "codex" }
func (p *CodexProvider) Name() string         { return "Codex" }
func (p *CodexProvider) DefaultModel() string { return "gpt-5-codex" }

// Available checks that the CLI binary can be found
func (p *CodexProvider) Available() error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrAgentUnavailable, p.binary)
	}
	return nil
}

// CreateSession binds a session to a working directory
func (p *CodexProvider) CreateSession(workDir, resumeID string) (Session, error) {
	if err := p.Available(); err != nil {
		return nil, err
	}
	return &codexSession{
		runner:   newTurnRunner(p.binary, workDir),
		threadID: resumeID,
	}, nil
}

// codexSession is one Codex conversation (a "thread" in codex terms)
type codexSession struct {
	runner *turnRunner

	mu       sync.Mutex
	threadID string // codex thread id; resumable
	turnErr  string
}

// codexStreamEvent is one line of `codex exec --json` output
type codexStreamEvent struct {
	Type     string        `json:"type"`
	ThreadID string        `json:"thread_id,omitempty"`
	Payload  *codexPayload `json:"payload,omitempty"`
	Error    *codexError   `json:"error,omitempty"`
}

type codexPayload struct {
	Type    string         `json:"type"` // "message", "function_call", "function_call_output"
	Role    string         `json:"role,omitempty"`
	Name    string         `json:"name,omitempty"`
	CallID  string         `json:"call_id,omitempty"`
	Content []codexContent `json:"content,omitempty"`
}

type codexContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type codexError struct {
	Message string `json:"message"`
}

func (s *codexSession) Send(ctx context.Context, prompt string, images []Image) (<-chan Event, error) {
	if len(images) > 0 {
		paths, err := s.runner.materializeImages(images)
		if err != nil {
			return nil, err
		}
		prompt = prompt + "\n\nScreenshots of the annotated elements are saved at:\n" + strings.Join(paths, "\n")
	}

	s.mu.Lock()
	args := []string{"exec"}
	if s.threadID != "" {
		args = append(args, "resume", s.threadID)
	}
	s.turnErr = ""
	s.mu.Unlock()

	args = append(args,
		"--json",
		"--sandbox", "danger-full-access",
		"-c", `approval_policy="never"`,
		"--color", "never",
		"--", prompt,
	)

	raw, err := s.runner.run(ctx, args, nil, s.reduce)
	if err != nil {
		return nil, err
	}

	return remapTerminal(raw, s.takeTurnErr), nil
}

// reduce maps codex exec events onto the five outward kinds
func (s *codexSession) reduce(line []byte) []Event {
	var ev codexStreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "thread.started":
		if ev.ThreadID != "" {
			s.mu.Lock()
			s.threadID = ev.ThreadID
			s.mu.Unlock()
		}
		return nil

	case "response_item":
		if ev.Payload == nil {
			return nil
		}
		switch ev.Payload.Type {
		case "message":
			if ev.Payload.Role != "" && ev.Payload.Role != "assistant" {
				return nil
			}
			text := codexText(ev.Payload.Content)
			if text == "" {
				return nil
			}
			return []Event{{Kind: EventDelta, Content: text}}
		case "function_call":
			return []Event{{Kind: EventToolStart, Tool: ev.Payload.Name}}
		case "function_call_output":
			return []Event{{Kind: EventToolEnd, Tool: ev.Payload.Name}}
		}
		return nil

	case "turn.failed", "error":
		msg := "agent turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		s.mu.Lock()
		s.turnErr = msg
		s.mu.Unlock()
		return nil
	}

	return nil
}

func codexText(parts []codexContent) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Text != "" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (s *codexSession) takeTurnErr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnErr
}

func (s *codexSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

func (s *codexSession) Destroy() error {
	return s.runner.destroy()
}
