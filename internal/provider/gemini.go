// internal/provider/gemini.go
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// GeminiProvider runs turns through the Gemini CLI. The CLI has no resume
// support, so sessions never report a resumable id and every turn starts a
// fresh conversation; prior context travels in the prompt instead.
type GeminiProvider struct {
	binary string
}

// NewGeminiProvider creates a Gemini provider
func NewGeminiProvider(binary string) *GeminiProvider {
	if binary == "" {
		binary = "gemini"
	}
	return &GeminiProvider{binary: binary}
}

func (p *GeminiProvider) ID() string           { return "gemini" }
func (p *GeminiProvider) Name() string         { return "Gemini CLI" }
func (p *GeminiProvider) DefaultModel() string { return "gemini-2.5-pro" }

// Available checks that the CLI binary can be found
func (p *GeminiProvider) Available() error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrAgentUnavailable, p.binary)
	}
	return nil
}

// CreateSession binds a session to a working directory. resumeID is
// accepted for interface symmetry and ignored.
func (p *GeminiProvider) CreateSession(workDir, resumeID string) (Session, error) {
	if err := p.Available(); err != nil {
		return nil, err
	}
	return &geminiSession{runner: newTurnRunner(p.binary, workDir)}, nil
}

// geminiSession is one Gemini CLI conversation
type geminiSession struct {
	runner *turnRunner

	mu      sync.Mutex
	turnErr string
}

// geminiStreamEvent is one line of the CLI's stream-json output
type geminiStreamEvent struct {
	Type     string `json:"type"`
	Role     string `json:"role,omitempty"`
	Content  string `json:"content,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (s *geminiSession) Send(ctx context.Context, prompt string, images []Image) (<-chan Event, error) {
	if len(images) > 0 {
		paths, err := s.runner.materializeImages(images)
		if err != nil {
			return nil, err
		}
		prompt = prompt + "\n\nScreenshots of the annotated elements are saved at:\n" + strings.Join(paths, "\n")
	}

	s.mu.Lock()
	s.turnErr = ""
	s.mu.Unlock()

	args := []string{
		"-o", "stream-json",
		"--approval-mode", "yolo",
		prompt,
	}

	raw, err := s.runner.run(ctx, args, nil, s.reduce)
	if err != nil {
		return nil, err
	}

	return remapTerminal(raw, s.takeTurnErr), nil
}

// reduce maps gemini stream events onto the five outward kinds
func (s *geminiSession) reduce(line []byte) []Event {
	var ev geminiStreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "message":
		if ev.Role != "" && ev.Role != "assistant" {
			return nil
		}
		if ev.Content == "" {
			return nil
		}
		return []Event{{Kind: EventDelta, Content: ev.Content}}

	case "tool_call":
		switch ev.Status {
		case "", "started", "running":
			return []Event{{Kind: EventToolStart, Tool: ev.ToolName}}
		default:
			return []Event{{Kind: EventToolEnd, Tool: ev.ToolName}}
		}

	case "error":
		msg := ev.Message
		if msg == "" {
			msg = "agent turn failed"
		}
		s.mu.Lock()
		s.turnErr = msg
		s.mu.Unlock()
		return nil
	}

	return nil
}

func (s *geminiSession) takeTurnErr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnErr
}

// SessionID always returns "": the Gemini CLI issues no resumable token
func (s *geminiSession) SessionID() string { return "" }

func (s *geminiSession) Destroy() error {
	return s.runner.destroy()
}
