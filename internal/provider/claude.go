// internal/provider/claude.go
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// ClaudeProvider runs turns through the Claude Code CLI
type ClaudeProvider struct {
	binary string
}

// NewClaudeProvider creates a Claude provider. An empty binary path falls
// back to PATH lookup.
func NewClaudeProvider(binary string) *ClaudeProvider {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeProvider{binary: binary}
}

func (p *ClaudeProvider) ID() string           { return "claude" }
func (p *ClaudeProvider) Name() string         { return "Claude Code" }
func (p *ClaudeProvider) DefaultModel() string { return "sonnet" }

// Available checks that the CLI binary can be found
func (p *ClaudeProvider) Available() error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrAgentUnavailable, p.binary)
	}
	return nil
}

// CreateSession binds a session to a working directory. resumeID, when
// set, makes the first turn continue that prior conversation.
func (p *ClaudeProvider) CreateSession(workDir, resumeID string) (Session, error) {
	if err := p.Available(); err != nil {
		return nil, err
	}
	return &claudeSession{
		runner:   newTurnRunner(p.binary, workDir),
		resumeID: resumeID,
	}, nil
}

// claudeSession is one Claude Code conversation
type claudeSession struct {
	runner *turnRunner

	mu        sync.Mutex
	resumeID  string // id to pass on the next turn
	sessionID string // latest id the CLI reported
	lastTool  string // open tool_use awaiting its tool_result
	turnErr   string // error carried in a result event
}

// claudeStreamEvent is one line of the CLI's stream-json output
type claudeStreamEvent struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   *claudeMessage `json:"message,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Result    string         `json:"result,omitempty"`
}

type claudeMessage struct {
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"` // tool_use label
}

func (s *claudeSession) Send(ctx context.Context, prompt string, images []Image) (<-chan Event, error) {
	if len(images) > 0 {
		paths, err := s.runner.materializeImages(images)
		if err != nil {
			return nil, err
		}
		prompt = prompt + "\n\nScreenshots of the annotated elements are saved at:\n" + strings.Join(paths, "\n")
	}

	s.mu.Lock()
	args := []string{}
	if s.resumeID != "" {
		args = append(args, "--resume", s.resumeID)
	}
	s.turnErr = ""
	s.lastTool = ""
	s.mu.Unlock()

	args = append(args,
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	)

	raw, err := s.runner.run(ctx, args, nil, s.reduce)
	if err != nil {
		return nil, err
	}

	return remapTerminal(raw, s.takeTurnErr), nil
}

// reduce maps the CLI's native event union onto the five outward kinds
func (s *claudeSession) reduce(line []byte) []Event {
	var ev claudeStreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" && ev.SessionID != "" {
			s.setSessionID(ev.SessionID)
		}
		return nil

	case "assistant":
		if ev.Message == nil {
			return nil
		}
		var out []Event
		for _, c := range ev.Message.Content {
			switch c.Type {
			case "text":
				if c.Text != "" {
					out = append(out, Event{Kind: EventDelta, Content: c.Text})
				}
			case "tool_use":
				s.mu.Lock()
				s.lastTool = c.Name
				s.mu.Unlock()
				out = append(out, Event{Kind: EventToolStart, Tool: c.Name})
			}
		}
		return out

	case "user":
		// Tool results come back as user-role messages
		if ev.Message == nil {
			return nil
		}
		var out []Event
		for _, c := range ev.Message.Content {
			if c.Type == "tool_result" {
				s.mu.Lock()
				tool := s.lastTool
				s.lastTool = ""
				s.mu.Unlock()
				out = append(out, Event{Kind: EventToolEnd, Tool: tool})
			}
		}
		return out

	case "result":
		if ev.SessionID != "" {
			s.setSessionID(ev.SessionID)
		}
		if ev.IsError {
			s.mu.Lock()
			s.turnErr = ev.Result
			if s.turnErr == "" {
				s.turnErr = "agent turn failed"
			}
			s.mu.Unlock()
		}
		return nil
	}

	return nil
}

func (s *claudeSession) setSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	// Later turns continue the conversation the CLI just advanced
	s.resumeID = id
	s.mu.Unlock()
}

func (s *claudeSession) takeTurnErr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnErr
}

func (s *claudeSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *claudeSession) Destroy() error {
	return s.runner.destroy()
}
