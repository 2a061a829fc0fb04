// internal/provider/provider.go
package provider

import (
	"context"
	"errors"
)

// EventKind is the closed vocabulary every provider's native event stream
// is reduced to. Downstream layers never see provider-specific shapes.
type EventKind string

const (
	EventDelta     EventKind = "delta"      // incremental assistant text
	EventToolStart EventKind = "tool_start" // labelled long-running action began
	EventToolEnd   EventKind = "tool_end"   // labelled long-running action finished
	EventIdle      EventKind = "idle"       // turn complete
	EventError     EventKind = "error"      // turn failed
)

// Event is one outward provider event
type Event struct {
	Kind    EventKind `json:"kind"`
	Content string    `json:"content,omitempty"` // delta text
	Tool    string    `json:"tool,omitempty"`    // tool_start / tool_end label
	Err     string    `json:"error,omitempty"`   // error message
}

// Image is an attachment passed alongside a prompt
type Image struct {
	Base64    string `json:"base64"`
	MediaType string `json:"media_type"`
	Label     string `json:"label,omitempty"`
}

var (
	// ErrAgentUnavailable means the requested backend binary is not
	// installed or not usable. Surfaced to the caller, never retried.
	ErrAgentUnavailable = errors.New("agent backend is not available")

	// ErrBusy means a send is already in flight for this session
	ErrBusy = errors.New("a request is already in flight for this session")
)

// Provider is one interchangeable agent backend
type Provider interface {
	// ID returns the backend name used on the wire (e.g. "claude")
	ID() string

	// Name returns the human-readable backend name
	Name() string

	// DefaultModel returns the model label reported to clients
	DefaultModel() string

	// Available reports whether the backend binary can be found.
	// Returns ErrAgentUnavailable (wrapped) when it cannot.
	Available() error

	// CreateSession binds a new session to a working directory. A non-empty
	// resumeID continues the provider conversation it was issued for.
	CreateSession(workDir, resumeID string) (Session, error)
}

// Session is one conversation with a provider. At most one Send may be in
// flight at a time; a second Send returns ErrBusy.
type Session interface {
	// Send runs one agent turn. The returned channel delivers events as
	// they arrive and is closed after a terminal event (idle or error).
	// Cancelling ctx terminates the underlying turn.
	Send(ctx context.Context, prompt string, images []Image) (<-chan Event, error)

	// SessionID returns the provider-issued resumable id, or "" when the
	// provider has not issued one (yet).
	SessionID() string

	// Destroy terminates any in-flight turn and releases session
	// resources, including materialized image files.
	Destroy() error
}
