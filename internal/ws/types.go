// internal/ws/types.go
package ws

// Inbound is one client frame. Type selects the handler; the other fields
// are populated per kind.
type Inbound struct {
	Type string `json:"type"`

	// select_agent
	Agent string `json:"agent,omitempty"`

	// batch
	Data *Batch `json:"data,omitempty"`

	// message
	Content string `json:"content,omitempty"`

	// revert_to
	CheckpointID string `json:"checkpointId,omitempty"`
}

// Batch is one submitted set of annotations plus page context
type Batch struct {
	Annotations []Annotation `json:"annotations"`
	Page        PageInfo     `json:"page"`

	// Optional override of the configured project directory
	ProjectDir string `json:"projectDir,omitempty"`
}

// PageInfo identifies the page the batch came from
type PageInfo struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Annotation is one user-authored change request against a DOM element
type Annotation struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Selector string `json:"selector"`

	// Captured element context, for agent disambiguation
	HTML   string `json:"html,omitempty"`
	Text   string `json:"text,omitempty"`
	Parent string `json:"parent,omitempty"`

	Notes      string             `json:"notes,omitempty"`
	Screenshot *ScreenshotPayload `json:"screenshot,omitempty"`
}

// ScreenshotPayload is a base64 element capture attached to an annotation
type ScreenshotPayload struct {
	Base64    string `json:"base64"`
	MediaType string `json:"mediaType"`
}
