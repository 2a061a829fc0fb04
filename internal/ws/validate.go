// internal/ws/validate.go
package ws

import (
	"errors"
	"fmt"
)

// Hard limits enforced before a batch reaches any stateful component.
// The screenshot cap tracks typical multimodal API limits (~3.75MB decoded).
const (
	MaxAnnotations   = 50
	MaxSelectorLen   = 1000
	MaxHTMLLen       = 50000
	MaxNotesLen      = 5000
	MaxScreenshotLen = 5_000_000
)

// ErrInvalidBatch means a batch failed validation. The whole batch is
// rejected; no checkpoint is created and no provider is invoked.
var ErrInvalidBatch = errors.New("invalid batch")

func validateBatch(b *Batch) error {
	if b == nil {
		return fmt.Errorf("%w: missing batch payload", ErrInvalidBatch)
	}
	if len(b.Annotations) == 0 {
		return fmt.Errorf("%w: batch has no annotations", ErrInvalidBatch)
	}
	if len(b.Annotations) > MaxAnnotations {
		return fmt.Errorf("%w: %d annotations exceeds the limit of %d", ErrInvalidBatch, len(b.Annotations), MaxAnnotations)
	}

	for i := range b.Annotations {
		a := &b.Annotations[i]
		if a.ID == "" {
			return fmt.Errorf("%w: annotation %d has no id", ErrInvalidBatch, i)
		}
		if a.Selector == "" {
			return fmt.Errorf("%w: annotation %s has no selector", ErrInvalidBatch, a.ID)
		}
		if len(a.Selector) > MaxSelectorLen {
			return fmt.Errorf("%w: annotation %s selector exceeds %d chars", ErrInvalidBatch, a.ID, MaxSelectorLen)
		}
		if len(a.HTML) > MaxHTMLLen || len(a.Parent) > MaxHTMLLen {
			return fmt.Errorf("%w: annotation %s html context exceeds %d chars", ErrInvalidBatch, a.ID, MaxHTMLLen)
		}
		if len(a.Notes) > MaxNotesLen {
			return fmt.Errorf("%w: annotation %s notes exceed %d chars", ErrInvalidBatch, a.ID, MaxNotesLen)
		}
		if a.Screenshot != nil && len(a.Screenshot.Base64) > MaxScreenshotLen {
			return fmt.Errorf("%w: annotation %s screenshot exceeds %d chars", ErrInvalidBatch, a.ID, MaxScreenshotLen)
		}
	}

	return nil
}
