// internal/session/transport.go
package session

import "sync"

// Emitter delivers one outbound frame to the connected client. The ws layer
// implements it; payload is marshalled there.
type Emitter interface {
	Emit(kind string, payload any)
}

// TransportCell holds the connection's current emitter. The cell outlives any
// single network connection: on reconnect the server swaps the emitter in
// place and everything above keeps streaming without noticing. A nil emitter
// (client gone, not yet back) drops frames.
type TransportCell struct {
	mu sync.Mutex
	e  Emitter
}

// NewTransportCell creates a cell homed to e
func NewTransportCell(e Emitter) *TransportCell {
	return &TransportCell{e: e}
}

// Set rehomes the cell to a new emitter. Pass nil to detach.
func (t *TransportCell) Set(e Emitter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.e = e
}

// Emit forwards a frame to the current emitter, if any
func (t *TransportCell) Emit(kind string, payload any) {
	t.mu.Lock()
	e := t.e
	t.mu.Unlock()

	if e != nil {
		e.Emit(kind, payload)
	}
}
