package relay

// PendingMessage is a client payload queued verbatim while the upstream
// connection is not yet ready.
type PendingMessage struct {
	// Type is the WebSocket message type (text or binary).
	Type int

	// Data is the raw payload.
	Data []byte
}

// Buffer is the FIFO pending-outbound queue for one session. It is only
// touched from the session's event loop, so it needs no locking.
type Buffer struct {
	limit int
	items []PendingMessage
}

// NewBuffer creates a buffer with the given capacity. A limit of 0 means
// unbounded.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Enqueue appends a payload, preserving arrival order. Returns
// ErrBufferFull when the configured capacity is reached; the caller
// decides the overflow policy.
func (b *Buffer) Enqueue(msgType int, data []byte) error {
	if b.limit > 0 && len(b.items) >= b.limit {
		return ErrBufferFull
	}
	b.items = append(b.items, PendingMessage{Type: msgType, Data: data})
	return nil
}

// DrainInOrder removes and returns all entries in insertion order,
// emptying the queue.
func (b *Buffer) DrainInOrder() []PendingMessage {
	items := b.items
	b.items = nil
	return items
}

// Len returns the number of queued messages.
func (b *Buffer) Len() int {
	return len(b.items)
}
