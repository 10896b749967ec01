//go:build linux

package uring

const (
	// IORING_CQE_F_BUFFER marks a completion that consumed a provided
	// buffer; the buffer id rides in the upper flag bits.
	IORING_CQE_F_BUFFER uint32 = 1 << iota
	// IORING_CQE_F_MORE marks a non-terminal completion of a multishot
	// operation or the data half of a zero-copy pair.
	IORING_CQE_F_MORE
	IORING_CQE_F_SOCK_NONEMPTY
	// IORING_CQE_F_NOTIF marks the buffer-release notification of a
	// zero-copy send.
	IORING_CQE_F_NOTIF
	IORING_CQE_F_BUF_MORE
)

const IORING_CQE_BUFFER_SHIFT = 16

// CompletionQueueEvent is one reaped completion. UserData echoes the tag of
// the originating submission. Res is the operation result: non-negative is
// the opcode-specific payload, negative is a negated errno surfaced
// verbatim. The pointer is only valid until the slot is released with
// CQESeen or CQAdvance.
type CompletionQueueEvent struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// More reports whether further completions for the same submission follow.
func (c *CompletionQueueEvent) More() bool {
	return c.Flags&IORING_CQE_F_MORE != 0
}

// Buffered reports whether the completion consumed a provided buffer.
func (c *CompletionQueueEvent) Buffered() bool {
	return c.Flags&IORING_CQE_F_BUFFER != 0
}

// BufferID returns the id of the provided buffer this completion consumed.
// Meaningful only when Buffered reports true.
func (c *CompletionQueueEvent) BufferID() uint16 {
	return uint16(c.Flags >> IORING_CQE_BUFFER_SHIFT)
}

// Notification reports whether this is the buffer-release half of a
// zero-copy send pair.
func (c *CompletionQueueEvent) Notification() bool {
	return c.Flags&IORING_CQE_F_NOTIF != 0
}

// SockNonempty reports that the socket still held data or pending
// connections when the completion posted.
func (c *CompletionQueueEvent) SockNonempty() bool {
	return c.Flags&IORING_CQE_F_SOCK_NONEMPTY != 0
}
