//go:build linux

package uring

const (
	markFiles uint8 = 1 << iota
	markBuffers
)

// sqeResourceMarks classifies which fixed tables a prepared entry
// references: the source fd flag, a direct destination slot, a
// fixed-fd cancel key, or a registered buffer operand.
func sqeResourceMarks(sqe *SubmissionQueueEntry) uint8 {
	var marks uint8
	if sqe.Flags&IOSQE_FIXED_FILE != 0 {
		marks |= markFiles
	}
	switch sqe.OpCode {
	case IORING_OP_ACCEPT, IORING_OP_SOCKET, IORING_OP_CLOSE:
		// Direct variants encode the destination slot as slot+1; the
		// alloc sentinel wraps to -1 in the int32 field.
		if sqe.SpliceFdIn != 0 {
			marks |= markFiles
		}
	case IORING_OP_ASYNC_CANCEL:
		if sqe.OpcodeFlags&IORING_ASYNC_CANCEL_FD_FIXED != 0 {
			marks |= markFiles
		}
	case IORING_OP_READ_FIXED, IORING_OP_WRITE_FIXED, IORING_OP_READV_FIXED, IORING_OP_WRITEV_FIXED:
		marks |= markBuffers
	case IORING_OP_SEND_ZC, IORING_OP_SENDMSG_ZC:
		if sqe.IoPrio&IORING_RECVSEND_FIXED_BUF != 0 {
			marks |= markBuffers
		}
	}
	return marks
}

// trackSQE records a newly published entry against the tables it
// references. Entries flagged IOSQE_CQE_SKIP_SUCCESS post no observable
// completion and cannot be tracked; combining skip-success with fixed
// resources forfeits the unregister guard for that operation.
func (ring *Ring) trackSQE(sqe *SubmissionQueueEntry) {
	if sqe.Flags&IOSQE_CQE_SKIP_SUCCESS != 0 {
		return
	}
	marks := sqeResourceMarks(sqe)
	if marks == 0 {
		return
	}
	ring.pending[sqe.UserData] = append(ring.pending[sqe.UserData], marks)
	if marks&markFiles != 0 {
		ring.files.inFlight++
	}
	if marks&markBuffers != 0 {
		ring.buffers.inFlight++
	}
}

// releaseCQE settles the registry entry of a terminal completion. Tags the
// engine never tracked, including driver-internal ones, fall through. Tags
// are a stack: callers reusing one tag across overlapping tracked
// operations settle them newest first.
func (ring *Ring) releaseCQE(userdata uint64) {
	stack, ok := ring.pending[userdata]
	if !ok {
		return
	}
	marks := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(ring.pending, userdata)
	} else {
		ring.pending[userdata] = stack[:len(stack)-1]
	}
	if marks&markFiles != 0 {
		ring.files.inFlight--
	}
	if marks&markBuffers != 0 {
		ring.buffers.inFlight--
	}
}

// FilesInFlight counts reaped-pending operations referencing the fixed file
// table.
func (ring *Ring) FilesInFlight() int {
	return ring.files.inFlight
}

// BuffersInFlight counts reaped-pending operations referencing the fixed
// buffer table.
func (ring *Ring) BuffersInFlight() int {
	return ring.buffers.inFlight
}
