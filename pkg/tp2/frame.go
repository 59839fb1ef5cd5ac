package tp2

// Fixed TP2.0 identifiers (spec 4.2, 6).
const (
	BroadcastRequestID  uint32 = 0x200
	BroadcastResponseID uint32 = 0x201
	DefaultTesterID     uint16 = 0x300
	DefaultBlockSize    uint8  = 15
)

// Frame header taxonomy: the high nibble of byte 0 of every TP2.0
// frame. 0x0N is treated identically to 0x1N (rare, last-frame-expects-
// ack), per spec 4.2.
const (
	headerSingleOrLast byte = 0x00
	headerLast         byte = 0x10
	headerIntermediate byte = 0x20
	headerWait         byte = 0x90
	headerControl      byte = 0xA0
	headerAck          byte = 0xB0

	ctrlParamSet      byte = 0xA0
	ctrlParamAck      byte = 0xA1
	ctrlKeepAliveReq  byte = 0xA3
	ctrlDisconnect    byte = 0xA8
	ctrlWaitVariant   byte = 0x93
	setupReplyMarker  byte = 0xD0
)

func headerNibble(b byte) byte { return b & 0xF0 }
func seqNibble(b byte) byte    { return b & 0x0F }

// nextSeq centralizes the modulo-16 rolling sequence arithmetic so no
// call site has to repeat the wraparound.
func nextSeq(n uint8) uint8 { return (n + 1) % 16 }

// isLastFrameHeader reports whether b is a last-frame-of-block header
// that must be ACKed (0x0N is treated as 0x1N per spec).
func isLastFrameHeader(b byte) bool {
	nibble := headerNibble(b)
	return nibble == headerSingleOrLast || nibble == headerLast
}

func isAckHeader(b byte) bool  { return headerNibble(b) == headerAck }
func isWaitHeader(b byte) bool { return headerNibble(b) == headerWait }
