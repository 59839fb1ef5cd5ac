// Package tp2 implements the VW Transport Protocol 2.0 channel engine
// (C2): dynamic channel setup, sequenced block transfer with
// ACK/flow-control, keep-alive, teardown and reassembly of multi-frame
// KWP2000 responses. One Channel is one connection to one ECU.
package tp2

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tp2diag/gateway/pkg/can"
	"github.com/tp2diag/gateway/pkg/gwerrors"
)

const (
	setupTimeout    = 1 * time.Second
	mailboxDepth    = 16
	maxFirstFrame   = 5 // bytes of payload carried in a single/first frame
	maxContinuation = 7 // bytes of payload carried in each continuation frame
)

var (
	// ErrDisconnected is returned for any request attempted on a
	// non-Connected channel.
	ErrDisconnected = fmt.Errorf("%w: channel not connected", gwerrors.ErrProtocol)
)

// Config holds the negotiable parameters of spec 3's TP2.0 Channel
// attributes. Only TesterID varies per concurrent channel in this
// implementation; BlockSize/T1/T3 use the documented defaults unless
// overridden.
type Config struct {
	Module   uint8
	TesterID uint16
	BlockSize uint8
	T1        time.Duration
	T3        time.Duration
}

func (c Config) withDefaults() Config {
	if c.TesterID == 0 {
		c.TesterID = DefaultTesterID
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.T1 <= 0 {
		c.T1 = 2500 * time.Millisecond
	}
	if c.T3 <= 0 {
		c.T3 = 10 * time.Millisecond
	}
	return c
}

// Channel is one connection to one ECU: the per-module state machine
// of spec 4.2. A Channel exclusively owns the mailbox it currently
// listens on; it is touched only by the polling worker (spec 5), so it
// needs no internal locking.
type Channel struct {
	bm     *can.BusManager
	logger *slog.Logger
	cfg    Config

	ecuTxID uint16 // id the tester transmits requests on, assigned by ECU
	txSeq   uint8
	rxSeq   uint8
	state   State

	mailbox       <-chan can.Frame
	cancelMailbox func()

	consecutiveTimeouts int
}

func NewChannel(bm *can.BusManager, logger *slog.Logger, cfg Config) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Channel{
		bm:     bm,
		logger: logger.With("component", "tp2", "module", fmt.Sprintf("0x%02X", cfg.Module)),
		cfg:    cfg,
		state:  Closed,
	}
}

func (c *Channel) Module() uint8   { return c.cfg.Module }
func (c *Channel) State() State    { return c.state }
func (c *Channel) Connected() bool { return c.state == Connected }

func (c *Channel) listen(id uint32) {
	if c.cancelMailbox != nil {
		c.cancelMailbox()
	}
	c.mailbox, c.cancelMailbox = c.bm.Mailbox(id, mailboxDepth)
}

func (c *Channel) stopListening() {
	if c.cancelMailbox != nil {
		c.cancelMailbox()
		c.cancelMailbox = nil
		c.mailbox = nil
	}
}

// Setup negotiates a new channel per spec 4.2. Any failure within the
// 1s budget resets the channel to Closed.
func (c *Channel) Setup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	c.listen(BroadcastResponseID)
	can.Drain(c.mailbox)

	c.state = SetupPending
	setupFrame := can.NewFrame(BroadcastRequestID, c.cfg.Module, 0xC0, 0x00, 0x10, 0x00, 0x03, 0x01)
	if err := c.bm.Send(setupFrame); err != nil {
		c.toClosed()
		return fmt.Errorf("%w: setup request send failed: %v", gwerrors.ErrTransport, err)
	}

	reply, err := c.awaitSetupReply(ctx)
	if err != nil {
		c.toClosed()
		return err
	}
	c.ecuTxID = uint16(reply.Data[4]) | uint16(reply.Data[5])<<8
	c.state = ParamsPending
	c.listen(uint32(c.cfg.TesterID))
	can.Drain(c.mailbox)

	paramFrame := can.NewFrame(uint32(c.ecuTxID), 0xA0, 0x0F, 0x8A, 0xFF, 0x32, 0xFF)
	if err := c.bm.Send(paramFrame); err != nil {
		c.toClosed()
		return fmt.Errorf("%w: parameter set send failed: %v", gwerrors.ErrTransport, err)
	}

	if err := c.awaitParamAck(ctx); err != nil {
		c.toClosed()
		return err
	}

	c.txSeq = 0
	c.rxSeq = 0
	c.consecutiveTimeouts = 0
	c.state = Connected
	c.logger.Info("channel connected", "ecu_tx_id", fmt.Sprintf("0x%03X", c.ecuTxID))
	return nil
}

func (c *Channel) awaitSetupReply(ctx context.Context) (can.Frame, error) {
	for {
		frame, err := can.Recv(ctx, c.mailbox, setupTimeout)
		if err != nil {
			return can.Frame{}, fmt.Errorf("%w: no setup reply", gwerrors.ErrTransport)
		}
		if len(frame.Data) >= 6 && frame.Data[1] == setupReplyMarker {
			return frame, nil
		}
	}
}

func (c *Channel) awaitParamAck(ctx context.Context) error {
	for {
		frame, err := can.Recv(ctx, c.mailbox, setupTimeout)
		if err != nil {
			return fmt.Errorf("%w: no parameter ack", gwerrors.ErrTransport)
		}
		if len(frame.Data) >= 1 && frame.Data[0] == ctrlParamAck {
			return nil
		}
	}
}

func (c *Channel) toClosed() {
	c.stopListening()
	c.state = Closed
}

func (c *Channel) toDisconnected() {
	c.stopListening()
	c.state = Disconnected
}

// noteTimeout implements "Connected→Disconnected ... on T1 exhausted
// twice in a row" from the state machine in spec 4.2.
func (c *Channel) noteTimeout() {
	c.consecutiveTimeouts++
	if c.consecutiveTimeouts >= 2 {
		c.toDisconnected()
	}
}

func (c *Channel) noteActivity() {
	c.consecutiveTimeouts = 0
}

// SendKWP transmits payload as one TP2.0 block and waits for the
// block's final ACK, per spec 4.2's "Sending a KWP payload" section.
func (c *Channel) SendKWP(ctx context.Context, payload []byte) error {
	if c.state != Connected {
		return ErrDisconnected
	}
	can.Drain(c.mailbox)

	frames := splitIntoFrames(payload)
	for i, chunk := range frames {
		last := i == len(frames)-1
		header := headerIntermediate | seqNibble(c.txSeq)
		if last {
			header = headerLast | seqNibble(c.txSeq)
		}
		data := append([]byte{header}, chunk...)
		if i == 0 {
			// First frame of a KWP send carries the payload length in
			// byte 1/2 per the single-frame contract in spec 4.2 ("Build
			// frame [0x10|txSeq, 0x00, len(payload), payload...]").
			data = append([]byte{header, 0x00, byte(len(payload))}, payload[:min(len(payload), maxFirstFrame)]...)
		}
		ackSeq := c.txSeq
		c.txSeq = nextSeq(c.txSeq)

		if err := c.bm.Send(can.NewFrame(uint32(c.ecuTxID), data...)); err != nil {
			return fmt.Errorf("%w: kwp send failed: %v", gwerrors.ErrTransport, err)
		}
		if last {
			if err := c.awaitAck(ctx, ackSeq); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitIntoFrames lays payload bytes out exactly as spec 4.2 describes:
// up to 5 bytes in the first frame, up to 7 in each continuation.
// Implementations that never exceed 5-byte KWP requests only ever
// produce one frame here; longer requests are supported but, per spec
// 9's open questions, unverified against a real ECU.
func splitIntoFrames(payload []byte) [][]byte {
	if len(payload) <= maxFirstFrame {
		return [][]byte{payload}
	}
	frames := [][]byte{payload[:maxFirstFrame]}
	rest := payload[maxFirstFrame:]
	for len(rest) > 0 {
		n := min(len(rest), maxContinuation)
		frames = append(frames, rest[:n])
		rest = rest[n:]
	}
	return frames
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *Channel) awaitAck(ctx context.Context, seqBeforeIncrement uint8) error {
	expected := headerAck | seqNibble(nextSeq(seqBeforeIncrement))
	deadline := time.Now().Add(c.cfg.T1)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.noteTimeout()
			return fmt.Errorf("%w: no ack for seq %d", gwerrors.ErrTransport, seqBeforeIncrement)
		}
		frame, err := can.Recv(ctx, c.mailbox, remaining)
		if err != nil {
			c.noteTimeout()
			return fmt.Errorf("%w: no ack for seq %d", gwerrors.ErrTransport, seqBeforeIncrement)
		}
		if len(frame.Data) == 0 {
			continue
		}
		if frame.Data[0] == ctrlDisconnect {
			c.toDisconnected()
			return fmt.Errorf("%w: ecu disconnected while awaiting ack", gwerrors.ErrProtocol)
		}
		if frame.Data[0] == expected {
			c.noteActivity()
			return nil
		}
		// Any other traffic (stray ack, keepalive) is ignored while
		// waiting for our specific ack.
	}
}

// ReceiveKWP reassembles a KWP response per spec 4.2's reassembly
// loop, transparently handling keep-alives, wait frames and stray
// acks, and ACKing every last-frame header it consumes.
func (c *Channel) ReceiveKWP(ctx context.Context) ([]byte, error) {
	if c.state != Connected {
		return nil, ErrDisconnected
	}

	var data []byte
	var declaredLen int
	haveLength := false
	deadline := time.Now().Add(c.cfg.T1)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.noteTimeout()
			return nil, fmt.Errorf("%w: response timeout", gwerrors.ErrTransport)
		}
		frame, err := can.Recv(ctx, c.mailbox, remaining)
		if err != nil {
			c.noteTimeout()
			return nil, fmt.Errorf("%w: response timeout", gwerrors.ErrTransport)
		}
		if len(frame.Data) == 0 {
			continue
		}
		header := frame.Data[0]

		switch {
		case isAckHeader(header):
			continue // stray ack, ignore
		case header == ctrlKeepAliveReq:
			c.sendKeepAliveAck()
			continue
		case header == ctrlDisconnect:
			c.toDisconnected()
			return nil, fmt.Errorf("%w: ecu disconnected", gwerrors.ErrProtocol)
		case isWaitHeader(header):
			deadline = time.Now().Add(c.cfg.T1)
			continue
		}

		// Data-bearing frame.
		var chunk []byte
		if !haveLength {
			if len(frame.Data) < 3 {
				continue
			}
			declaredLen = int(frame.Data[1])<<8 | int(frame.Data[2])
			haveLength = true
			chunk = frame.Data[3:]
		} else {
			chunk = frame.Data[1:]
		}
		data = append(data, chunk...)
		c.noteActivity()

		if isLastFrameHeader(header) {
			c.rxSeq = seqNibble(header)
			ackFrame := can.NewFrame(uint32(c.ecuTxID), headerAck|seqNibble(nextSeq(c.rxSeq)))
			if err := c.bm.Send(ackFrame); err != nil {
				return nil, fmt.Errorf("%w: ack send failed: %v", gwerrors.ErrTransport, err)
			}
		}

		if haveLength && len(data) >= declaredLen {
			return data[:declaredLen], nil
		}
	}
}

func (c *Channel) sendKeepAliveAck() {
	if err := c.bm.Send(can.NewFrame(uint32(c.ecuTxID), ctrlParamAck)); err != nil {
		c.logger.Warn("failed to ack ecu keep-alive", "err", err)
	}
}

// KeepAlive sends the tester's own liveness exchange and accepts the
// observed 0x93 wait-variant alongside the documented 0xA1 ack, per
// spec 9's open question: both behaviors are preserved since which
// one is spec-defined is not established.
func (c *Channel) KeepAlive(ctx context.Context) error {
	if c.state != Connected {
		return ErrDisconnected
	}
	if err := c.bm.Send(can.NewFrame(uint32(c.ecuTxID), ctrlKeepAliveReq)); err != nil {
		return fmt.Errorf("%w: keep-alive send failed: %v", gwerrors.ErrTransport, err)
	}
	frame, err := can.Recv(ctx, c.mailbox, c.cfg.T1)
	if err != nil {
		c.toDisconnected()
		return fmt.Errorf("%w: keep-alive timeout", gwerrors.ErrTransport)
	}
	if len(frame.Data) == 0 {
		c.toDisconnected()
		return fmt.Errorf("%w: empty keep-alive reply", gwerrors.ErrProtocol)
	}
	switch frame.Data[0] {
	case ctrlParamAck, ctrlWaitVariant:
		c.noteActivity()
		return nil
	case ctrlDisconnect:
		c.toDisconnected()
		return fmt.Errorf("%w: ecu disconnected", gwerrors.ErrProtocol)
	default:
		c.toDisconnected()
		return fmt.Errorf("%w: unexpected keep-alive reply 0x%02X", gwerrors.ErrProtocol, frame.Data[0])
	}
}

// Disconnect tears the channel down best-effort and clears the
// connected flag, per spec 4.2.
func (c *Channel) Disconnect() {
	if c.state == Connected || c.state == ParamsPending {
		_ = c.bm.Send(can.NewFrame(uint32(c.ecuTxID), ctrlDisconnect))
	}
	c.toClosed()
}
