// Package session implements the per-ECU polling state machine (C5):
// subscription refcounting, group cooldown/backoff and the ten-step
// polling tick described in spec 4.5. A Session never reaches back
// into its owning Scheduler; it reports what happened as an Intent,
// per the cyclic-reference note in spec 9.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tp2diag/gateway/pkg/kwp"
	"github.com/tp2diag/gateway/pkg/measuring"
	"github.com/tp2diag/gateway/pkg/tp2"
)

const (
	reconnectCooldown    = 5 * time.Second
	groupCooldown        = 30 * time.Second
	groupErrorThreshold  = 3
	sessionErrorThreshold = 5

	// DefaultSessionType is the KWP session type that reliably starts a
	// read session on the observed ECUs (spec 9); other values are
	// probed historically but not relied on.
	DefaultSessionType byte = kwp.AdjustmentSession
)

// Sample is one decoded measuring-block read, ready for publication.
type Sample struct {
	Module uint8
	Group  uint8
	Data   []measuring.Value
}

// Intent is what a Step call reports back to the Scheduler: at most
// one published sample, and whether the session should be removed.
type Intent struct {
	Publish  *Sample
	DeleteMe bool
}

// Channel is the subset of *tp2.Channel a Session drives.
type Channel interface {
	Setup(ctx context.Context) error
	State() tp2.State
	KeepAlive(ctx context.Context) error
	Disconnect()
}

// Client is the subset of *kwp.Client a Session issues requests
// through.
type Client interface {
	StartSession(ctx context.Context, sessionType byte) ([]byte, error)
	ReadMeasuringBlock(ctx context.Context, group byte) ([]byte, error)
	ReadDTCs(ctx context.Context, group, statusHi, statusLo byte) ([]kwp.DTC, error)
}

// DTCRequest is a one-shot DTC_READ against a Session's ECU, per spec
// 4.11. It is serviced on the polling worker's next Step call, under
// the same session-ownership rules as a measuring-block read: it
// delays but never races the next scheduled group read.
type DTCRequest struct {
	Group, StatusHi, StatusLo byte
}

// DTCReply is what a DTCRequest's channel eventually receives.
type DTCReply struct {
	DTCs []kwp.DTC
	Err  error
}

// Session tracks one ECU's subscriptions and connection lifecycle. It
// is touched only by the polling worker, per spec 5's ownership rule;
// Add/Remove/Sync are called by the control worker under the
// Scheduler's shared mutex, never concurrently with Step.
type Session struct {
	logger *slog.Logger
	module uint8
	ch     Channel
	client Client

	sessionType byte

	refcount map[uint8]int
	ordered  []uint8
	cursor   int

	clientGroups map[string]map[uint8]bool

	groupErrors        map[uint8]int
	groupCooldownUntil map[uint8]time.Time
	sessionErrorCount  int

	active              bool
	lastConnectAttempt time.Time

	pendingDTC *DTCRequest
	dtcResult  chan DTCReply
}

func New(module uint8, ch Channel, client Client, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		logger:             logger.With("component", "session", "module", fmt.Sprintf("0x%02X", module)),
		module:             module,
		ch:                 ch,
		client:             client,
		sessionType:        DefaultSessionType,
		refcount:           map[uint8]int{},
		groupErrors:        map[uint8]int{},
		groupCooldownUntil: map[uint8]time.Time{},
		clientGroups:       map[string]map[uint8]bool{},
		active:             true,
	}
}

// SetSessionType overrides the KWP session type connect() starts with.
// Per spec 9, 0x89 is the default that reliably works; other values
// are only ever probed, never relied on.
func (s *Session) SetSessionType(sessionType byte) { s.sessionType = sessionType }

func (s *Session) Module() uint8    { return s.module }
func (s *Session) Active() bool     { return s.active }
func (s *Session) Connected() bool  { return s.ch.State() == tp2.Connected }
func (s *Session) HasPending() bool { return len(s.ordered) > 0 }

// Groups returns the ordered subscription list, a defensive copy.
func (s *Session) Groups() []uint8 {
	return append([]uint8(nil), s.ordered...)
}

// Add increments group's refcount, appending it to the ordered list
// the first time it becomes referenced. Returns the new refcount.
func (s *Session) Add(group uint8) int {
	s.refcount[group]++
	if s.refcount[group] == 1 {
		s.ordered = append(s.ordered, group)
	}
	return s.refcount[group]
}

// Remove decrements group's refcount, removing it from the ordered
// list at zero. Returns the refcount after the decrement (0 if it was
// already absent).
func (s *Session) Remove(group uint8) int {
	if s.refcount[group] == 0 {
		return 0
	}
	s.refcount[group]--
	count := s.refcount[group]
	if count <= 0 {
		delete(s.refcount, group)
		s.removeFromOrdered(group)
		delete(s.groupErrors, group)
		delete(s.groupCooldownUntil, group)
	}
	if len(s.refcount) == 0 {
		s.active = false
	}
	return count
}

func (s *Session) removeFromOrdered(group uint8) {
	for i, g := range s.ordered {
		if g == group {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			break
		}
	}
	if len(s.ordered) == 0 {
		s.cursor = 0
	} else if s.cursor >= len(s.ordered) {
		s.cursor = 0
	}
}

// Sync replaces clientID's desired group set for this session, applying
// the difference against the shared refcount via Add/Remove so several
// clients can subscribe to overlapping groups safely.
func (s *Session) Sync(clientID string, groups []uint8) {
	previous := s.clientGroups[clientID]

	desired := map[uint8]bool{}
	for _, g := range groups {
		if desired[g] {
			continue
		}
		desired[g] = true
		if !previous[g] {
			s.Add(g)
		}
	}
	for g := range previous {
		if !desired[g] {
			s.Remove(g)
		}
	}

	if len(desired) == 0 {
		delete(s.clientGroups, clientID)
	} else {
		s.clientGroups[clientID] = desired
	}
}

// RequestDTCRead enqueues a one-shot DTC_READ, replacing any
// not-yet-serviced request, and returns the channel its result will
// arrive on. The caller must not hold the Scheduler's mutex while
// receiving, since the CAN I/O that fulfils it runs on the polling
// worker's next Step, not here.
func (s *Session) RequestDTCRead(req DTCRequest) <-chan DTCReply {
	result := make(chan DTCReply, 1)
	s.pendingDTC = &req
	s.dtcResult = result
	return result
}

func (s *Session) serviceDTCRequest(ctx context.Context) {
	if s.pendingDTC == nil {
		return
	}
	req, result := s.pendingDTC, s.dtcResult
	s.pendingDTC, s.dtcResult = nil, nil

	dtcs, err := s.client.ReadDTCs(ctx, req.Group, req.StatusHi, req.StatusLo)
	result <- DTCReply{DTCs: dtcs, Err: err}
	close(result)
}

func (s *Session) failPendingDTC(err error) {
	if s.pendingDTC == nil {
		return
	}
	result := s.dtcResult
	s.pendingDTC, s.dtcResult = nil, nil
	result <- DTCReply{Err: err}
	close(result)
}

// MarkInactive tombstones the session; Step will report DeleteMe on its
// next visit once any connected channel has been torn down.
func (s *Session) MarkInactive() {
	s.active = false
}

// Disconnect tears down the channel without touching subscriptions.
func (s *Session) Disconnect() {
	if s.Connected() {
		s.ch.Disconnect()
	}
}

// Step runs one polling tick per spec 4.5's ten steps.
func (s *Session) Step(ctx context.Context, now time.Time) Intent {
	if !s.active {
		s.failPendingDTC(fmt.Errorf("session inactive"))
		s.Disconnect()
		return Intent{DeleteMe: true}
	}

	if !s.HasPending() {
		if s.Connected() {
			s.serviceDTCRequest(ctx)
			s.keepAlive(ctx)
		} else {
			s.failPendingDTC(fmt.Errorf("session not connected"))
		}
		return Intent{}
	}

	if !s.Connected() {
		if now.Sub(s.lastConnectAttempt) < reconnectCooldown {
			return Intent{}
		}
		s.lastConnectAttempt = now
		if err := s.connect(ctx); err != nil {
			s.logger.Warn("connect failed", "err", err)
			s.failPendingDTC(err)
			return Intent{}
		}
	}

	s.serviceDTCRequest(ctx)

	group, ok := s.nextGroup(now)
	if !ok {
		s.keepAlive(ctx)
		return Intent{}
	}

	intent := s.pollGroup(ctx, group)
	s.keepAlive(ctx)
	s.applyErrorLadder(group, now)
	s.advanceCursor()
	return intent
}

func (s *Session) connect(ctx context.Context) error {
	if err := s.ch.Setup(ctx); err != nil {
		return err
	}
	resp, err := s.client.StartSession(ctx, s.sessionType)
	if err != nil {
		s.ch.Disconnect()
		return err
	}
	if kwp.IsNegative(resp) {
		s.ch.Disconnect()
		return fmt.Errorf("session start rejected: nrc 0x%02X", kwp.NRC(resp))
	}
	return nil
}

func (s *Session) nextGroup(now time.Time) (uint8, bool) {
	n := len(s.ordered)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		group := s.ordered[idx]
		if now.After(s.groupCooldownUntil[group]) || now.Equal(s.groupCooldownUntil[group]) {
			s.cursor = idx
			return group, true
		}
	}
	return 0, false
}

func (s *Session) pollGroup(ctx context.Context, group uint8) Intent {
	resp, err := s.client.ReadMeasuringBlock(ctx, group)
	if err != nil || kwp.IsNegative(resp) || len(resp) < 2 || resp[0] != kwp.PositiveResponseFor(kwp.ServiceReadMeasuringBlock) {
		if err != nil {
			s.logger.Warn("read measuring block failed", "group", group, "err", err)
		}
		s.groupErrors[group]++
		s.sessionErrorCount++
		return Intent{}
	}

	values := measuring.Decode(resp[2:])
	s.groupErrors[group] = 0
	s.sessionErrorCount = 0
	return Intent{Publish: &Sample{Module: s.module, Group: group, Data: values}}
}

func (s *Session) applyErrorLadder(group uint8, now time.Time) {
	if s.groupErrors[group] >= groupErrorThreshold {
		s.groupCooldownUntil[group] = now.Add(groupCooldown)
		s.groupErrors[group] = 0
	}
	if s.sessionErrorCount >= sessionErrorThreshold {
		s.ch.Disconnect()
		s.sessionErrorCount = 0
	}
}

func (s *Session) advanceCursor() {
	if len(s.ordered) == 0 {
		s.cursor = 0
		return
	}
	s.cursor = (s.cursor + 1) % len(s.ordered)
}

func (s *Session) keepAlive(ctx context.Context) {
	if err := s.ch.KeepAlive(ctx); err != nil {
		s.logger.Debug("keep-alive failed", "err", err)
	}
}
