// Package scheduler implements the Scheduler (C6): the single polling
// loop that owns every Session, gates polling on ignition state, and
// publishes decoded samples to the outbound bus.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tp2diag/gateway/pkg/measuring"
	"github.com/tp2diag/gateway/pkg/session"
)

// DiagTopic is the single outbound publication topic of spec 6.
const DiagTopic = "HUDIY_DIAG"

const tickInterval = 50 * time.Millisecond

// Publisher is the outbound pub/sub fabric. Emission is best-effort:
// Scheduler logs publish errors and keeps polling.
type Publisher interface {
	Publish(topic string, payload any) error
}

// ChannelFactory builds the Channel and Client pair a new Session needs
// to talk to module over the shared CAN bus.
type ChannelFactory func(module uint8) (session.Channel, session.Client)

// ValueRecord is one decoded measuring-block field in the outbound
// publication's wire shape.
type ValueRecord struct {
	Value any    `json:"value"`
	Unit  string `json:"unit"`
	Type  uint8  `json:"type"`
}

// SampleRecord is the `{module, group, data}` record published under
// DiagTopic for every successful read.
type SampleRecord struct {
	Module uint8         `json:"module"`
	Group  uint8         `json:"group"`
	Data   []ValueRecord `json:"data"`
}

// SessionStatus is one session's entry in a Status snapshot.
type SessionStatus struct {
	Module    uint8   `json:"module"`
	Connected bool    `json:"connected"`
	Active    bool    `json:"active"`
	Groups    []uint8 `json:"groups"`
}

// Status is the STATUS command's reply payload.
type Status struct {
	Enabled      bool            `json:"enabled"`
	SessionCount int             `json:"session_count"`
	Sessions     []SessionStatus `json:"sessions"`
}

// Scheduler owns every Session and runs the single polling loop of
// spec 4.6. The mutex is the only synchronization between the polling
// worker (this loop) and the control worker (whatever calls Add,
// Remove, Sync, Status, Toggle, Clear) per spec 5; it is never held
// across CAN I/O.
type Scheduler struct {
	logger      *slog.Logger
	factory     ChannelFactory
	pub         Publisher
	sessionType byte

	mu               sync.Mutex
	sessions         map[uint8]*session.Session
	enabled          bool
	lastIgnition     bool
	ignitionObserved bool
	currentIgnition  bool

	stop chan struct{}
	done chan struct{}
}

// New builds a Scheduler. sessionType overrides the KWP session type
// new sessions start with; pass 0 to keep session.DefaultSessionType.
func New(factory ChannelFactory, pub Publisher, logger *slog.Logger, sessionType byte) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:      logger.With("component", "scheduler"),
		factory:     factory,
		pub:         pub,
		sessionType: sessionType,
		sessions:    map[uint8]*session.Session{},
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetPublisher rebinds the outbound publisher. Used at startup when the
// publisher (the transport server) is constructed after the scheduler
// since the server itself needs the scheduler as its control.Port.
func (sch *Scheduler) SetPublisher(pub Publisher) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.pub = pub
}

// SetIgnition records the latest observed kl15 level; the loop aligns
// the enabled flag to it on the next tick where it differs from the
// last observed level.
func (sch *Scheduler) SetIgnition(level bool) {
	sch.mu.Lock()
	sch.currentIgnition = level
	sch.ignitionObserved = true
	sch.mu.Unlock()
}

// Run drives the polling loop until ctx is cancelled or Stop is
// called. It tears down every session on the way out.
func (sch *Scheduler) Run(ctx context.Context) {
	defer close(sch.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sch.teardown()
			return
		case <-sch.stop:
			sch.teardown()
			return
		case <-ticker.C:
			sch.tick(ctx)
		}
	}
}

func (sch *Scheduler) Stop() {
	close(sch.stop)
	<-sch.done
}

func (sch *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sch.logger.Error("scheduler tick panicked", "recovered", r)
			time.Sleep(time.Second)
		}
	}()

	sch.mu.Lock()
	if sch.ignitionObserved && sch.currentIgnition != sch.lastIgnition {
		sch.lastIgnition = sch.currentIgnition
		sch.enabled = sch.currentIgnition
		if !sch.enabled {
			sch.disconnectAllLocked()
		}
	}
	enabled := sch.enabled
	snapshot := sch.sessionSnapshotLocked()
	sch.mu.Unlock()

	if !enabled {
		return
	}

	now := time.Now()
	for _, sess := range snapshot {
		intent := sess.Step(ctx, now)
		if intent.Publish != nil {
			sch.publish(intent.Publish.Module, intent.Publish.Group, intent.Publish.Data)
		}
		if intent.DeleteMe {
			sch.mu.Lock()
			delete(sch.sessions, sess.Module())
			sch.mu.Unlock()
		}
	}
}

func (sch *Scheduler) publish(module, group uint8, data []measuring.Value) {
	if sch.pub == nil {
		return
	}
	records := make([]ValueRecord, len(data))
	for i, v := range data {
		records[i] = ValueRecord{Value: v.JSON(), Unit: v.Unit, Type: v.Type}
	}
	record := SampleRecord{Module: module, Group: group, Data: records}
	if err := sch.pub.Publish(DiagTopic, record); err != nil {
		sch.logger.Warn("publish failed", "module", module, "group", group, "err", err)
	}
}

func (sch *Scheduler) sessionSnapshotLocked() []*session.Session {
	snapshot := make([]*session.Session, 0, len(sch.sessions))
	for _, sess := range sch.sessions {
		snapshot = append(snapshot, sess)
	}
	return snapshot
}

func (sch *Scheduler) disconnectAllLocked() {
	for _, sess := range sch.sessions {
		sess.Disconnect()
	}
}

func (sch *Scheduler) teardown() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	for _, sess := range sch.sessions {
		sess.Disconnect()
	}
}

// getOrCreateLocked must be called with mu held.
func (sch *Scheduler) getOrCreateLocked(module uint8) *session.Session {
	if sess, ok := sch.sessions[module]; ok {
		return sess
	}
	ch, client := sch.factory(module)
	sess := session.New(module, ch, client, sch.logger)
	if sch.sessionType != 0 {
		sess.SetSessionType(sch.sessionType)
	}
	sch.sessions[module] = sess
	return sess
}

// Add implements the ADD control command.
func (sch *Scheduler) Add(module, group uint8) int {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.getOrCreateLocked(module).Add(group)
}

// Remove implements the REMOVE control command. It is a no-op if the
// module has no session.
func (sch *Scheduler) Remove(module, group uint8) int {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sess, ok := sch.sessions[module]
	if !ok {
		return 0
	}
	return sess.Remove(group)
}

// Sync implements the SYNC control command.
func (sch *Scheduler) Sync(module uint8, groups []uint8, clientID string) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.getOrCreateLocked(module).Sync(clientID, groups)
}

// Toggle implements the TOGGLE control command and returns the new
// enabled state.
func (sch *Scheduler) Toggle() bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.enabled = !sch.enabled
	if !sch.enabled {
		sch.disconnectAllLocked()
	}
	return sch.enabled
}

// Clear implements the CLEAR control command: every session is marked
// inactive and torn down on the polling worker's next visit.
func (sch *Scheduler) Clear() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	for _, sess := range sch.sessions {
		sess.MarkInactive()
	}
}

// RequestDTCRead implements the DTC_READ control command (spec 4.11).
// It only enqueues the request under the mutex; the CAN I/O to fulfil
// it happens on the polling worker's next tick, never here, per spec
// 5's "mutex never held across CAN I/O".
func (sch *Scheduler) RequestDTCRead(module, group, statusHi, statusLo uint8) <-chan session.DTCReply {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.getOrCreateLocked(module).RequestDTCRead(session.DTCRequest{
		Group:    group,
		StatusHi: statusHi,
		StatusLo: statusLo,
	})
}

// Status implements the STATUS control command.
func (sch *Scheduler) Status() Status {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	sessions := make([]SessionStatus, 0, len(sch.sessions))
	for _, sess := range sch.sessions {
		sessions = append(sessions, SessionStatus{
			Module:    sess.Module(),
			Connected: sess.Connected(),
			Active:    sess.Active(),
			Groups:    sess.Groups(),
		})
	}
	return Status{
		Enabled:      sch.enabled,
		SessionCount: len(sch.sessions),
		Sessions:     sessions,
	}
}
