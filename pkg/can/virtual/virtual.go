// Package virtual provides an in-process loopback CAN bus used by
// tests: every Bus created against the same channel name shares one
// broadcast domain, like a real CAN bus, but without any network
// dependency. Adapted from the teacher's TCP-backed virtualcan client
// (github.com/windelbouwman/virtualcan) down to a single process.
package virtual

import (
	"sync"

	"github.com/tp2diag/gateway/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewBus)
}

// segment is the shared broadcast domain for one channel name.
type segment struct {
	mu      sync.Mutex
	members []*Bus
}

var (
	segmentsMu sync.Mutex
	segments   = map[string]*segment{}
)

func join(channel string, bus *Bus) *segment {
	segmentsMu.Lock()
	defer segmentsMu.Unlock()
	seg, ok := segments[channel]
	if !ok {
		seg = &segment{}
		segments[channel] = seg
	}
	seg.mu.Lock()
	seg.members = append(seg.members, bus)
	seg.mu.Unlock()
	return seg
}

func (s *segment) leave(bus *Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.members {
		if m == bus {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return
		}
	}
}

func (s *segment) broadcast(from *Bus, frame can.Frame) {
	s.mu.Lock()
	members := append([]*Bus(nil), s.members...)
	s.mu.Unlock()
	for _, m := range members {
		if m == from && !m.receiveOwn {
			continue
		}
		if m.listener != nil {
			m.listener.Handle(frame)
		}
	}
}

// Bus is a member of a named virtual segment. Two Bus values created
// with the same channel name observe each other's frames.
type Bus struct {
	channel    string
	receiveOwn bool
	listener   can.FrameListener
	segment    *segment
	connected  bool
}

func NewBus(channel string) (can.Bus, error) {
	return &Bus{channel: channel}, nil
}

func (b *Bus) Connect(...any) error {
	b.segment = join(b.channel, b)
	b.connected = true
	return nil
}

func (b *Bus) Disconnect() error {
	if b.segment != nil {
		b.segment.leave(b)
	}
	b.connected = false
	return nil
}

func (b *Bus) Send(frame can.Frame) error {
	if b.segment == nil {
		return nil
	}
	b.segment.broadcast(b, frame)
	return nil
}

func (b *Bus) Subscribe(listener can.FrameListener) error {
	b.listener = listener
	return nil
}

// SetReceiveOwn controls whether this member observes its own
// transmissions, useful for exercising a module's own test frames.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.receiveOwn = receiveOwn
}
