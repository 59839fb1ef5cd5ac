// Package socketcan wraps github.com/brutella/can as a can.Bus, the
// backend used against a real vehicle bus. brutella/can is push-based
// (it calls Handle as frames arrive); can.BusManager turns that into
// the mailbox/timeout contract the TP2.0 channel needs.
package socketcan

import (
	sockcan "github.com/brutella/can"

	"github.com/tp2diag/gateway/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", NewBus)
}

type Bus struct {
	bus        *sockcan.Bus
	rxCallback can.FrameListener
}

// NewBus opens a SocketCAN interface by name, e.g. "can0". The
// interface must already be up at 100 kbit/s; this package does not
// configure bitrate.
func NewBus(name string) (can.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: bus}, nil
}

func (b *Bus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

func (b *Bus) Disconnect() error {
	return b.bus.Disconnect()
}

// Send transmits a frame. DLC equals len(frame.Data); frames are never
// padded to 8 bytes by this layer.
func (b *Bus) Send(frame can.Frame) error {
	var data [8]byte
	copy(data[:], frame.Data)
	return b.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: uint8(len(frame.Data)),
		Data:   data,
	})
}

func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.rxCallback = rxCallback
	b.bus.Subscribe(b)
	return nil
}

// Handle implements brutella/can's Handler interface.
func (b *Bus) Handle(frame sockcan.Frame) {
	b.rxCallback.Handle(can.Frame{ID: frame.ID, Data: append([]byte(nil), frame.Data[:frame.Length]...)})
}
