package kwp

import (
	"context"
	"fmt"

	"github.com/tp2diag/gateway/pkg/gwerrors"
	"github.com/tp2diag/gateway/pkg/tp2"
)

// channel is the subset of *tp2.Channel the client needs, so tests can
// substitute a fake without standing up a full bus.
type channel interface {
	SendKWP(ctx context.Context, payload []byte) error
	ReceiveKWP(ctx context.Context) ([]byte, error)
}

// Client issues KWP2000 requests over an already-Connected tp2
// channel and returns the reassembled response bytes. Per spec 4.3 a
// `0x7F` negative response is returned as a successful receive — the
// transport worked, the ECU just declined the request — so callers
// that care must check kwp.IsNegative themselves.
type Client struct {
	ch channel
}

func NewClient(ch *tp2.Channel) *Client {
	return &Client{ch: ch}
}

// Request sends payload (service id first, no length prefix) and
// returns the reassembled response. An empty response is an error per
// spec 4.3's edge case.
func (c *Client) Request(ctx context.Context, payload []byte) ([]byte, error) {
	if err := c.ch.SendKWP(ctx, payload); err != nil {
		return nil, err
	}
	resp, err := c.ch.ReceiveKWP(ctx)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: empty kwp response", gwerrors.ErrProtocol)
	}
	return resp, nil
}

// StartSession issues a 0x10 start-diagnostic-session request.
func (c *Client) StartSession(ctx context.Context, sessionType byte) ([]byte, error) {
	return c.Request(ctx, []byte{ServiceStartDiagnosticSession, sessionType})
}

// ReadMeasuringBlock issues a 0x21 request for the given group (1..255)
// and returns the whole response (0x61, group, triplets...); callers
// pass resp[2:] to the decoder.
func (c *Client) ReadMeasuringBlock(ctx context.Context, group byte) ([]byte, error) {
	return c.Request(ctx, []byte{ServiceReadMeasuringBlock, group})
}

// TesterPresent issues the optional KWP-layer keep-alive.
func (c *Client) TesterPresent(ctx context.Context) ([]byte, error) {
	return c.Request(ctx, []byte{ServiceTesterPresent, 0x00})
}

// ReadECUIdentification issues a 0x1A request. Some ECUs disconnect on
// specific ids; the caller decides whether to attempt this at all.
func (c *Client) ReadECUIdentification(ctx context.Context, id byte) ([]byte, error) {
	return c.Request(ctx, []byte{ServiceReadECUIdentification, id})
}
