package scheduler

import (
	"log/slog"
	"time"

	"github.com/tp2diag/gateway/pkg/can"
	"github.com/tp2diag/gateway/pkg/kwp"
	"github.com/tp2diag/gateway/pkg/session"
	"github.com/tp2diag/gateway/pkg/tp2"
)

// ChannelConfig carries the tp2.Config knobs a config.ServiceConfig's
// [session] section overrides (spec 4.10): a per-module tester id
// base and the channel timing/block-size defaults. Zero fields keep
// tp2.Config's own defaults.
type ChannelConfig struct {
	TesterIDBase uint16
	BlockSize    uint8
	T1           time.Duration
	T3           time.Duration
}

// NewTP2ChannelFactory builds the default ChannelFactory: one
// tp2.Channel per module over the shared bus, with a tester id derived
// from the module id so concurrent channels never collide on the
// broadcast response id's resolved traffic.
func NewTP2ChannelFactory(bm *can.BusManager, logger *slog.Logger, cfg ChannelConfig) ChannelFactory {
	testerIDBase := cfg.TesterIDBase
	if testerIDBase == 0 {
		testerIDBase = tp2.DefaultTesterID
	}
	return func(module uint8) (session.Channel, session.Client) {
		ch := tp2.NewChannel(bm, logger, tp2.Config{
			Module:    module,
			TesterID:  testerIDBase + uint16(module),
			BlockSize: cfg.BlockSize,
			T1:        cfg.T1,
			T3:        cfg.T3,
		})
		return ch, kwp.NewClient(ch)
	}
}
