// Package control implements the request/reply control surface (C7):
// a closed set of commands against a Scheduler, modeled as a tagged
// variant with exhaustive handling and a default reject for unknown
// tags, per spec 9's note on dynamic dispatch over command strings.
package control

import (
	"context"
	"fmt"

	"github.com/tp2diag/gateway/pkg/kwp"
	"github.com/tp2diag/gateway/pkg/scheduler"
	"github.com/tp2diag/gateway/pkg/session"
)

// Command tags, spec 4.7, plus DTC_READ (spec 4.11, A6).
const (
	OpStatus  = "STATUS"
	OpAdd     = "ADD"
	OpRemove  = "REMOVE"
	OpSync    = "SYNC"
	OpToggle  = "TOGGLE"
	OpClear   = "CLEAR"
	OpDTCRead = "DTC_READ"
)

// Command is the wire shape of a control-surface request. Fields not
// relevant to Op are ignored.
type Command struct {
	Op       string  `json:"op"`
	Module   uint8   `json:"module"`
	Group    uint8   `json:"group"`
	Groups   []uint8 `json:"groups"`
	ClientID string  `json:"client_id"`
	StatusHi uint8   `json:"status_hi"`
	StatusLo uint8   `json:"status_lo"`
}

// Port is the subset of *scheduler.Scheduler the control surface
// drives. Add/Remove/Sync/Toggle/Clear/Status execute synchronously
// under the scheduler's mutex, so their reply is always available
// within the handler turn. RequestDTCRead only enqueues its request
// under that mutex; fulfilling it needs CAN I/O, which per spec 5
// only ever happens on the polling worker, so Dispatch waits on the
// returned channel outside of any lock.
type Port interface {
	Add(module, group uint8) int
	Remove(module, group uint8) int
	Sync(module uint8, groups []uint8, clientID string)
	Toggle() bool
	Clear()
	Status() scheduler.Status
	RequestDTCRead(module, group, statusHi, statusLo uint8) <-chan session.DTCReply
}

// DescribedDTC is one DTC_READ reply record: the raw code/status plus
// its human-readable catalog description.
type DescribedDTC struct {
	Code        uint16 `json:"code"`
	Status      uint8  `json:"status"`
	Description string `json:"description"`
}

// Dispatch applies cmd against port and returns the reply payload to
// encode back to the caller. An unrecognised Op is rejected with an
// error; the transport layer's command handler turns that into the
// `{status:"error", message}` shape of spec 4.7. ctx bounds how long a
// DTC_READ waits for the polling worker to service it; the other ops
// never touch ctx since they reply within the call itself.
func Dispatch(ctx context.Context, port Port, cmd Command) (any, error) {
	switch cmd.Op {
	case OpStatus:
		st := port.Status()
		return map[string]any{
			"status":        "ok",
			"enabled":       st.Enabled,
			"session_count": st.SessionCount,
			"sessions":      st.Sessions,
		}, nil
	case OpAdd:
		count := port.Add(cmd.Module, cmd.Group)
		return map[string]any{"status": "ok", "count": count}, nil
	case OpRemove:
		count := port.Remove(cmd.Module, cmd.Group)
		return map[string]any{"status": "ok", "count": count}, nil
	case OpSync:
		port.Sync(cmd.Module, cmd.Groups, cmd.ClientID)
		return map[string]any{"status": "ok"}, nil
	case OpToggle:
		enabled := port.Toggle()
		return map[string]any{"status": "ok", "enabled": enabled}, nil
	case OpClear:
		port.Clear()
		return map[string]any{"status": "ok"}, nil
	case OpDTCRead:
		resultCh := port.RequestDTCRead(cmd.Module, cmd.Group, cmd.StatusHi, cmd.StatusLo)
		select {
		case reply := <-resultCh:
			if reply.Err != nil {
				return nil, reply.Err
			}
			return map[string]any{"status": "ok", "dtcs": describeDTCs(reply.DTCs)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		return nil, fmt.Errorf("unknown command %q", cmd.Op)
	}
}

func describeDTCs(dtcs []kwp.DTC) []DescribedDTC {
	described := make([]DescribedDTC, len(dtcs))
	for i, d := range dtcs {
		described[i] = DescribedDTC{Code: d.Code, Status: d.Status, Description: kwp.Describe(d.Code)}
	}
	return described
}
