package kwp

import (
	"context"
	"fmt"

	"github.com/tp2diag/gateway/pkg/gwerrors"
)

// DTC is a single diagnostic trouble code as returned by a 0x18 read,
// per spec.full's A6 supplemental feature.
type DTC struct {
	Code   uint16
	Status uint8
}

// dtcDescriptions is a small subset of the VAG fault code catalog
// carried over from the original tooling's lookup table; unrecognised
// codes describe as "unknown DTC".
var dtcDescriptions = map[uint16]string{
	17965: "Charge Pressure Control: Positive Deviation (Overboost)",
	17964: "Charge Pressure Control: Negative Deviation (Underboost)",
	17552: "Mass Air Flow Sensor (G70): Open or Short to Ground",
	16485: "Mass Air Flow Sensor (G70): Implausible Signal",
	18010: "Power Supply Terminal 30: Voltage too Low",
	16955: "Brake Switch (F): Implausible Signal",
	19586: "EGR System: Regulation Range Exceeded",
	17055: "Cylinder 1 Glow Plug Circuit (Q10): Electrical Fault",
	17056: "Cylinder 2 Glow Plug Circuit (Q11): Electrical Fault",
	17057: "Cylinder 3 Glow Plug Circuit (Q12): Electrical Fault",
	17058: "Cylinder 4 Glow Plug Circuit (Q13): Electrical Fault",
	65535: "Internal Control Module Memory Error",
}

// Describe returns a human-readable description for code, or "unknown
// DTC" if it is not in the built-in catalog.
func Describe(code uint16) string {
	if desc, ok := dtcDescriptions[code]; ok {
		return desc
	}
	return "unknown DTC"
}

// ReadDTCs issues a 0x18 read-by-status request for the given group and
// status bytes and parses the response into a DTC list. It is an on-demand
// operation, not part of the round-robin poll loop.
func (c *Client) ReadDTCs(ctx context.Context, group, statusHi, statusLo byte) ([]DTC, error) {
	resp, err := c.Request(ctx, []byte{ServiceReadDTCsByStatus, group, statusHi, statusLo})
	if err != nil {
		return nil, err
	}
	if IsNegative(resp) {
		return nil, fmt.Errorf("%w: nrc 0x%02X", gwerrors.ErrKwpNegative, NRC(resp))
	}
	if len(resp) < 2 || resp[0] != PositiveResponseFor(ServiceReadDTCsByStatus) {
		return nil, fmt.Errorf("%w: unexpected dtc response header", gwerrors.ErrProtocol)
	}

	count := int(resp[1])
	body := resp[2:]
	if len(body) < count*3 {
		return nil, fmt.Errorf("%w: dtc response truncated", gwerrors.ErrProtocol)
	}

	dtcs := make([]DTC, 0, count)
	for i := 0; i < count; i++ {
		idx := i * 3
		code := uint16(body[idx])<<8 | uint16(body[idx+1])
		dtcs = append(dtcs, DTC{Code: code, Status: body[idx+2]})
	}
	return dtcs, nil
}
