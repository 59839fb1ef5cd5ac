// Package kwp implements the KWP2000 request/response layer (C3): a
// thin framing on top of a tp2.Channel's already-reassembled byte
// stream. It knows the small catalog of requests this gateway issues
// and nothing about vehicle bus transport.
package kwp

// Service identifiers from spec 4.3's request catalog.
const (
	ServiceStartDiagnosticSession byte = 0x10
	ServiceReadMeasuringBlock     byte = 0x21
	ServiceReadDTCsByStatus       byte = 0x18
	ServiceReadECUIdentification  byte = 0x1A
	ServiceTesterPresent          byte = 0x3E

	NegativeResponse byte = 0x7F
)

// AdjustmentSession is the diagnostic session type that VW's measuring
// block tooling uses; per spec 4.3 it is "the one that works on these
// ECUs".
const AdjustmentSession byte = 0x89

// positiveResponseBias is added to a service id to form its positive
// response id (0x21 -> 0x61, and so on).
const positiveResponseBias byte = 0x40

// PositiveResponseFor returns the first byte a positive response to
// service carries.
func PositiveResponseFor(service byte) byte {
	return service + positiveResponseBias
}

// IsNegative reports whether response is a KWP negative response
// (0x7F, requestID, nrc).
func IsNegative(response []byte) bool {
	return len(response) > 0 && response[0] == NegativeResponse
}

// NRC returns the negative response code carried by response. Callers
// must check IsNegative first.
func NRC(response []byte) byte {
	if len(response) < 3 {
		return 0
	}
	return response[2]
}
