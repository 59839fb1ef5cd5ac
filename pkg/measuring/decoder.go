// Package measuring decodes VW's vendor-specific measuring block
// triplets (C4): each (type, A, B) byte triplet maps to an engineering
// value and unit via a fixed, type-keyed formula table.
package measuring

import (
	"fmt"
	"math"
)

// Value is one decoded measuring-block field. Value holds the
// rounded float for formulas that produce a number; Text holds the
// rendered text for formulas that produce one (type 36 and the
// fallback case), with IsText set and Value left at its zero value.
type Value struct {
	Type   byte
	Value  float64
	Text   string
	Unit   string
	IsText bool
}

// Decode turns a read-block response body (group byte already
// stripped) into an ordered list of Values. A trailing partial triplet
// is silently dropped. Decode is pure and total: it never errors and
// never panics, falling back to the generic hex rendering for unknown
// type bytes.
func Decode(body []byte) []Value {
	n := len(body) / 3
	values := make([]Value, 0, n)
	for i := 0; i < n; i++ {
		t := body[i*3]
		a := body[i*3+1]
		b := body[i*3+2]
		values = append(values, decodeTriplet(t, a, b))
	}
	return values
}

func decodeTriplet(t, a, b byte) Value {
	af := float64(a)
	bf := float64(b)

	switch t {
	case 1:
		return numeric(t, af*bf/5, "rpm")
	case 2:
		return numeric(t, 0.002*af*bf, "%")
	case 3:
		return numeric(t, 0.002*af*bf, "deg")
	case 5:
		return numeric(t, 0.1*af*(bf-100), "°C")
	case 6:
		return numeric(t, 0.001*af*bf, "V")
	case 7:
		return numeric(t, af*bf/100, "km/h")
	case 9:
		return numeric(t, 0.02*af*(bf-127), "deg")
	case 15:
		return numeric(t, 0.01*af*bf, "ms")
	case 18:
		return numeric(t, 0.04*af*bf, "mbar")
	case 19:
		return numeric(t, 0.01*af*bf, "l")
	case 20:
		return numeric(t, af*(bf-128)/128, "%")
	case 21:
		return numeric(t, 0.001*af*bf, "V")
	case 23:
		return numeric(t, (bf/256)*af, "%")
	case 25:
		return numeric(t, af/182+1.421*bf, "g/s")
	case 26:
		return numeric(t, bf-af, "°C")
	case 27:
		return numeric(t, 0.01*af*math.Abs(bf-128), "deg")
	case 33:
		if a == 0 {
			return numeric(t, 100*bf, "%")
		}
		return numeric(t, 100*bf/af, "%")
	case 34:
		return numeric(t, 0.01*af*(bf-128), "kW")
	case 35:
		return numeric(t, 0.01*af*bf, "l/h")
	case 36:
		return Value{Type: t, Text: fmt.Sprintf("%d %d", a, b), Unit: "km", IsText: true}
	case 43:
		return numeric(t, 0.1*bf+25.5*af, "V")
	case 52:
		return numeric(t, 0.02*af*bf-af, "Nm")
	case 56:
		return numeric(t, 256*af+bf, "WSC")
	case 66:
		return numeric(t, af*bf/511.12, "V")
	case 67:
		return numeric(t, 640*af+2.5*bf, "deg")
	case 83:
		return numeric(t, 0.01*(256*af+bf), "bar")
	default:
		return Value{
			Type:   t,
			Text:   fmt.Sprintf("0x%02X%02X", a, b),
			Unit:   fmt.Sprintf("Type_%d", t),
			IsText: true,
		}
	}
}

// JSON returns the value in the shape the outbound publication's data
// model expects: a number for numeric formulas, a string for the text
// ones (type 36 and the unknown-type fallback).
func (v Value) JSON() any {
	if v.IsText {
		return v.Text
	}
	return v.Value
}

func numeric(t byte, value float64, unit string) Value {
	return Value{Type: t, Value: round2(value), Unit: unit}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
